package training

import (
	"github.com/pkg/errors"
)

// SubsetDataset exposes only the first limit samples of another dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset wraps original. A limit above original.Len() is clamped.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if original == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if limit < 0 {
		return nil, errors.Errorf("limit cannot be negative, got %d", limit)
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= sd.limit {
		return Sample{}, errors.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}
