// Package datasets holds dataset implementations and wrappers that plug into
// the training data loader.
package datasets

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

// CacheManager is an LRU of decoded samples keyed by dataset index. It is
// safe for concurrent use by loader workers. Cached samples are shared and
// must be treated as read-only.
type CacheManager struct {
	cache   *lru.Cache[int, training.Sample]
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New[int, training.Sample](maxSize)
	if err != nil {
		return nil, errors.Wrapf(err, "cache size %d", maxSize)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

func (cm *CacheManager) Get(idx int) (training.Sample, bool) {
	if sample, ok := cm.cache.Get(idx); ok {
		cm.hits.Add(1)
		return sample, true
	}
	cm.misses.Add(1)
	return training.Sample{}, false
}

func (cm *CacheManager) Put(idx int, sample training.Sample) {
	cm.cache.Add(idx, sample)
}

func (cm *CacheManager) Stats() CacheStats {
	hits, misses := cm.hits.Load(), cm.misses.Load()
	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every entry; statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}

// CachedDataset serves repeated indices from a CacheManager.
type CachedDataset struct {
	dataset training.Dataset
	cache   *CacheManager
}

func NewCachedDataset(dataset training.Dataset, maxSize int) (*CachedDataset, error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if maxSize <= 0 {
		return nil, errors.Errorf("cache size must be positive, got %d", maxSize)
	}
	cache, err := NewCacheManager(maxSize)
	if err != nil {
		return nil, err
	}
	return &CachedDataset{dataset: dataset, cache: cache}, nil
}

func (cd *CachedDataset) Len() int {
	return cd.dataset.Len()
}

func (cd *CachedDataset) Get(idx int) (training.Sample, error) {
	if sample, ok := cd.cache.Get(idx); ok {
		return sample, nil
	}
	sample, err := cd.dataset.Get(idx)
	if err != nil {
		return training.Sample{}, err
	}
	cd.cache.Put(idx, sample)
	return sample, nil
}

func (cd *CachedDataset) Stats() CacheStats {
	return cd.cache.Stats()
}
