package training

import (
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch marks a misconfigured teacher/student pairing: hint
	// tensors of different shape, missing outputs, or task-loss inputs that do
	// not line up with the targets. It is never retried.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrEmptySupplier is returned when a supplier is still exhausted right
	// after being reset, i.e. a pass yields no batches at all.
	ErrEmptySupplier = errors.New("data supplier produced no batches after reset")
)
