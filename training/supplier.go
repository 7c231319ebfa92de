package training

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/logging"
)

// SupplyState is the two-state protocol of a cyclic supplier.
type SupplyState int

const (
	SupplyActive SupplyState = iota
	SupplyExhausted
)

func (s SupplyState) String() string {
	switch s {
	case SupplyActive:
		return "ACTIVE"
	case SupplyExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// CyclicSupplier turns a pass-based Supplier into an endless one. When the
// source reports exhaustion it moves to EXHAUSTED, resets the source, returns
// to ACTIVE and retries exactly once.
type CyclicSupplier struct {
	source Supplier
	state  SupplyState
	pass   int
}

func NewCyclicSupplier(source Supplier) *CyclicSupplier {
	return &CyclicSupplier{source: source, state: SupplyActive}
}

// Pass is the zero-based index of the pass currently being consumed.
func (c *CyclicSupplier) Pass() int {
	return c.pass
}

func (c *CyclicSupplier) State() SupplyState {
	return c.state
}

// Next always yields a batch unless the source fails or is empty.
func (c *CyclicSupplier) Next(ctx context.Context) (*Batch, error) {
	batch, ok, err := c.source.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch batch")
	}
	if ok {
		return batch, nil
	}

	c.state = SupplyExhausted
	if err := c.source.Reset(); err != nil {
		return nil, errors.Wrap(err, "failed to reset data supplier")
	}
	c.pass++
	c.state = SupplyActive
	logging.Debug("Starting new data pass", logging.Data, "pass", c.pass)

	batch, ok, err = c.source.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch batch")
	}
	if !ok {
		c.state = SupplyExhausted
		return nil, ErrEmptySupplier
	}
	return batch, nil
}
