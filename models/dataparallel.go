package models

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/checkpoints"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

// Replica is a model whose Forward may run on several goroutines at once,
// such as a frozen ReferenceNet.
type Replica interface {
	training.Model
	NamedParameters() []training.NamedParameter
}

// DataParallel splits each batch across devices, runs the shards
// concurrently and concatenates the outputs along the batch axis. Parameter
// names carry the "module." device-wrapping prefix.
type DataParallel struct {
	module  Replica
	devices int
}

func NewDataParallel(module Replica, devices int) (*DataParallel, error) {
	if module == nil {
		return nil, errors.New("module cannot be nil")
	}
	if devices <= 0 {
		return nil, errors.Errorf("device count must be positive, got %d", devices)
	}
	return &DataParallel{module: module, devices: devices}, nil
}

func (dp *DataParallel) Devices() int {
	return dp.devices
}

func (dp *DataParallel) Forward(images *tensor.Tensor) ([]*tensor.Tensor, error) {
	if dp.devices == 1 {
		return dp.module.Forward(images)
	}

	shards, err := tensor.SplitBatch(images, dp.devices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to shard batch")
	}

	results := make([][]*tensor.Tensor, len(shards))
	group, _ := errgroup.WithContext(context.Background())
	for i, shard := range shards {
		i, shard := i, shard
		group.Go(func() error {
			out, err := dp.module.Forward(shard)
			if err != nil {
				return errors.Wrapf(err, "shard %d", i)
			}
			results[i] = out
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	numOutputs := len(results[0])
	outputs := make([]*tensor.Tensor, numOutputs)
	for o := 0; o < numOutputs; o++ {
		parts := make([]*tensor.Tensor, len(results))
		for i, r := range results {
			if len(r) != numOutputs {
				return nil, errors.Wrapf(training.ErrShapeMismatch, "shard %d produced %d outputs, expected %d", i, len(r), numOutputs)
			}
			parts[i] = r[o]
		}
		if outputs[o], err = tensor.ConcatBatch(parts); err != nil {
			return nil, errors.Wrapf(err, "failed to gather output %d", o)
		}
	}
	return outputs, nil
}

// NamedParameters exposes the wrapped module's parameters under the
// device-wrapping prefix.
func (dp *DataParallel) NamedParameters() []training.NamedParameter {
	inner := dp.module.NamedParameters()
	params := make([]training.NamedParameter, len(inner))
	for i, p := range inner {
		params[i] = training.NamedParameter{Name: checkpoints.DeviceWrapPrefix + p.Name, Tensor: p.Tensor}
	}
	return params
}

var _ Replica = (*DataParallel)(nil)
