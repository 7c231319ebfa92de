package optimizer

import (
	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// Optimizer defines the common interface for all optimizers. SetLR applies
// one rate to every parameter group.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
	GetStepCount() uint64
	Groups() []ParamGroup
}

// ParamGroup is a set of parameters sharing hyperparameters.
type ParamGroup struct {
	Params      []*tensor.Tensor
	LR          float64
	WeightDecay float64
}

// paramGroups carries the bookkeeping shared by every optimizer.
type paramGroups struct {
	groups    []ParamGroup
	stepCount uint64
}

func newParamGroups(groups []ParamGroup) (paramGroups, error) {
	if len(groups) == 0 {
		return paramGroups{}, errors.New("no parameter groups provided")
	}
	for i, g := range groups {
		if len(g.Params) == 0 {
			return paramGroups{}, errors.Errorf("parameter group %d is empty", i)
		}
		if g.LR <= 0 {
			return paramGroups{}, errors.Errorf("parameter group %d has non-positive learning rate %g", i, g.LR)
		}
		for j, p := range g.Params {
			if !p.RequiresGrad() {
				return paramGroups{}, errors.Errorf("parameter %d of group %d does not require grad", j, i)
			}
		}
	}
	out := make([]ParamGroup, len(groups))
	copy(out, groups)
	return paramGroups{groups: out}, nil
}

func (pg *paramGroups) ZeroGrad() {
	for _, g := range pg.groups {
		tensor.ZeroGrad(g.Params)
	}
}

// GetLR returns the rate of the first group; SetLR keeps them identical.
func (pg *paramGroups) GetLR() float64 {
	return pg.groups[0].LR
}

func (pg *paramGroups) SetLR(lr float64) {
	for i := range pg.groups {
		pg.groups[i].LR = lr
	}
}

func (pg *paramGroups) GetStepCount() uint64 {
	return pg.stepCount
}

func (pg *paramGroups) Groups() []ParamGroup {
	out := make([]ParamGroup, len(pg.groups))
	copy(out, pg.groups)
	return out
}

// decayedGrad returns grad + weightDecay*param as float64.
func decayedGrad(p *tensor.Tensor, i int, weightDecay float64) float64 {
	g := float64(p.Grad().Data[i])
	if weightDecay != 0 {
		g += weightDecay * float64(p.Data[i])
	}
	return g
}
