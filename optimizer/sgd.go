package optimizer

import (
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// SGD implements Stochastic Gradient Descent with optional momentum.
type SGD struct {
	paramGroups
	momentum   float64
	velocities map[*tensor.Tensor][]float64
}

func NewSGD(groups []ParamGroup, momentum float64) (*SGD, error) {
	pg, err := newParamGroups(groups)
	if err != nil {
		return nil, err
	}

	sgd := &SGD{
		paramGroups: pg,
		momentum:    momentum,
		velocities:  make(map[*tensor.Tensor][]float64),
	}
	if momentum > 0 {
		for _, g := range pg.groups {
			for _, p := range g.Params {
				sgd.velocities[p] = make([]float64, p.NumElems)
			}
		}
	}
	return sgd, nil
}

func (sgd *SGD) Step() error {
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			vel := sgd.velocities[p]
			for i := range p.Data {
				grad := decayedGrad(p, i, g.WeightDecay)
				if vel != nil {
					vel[i] = sgd.momentum*vel[i] + grad
					grad = vel[i]
				}
				p.Data[i] -= float32(g.LR * grad)
			}
		}
	}
	sgd.stepCount++
	return nil
}
