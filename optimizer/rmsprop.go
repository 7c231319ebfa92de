package optimizer

import (
	"math"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	Alpha    float64 // Smoothing constant (typically 0.99)
	Epsilon  float64
	Momentum float64
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		Alpha:   0.99,
		Epsilon: 1e-8,
	}
}

// RMSProp keeps a running average of squared gradients per element and,
// with momentum, a velocity buffer:
//
//	v = alpha*v + (1-alpha)*g^2
//	buf = momentum*buf + g/(sqrt(v)+eps)
//	p -= lr*buf
type RMSProp struct {
	paramGroups
	config         RMSPropConfig
	squaredGradAvg map[*tensor.Tensor][]float64
	momentumBuf    map[*tensor.Tensor][]float64
}

func NewRMSProp(groups []ParamGroup, config RMSPropConfig) (*RMSProp, error) {
	pg, err := newParamGroups(groups)
	if err != nil {
		return nil, err
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		config.Alpha = 0.99
	}
	if config.Epsilon <= 0 {
		config.Epsilon = 1e-8
	}

	r := &RMSProp{
		paramGroups:    pg,
		config:         config,
		squaredGradAvg: make(map[*tensor.Tensor][]float64),
		momentumBuf:    make(map[*tensor.Tensor][]float64),
	}
	for _, g := range pg.groups {
		for _, p := range g.Params {
			r.squaredGradAvg[p] = make([]float64, p.NumElems)
			if config.Momentum > 0 {
				r.momentumBuf[p] = make([]float64, p.NumElems)
			}
		}
	}
	return r, nil
}

func (r *RMSProp) Step() error {
	alpha := r.config.Alpha
	for _, g := range r.groups {
		for _, p := range g.Params {
			v := r.squaredGradAvg[p]
			buf := r.momentumBuf[p]
			for i := range p.Data {
				grad := decayedGrad(p, i, g.WeightDecay)
				v[i] = alpha*v[i] + (1-alpha)*grad*grad
				update := grad / (math.Sqrt(v[i]) + r.config.Epsilon)
				if buf != nil {
					buf[i] = r.config.Momentum*buf[i] + update
					update = buf[i]
				}
				p.Data[i] -= float32(g.LR * update)
			}
		}
	}
	r.stepCount++
	return nil
}
