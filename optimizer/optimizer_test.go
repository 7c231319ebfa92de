package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

func param(t *testing.T, values ...float32) *tensor.Tensor {
	p, err := tensor.New([]int{len(values)}, values)
	require.NoError(t, err)
	p.SetRequiresGrad(true)
	return p
}

func setGrad(p *tensor.Tensor, values ...float32) {
	copy(p.Grad().Data, values)
}

func TestSGDPlainStep(t *testing.T) {
	p := param(t, 1, 2)
	sgd, err := NewSGD([]ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1}}, 0)
	require.NoError(t, err)

	setGrad(p, 1, -2)
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.9, p.Data[0], 1e-6)
	assert.InDelta(t, 2.2, p.Data[1], 1e-6)
	assert.Equal(t, uint64(1), sgd.GetStepCount())
}

func TestSGDMomentumAndWeightDecay(t *testing.T) {
	p := param(t, 1)
	sgd, err := NewSGD([]ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1, WeightDecay: 0.5}}, 0.9)
	require.NoError(t, err)

	// g = 1 + 0.5*1 = 1.5, vel = 1.5, p = 1 - 0.15 = 0.85
	setGrad(p, 1)
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.85, p.Data[0], 1e-6)

	// g = 1 + 0.5*0.85 = 1.425, vel = 0.9*1.5 + 1.425 = 2.775, p = 0.85 - 0.2775
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.5725, p.Data[0], 1e-6)
}

func TestRMSPropStep(t *testing.T) {
	p := param(t, 1)
	opt, err := NewRMSProp([]ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.01}}, RMSPropConfig{Alpha: 0.99, Epsilon: 1e-8})
	require.NoError(t, err)

	setGrad(p, 2)
	require.NoError(t, opt.Step())

	v := 0.01 * 4.0
	expected := 1 - 0.01*2/(math.Sqrt(v)+1e-8)
	assert.InDelta(t, expected, p.Data[0], 1e-6)
}

func TestRMSPropMomentum(t *testing.T) {
	p := param(t, 0)
	opt, err := NewRMSProp([]ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1}}, RMSPropConfig{Alpha: 0.5, Epsilon: 1e-8, Momentum: 0.9})
	require.NoError(t, err)

	setGrad(p, 1)
	require.NoError(t, opt.Step())
	// v = 0.5, u = 1/sqrt(0.5), buf = u
	u1 := 1 / (math.Sqrt(0.5) + 1e-8)
	assert.InDelta(t, -0.1*u1, p.Data[0], 1e-6)

	require.NoError(t, opt.Step())
	// v = 0.25 + 0.5 = 0.75, u = 1/sqrt(0.75), buf = 0.9*u1 + u2
	u2 := 1 / (math.Sqrt(0.75) + 1e-8)
	assert.InDelta(t, -0.1*u1-0.1*(0.9*u1+u2), p.Data[0], 1e-5)
}

func TestSetLRAppliesToEveryGroup(t *testing.T) {
	a := param(t, 1)
	b := param(t, 2)
	opt, err := NewRMSProp([]ParamGroup{
		{Params: []*tensor.Tensor{a}, LR: 0.1},
		{Params: []*tensor.Tensor{b}, LR: 0.5, WeightDecay: 5e-4},
	}, DefaultRMSPropConfig())
	require.NoError(t, err)

	opt.SetLR(0.004)
	assert.Equal(t, 0.004, opt.GetLR())
	for _, g := range opt.Groups() {
		assert.Equal(t, 0.004, g.LR)
	}
}

func TestZeroGrad(t *testing.T) {
	p := param(t, 1, 1)
	sgd, err := NewSGD([]ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1}}, 0)
	require.NoError(t, err)

	setGrad(p, 3, 4)
	sgd.ZeroGrad()
	assert.Equal(t, []float32{0, 0}, p.Grad().Data)
}

func TestGroupValidation(t *testing.T) {
	_, err := NewSGD(nil, 0)
	require.Error(t, err)

	frozen, _ := tensor.Zeros([]int{2})
	_, err = NewSGD([]ParamGroup{{Params: []*tensor.Tensor{frozen}, LR: 0.1}}, 0)
	require.Error(t, err)

	_, err = NewRMSProp([]ParamGroup{{Params: []*tensor.Tensor{param(t, 1)}, LR: 0}}, DefaultRMSPropConfig())
	require.Error(t, err)
}
