package layers

import (
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// Parameter is a named parameter tensor. Names are "<layer>.weight" and
// "<layer>.bias".
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// runtimeLayer is one executable layer. cache is true only for trainable
// networks; a layer that did not cache cannot run backward.
type runtimeLayer interface {
	forward(x *tensor.Tensor, cache bool) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	parameters() []Parameter
}

// Network is a built ModelSpec. A trainable network keeps the activations of
// its latest forward for Backward and must not be shared between goroutines.
// A frozen network keeps nothing, so concurrent forwards are safe.
type Network struct {
	spec      *ModelSpec
	layers    []runtimeLayer
	trainable bool
	mu        sync.Mutex
}

// BuildOptions controls parameter initialisation.
type BuildOptions struct {
	Trainable bool
	RNG       *rand.Rand
}

// Build allocates parameters for a compiled spec. Weights are drawn from
// U(-1/sqrt(fan_in), 1/sqrt(fan_in)); biases start at zero.
func Build(spec *ModelSpec, opts BuildOptions) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}
	rng := opts.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	net := &Network{spec: spec, trainable: opts.Trainable}
	for _, ls := range spec.Layers {
		switch ls.Type {
		case Dense:
			d, err := newDense(ls, rng, opts.Trainable)
			if err != nil {
				return nil, errors.Wrapf(err, "layer %s", ls.Name)
			}
			net.layers = append(net.layers, d)
		case ReLU:
			net.layers = append(net.layers, &relu{})
		default:
			return nil, errors.Errorf("layer %s: unsupported layer type %s", ls.Name, ls.Type)
		}
	}
	return net, nil
}

func (n *Network) Spec() *ModelSpec {
	return n.spec
}

// Forward runs x [N, ...] through every layer.
func (n *Network) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if n.trainable {
		n.mu.Lock()
		defer n.mu.Unlock()
	}
	out := x
	for i, l := range n.layers {
		var err error
		if out, err = l.forward(out, n.trainable); err != nil {
			return nil, errors.Wrapf(err, "forward through %s", n.spec.Layers[i].Name)
		}
	}
	return out, nil
}

// Backward propagates grad (shaped like the last output) back through the
// network, accumulating parameter gradients, and returns the gradient with
// respect to the last input.
func (n *Network) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if !n.trainable {
		return nil, errors.New("backward on a frozen network")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	g := grad
	for i := len(n.layers) - 1; i >= 0; i-- {
		var err error
		if g, err = n.layers[i].backward(g); err != nil {
			return nil, errors.Wrapf(err, "backward through %s", n.spec.Layers[i].Name)
		}
	}
	return g, nil
}

// Parameters lists parameters in layer order.
func (n *Network) Parameters() []Parameter {
	var params []Parameter
	for _, l := range n.layers {
		params = append(params, l.parameters()...)
	}
	return params
}

type dense struct {
	name   string
	weight *tensor.Tensor // [in, out]
	bias   *tensor.Tensor // [out], nil without bias

	input      *tensor.Tensor // flattened [N, in]
	inputShape []int
}

func newDense(spec LayerSpec, rng *rand.Rand, trainable bool) (*dense, error) {
	if len(spec.ParameterShapes) == 0 {
		return nil, errors.New("dense layer has no parameter shapes")
	}
	wShape := spec.ParameterShapes[0]
	weight, err := tensor.Uniform(wShape, 1/math.Sqrt(float64(wShape[0])), rng)
	if err != nil {
		return nil, err
	}
	weight.SetRequiresGrad(trainable)

	d := &dense{name: spec.Name, weight: weight}
	if len(spec.ParameterShapes) > 1 {
		if d.bias, err = tensor.Zeros(spec.ParameterShapes[1]); err != nil {
			return nil, err
		}
		d.bias.SetRequiresGrad(trainable)
	}
	return d, nil
}

func (d *dense) forward(x *tensor.Tensor, cache bool) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, errors.Errorf("dense input must be batched, got %v", x.Shape)
	}
	flat, err := x.Flatten()
	if err != nil {
		return nil, err
	}
	if flat.Shape[1] != d.weight.Shape[0] {
		return nil, errors.Errorf("dense expects %d input features, got %d", d.weight.Shape[0], flat.Shape[1])
	}
	out, err := tensor.MatMul(flat, d.weight)
	if err != nil {
		return nil, err
	}
	if d.bias != nil {
		if err := tensor.AddRowVector(out, d.bias); err != nil {
			return nil, err
		}
	}
	if cache {
		d.input = flat
		d.inputShape = append(d.inputShape[:0], x.Shape...)
	}
	return out, nil
}

func (d *dense) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, errors.New("backward called before forward")
	}
	if len(grad.Shape) != 2 || grad.Shape[0] != d.input.Shape[0] || grad.Shape[1] != d.weight.Shape[1] {
		return nil, errors.Errorf("gradient shape %v does not match output [%d %d]",
			grad.Shape, d.input.Shape[0], d.weight.Shape[1])
	}

	inputT, err := tensor.Transpose(d.input)
	if err != nil {
		return nil, err
	}
	dW, err := tensor.MatMul(inputT, grad)
	if err != nil {
		return nil, err
	}
	if err := d.weight.AccumulateGrad(dW); err != nil {
		return nil, err
	}
	if d.bias != nil {
		db, err := tensor.SumRows(grad)
		if err != nil {
			return nil, err
		}
		if err := d.bias.AccumulateGrad(db); err != nil {
			return nil, err
		}
	}

	weightT, err := tensor.Transpose(d.weight)
	if err != nil {
		return nil, err
	}
	dx, err := tensor.MatMul(grad, weightT)
	if err != nil {
		return nil, err
	}
	return dx.Reshape(d.inputShape)
}

func (d *dense) parameters() []Parameter {
	params := []Parameter{{Name: d.name + ".weight", Tensor: d.weight}}
	if d.bias != nil {
		params = append(params, Parameter{Name: d.name + ".bias", Tensor: d.bias})
	}
	return params
}

type relu struct {
	output *tensor.Tensor
}

func (r *relu) forward(x *tensor.Tensor, cache bool) (*tensor.Tensor, error) {
	out := tensor.ReLU(x)
	if cache {
		r.output = out
	}
	return out, nil
}

func (r *relu) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, errors.New("backward called before forward")
	}
	return tensor.ReLUBackward(r.output, grad)
}

func (r *relu) parameters() []Parameter {
	return nil
}
