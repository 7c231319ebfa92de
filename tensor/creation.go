package tensor

import (
	"math/rand"

	"github.com/pkg/errors"
)

// New wraps data in a tensor of the given shape. A nil data slice allocates
// zeros; otherwise its length must match the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    cloneInts(shape),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Uniform fills a tensor from U(-bound, bound) using rng.
func Uniform(shape []int, bound float64, rng *rand.Rand) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t, nil
}

// Normal fills a tensor from N(0, std^2) using rng.
func Normal(shape []int, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t, nil
}

// FromScalar creates a rank-0 tensor.
func FromScalar(value float32) *Tensor {
	return &Tensor{
		Shape:    []int{},
		Strides:  []int{},
		Data:     []float32{value},
		NumElems: 1,
	}
}
