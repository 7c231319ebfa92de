package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major float32 tensor resident in host memory.
// Trainable parameters carry a gradient slot of identical shape.
type Tensor struct {
	Shape        []int
	Strides      []int
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as trainable and allocates its gradient
// slot on first use.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if requires && t.grad == nil {
		t.grad = &Tensor{
			Shape:    cloneInts(t.Shape),
			Strides:  cloneInts(t.Strides),
			Data:     make([]float32, t.NumElems),
			NumElems: t.NumElems,
		}
	}
	if !requires {
		t.grad = nil
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// AccumulateGrad adds g into the gradient slot. Shapes must match exactly.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if !t.requiresGrad {
		return errors.Errorf("tensor %v does not require grad", t.Shape)
	}
	if !SameShape(t, g) {
		return errors.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}
	for i, v := range g.Data {
		t.grad.Data[i] += v
	}
	return nil
}

// ZeroGrad clears the gradient slots of every trainable tensor.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if !t.requiresGrad || t.grad == nil {
			continue
		}
		for i := range t.grad.Data {
			t.grad.Data[i] = 0
		}
	}
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil {
		return false
	}
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// calculateNumElements treats a rank-0 shape as a scalar.
func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}
