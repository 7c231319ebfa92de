package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Reshape returns a view sharing t's data with a new shape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, errors.Errorf("cannot reshape tensor of %d elements to shape %v", t.NumElems, newShape)
	}
	return &Tensor{
		Shape:    cloneInts(newShape),
		Strides:  calculateStrides(newShape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Flatten collapses every axis after the first: [N, ...] -> [N, prod(...)].
func (t *Tensor) Flatten() (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, errors.New("cannot flatten a scalar")
	}
	return t.Reshape([]int{t.Shape[0], t.NumElems / t.Shape[0]})
}

// Clone deep-copies data; the gradient slot is not copied.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    cloneInts(t.Shape),
		Strides:  cloneInts(t.Strides),
		Data:     data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, errors.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	return t.Data[0], nil
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports bitwise equality of shape and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if !SameShape(t, other) {
		return false
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(other.Data[i]) {
			return false
		}
	}
	return true
}

// AllClose reports whether every element differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !SameShape(t, other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i])-float64(other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// SplitBatch cuts t along axis 0 into at most parts chunks of near-equal size.
func SplitBatch(t *Tensor, parts int) ([]*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, errors.New("cannot split a scalar")
	}
	n := t.Shape[0]
	if parts <= 0 {
		return nil, errors.Errorf("invalid split count %d", parts)
	}
	if parts > n {
		parts = n
	}

	rowSize := t.NumElems / n
	chunks := make([]*Tensor, 0, parts)
	start := 0
	for p := 0; p < parts; p++ {
		size := n / parts
		if p < n%parts {
			size++
		}
		shape := cloneInts(t.Shape)
		shape[0] = size
		chunk, err := New(shape, t.Data[start*rowSize:(start+size)*rowSize])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		start += size
	}
	return chunks, nil
}

// ConcatBatch joins tensors along axis 0. Trailing dimensions must agree.
func ConcatBatch(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	first := parts[0]
	shape := cloneInts(first.Shape)
	shape[0] = 0
	total := 0
	for _, p := range parts {
		if len(p.Shape) != len(first.Shape) {
			return nil, errors.Errorf("rank mismatch in concat: %v vs %v", p.Shape, first.Shape)
		}
		for i := 1; i < len(p.Shape); i++ {
			if p.Shape[i] != first.Shape[i] {
				return nil, errors.Errorf("trailing shape mismatch in concat: %v vs %v", p.Shape, first.Shape)
			}
		}
		shape[0] += p.Shape[0]
		total += p.NumElems
	}

	data := make([]float32, 0, total)
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	return New(shape, data)
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", v))
	}
	sb.WriteString("]")
	return sb.String()
}
