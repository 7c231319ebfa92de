package tensor

import (
	"github.com/pkg/errors"
)

func checkShapesCompatible(t1, t2 *Tensor) error {
	if t1 == nil || t2 == nil {
		return errors.New("cannot operate on nil tensors")
	}
	if !SameShape(t1, t2) {
		return errors.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

func elementwise(t1, t2 *Tensor, op func(a, b float32) float32) (*Tensor, error) {
	if err := checkShapesCompatible(t1, t2); err != nil {
		return nil, err
	}

	result, err := New(t1.Shape, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = op(t1.Data[i], t2.Data[i])
	}
	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

// Scale returns alpha*t as a new tensor.
func Scale(t *Tensor, alpha float32) *Tensor {
	result := &Tensor{
		Shape:    cloneInts(t.Shape),
		Strides:  cloneInts(t.Strides),
		Data:     make([]float32, t.NumElems),
		NumElems: t.NumElems,
	}
	for i, v := range t.Data {
		result.Data[i] = alpha * v
	}
	return result
}

// AXPY computes y += alpha*x in place.
func AXPY(alpha float32, x, y *Tensor) error {
	if err := checkShapesCompatible(x, y); err != nil {
		return err
	}
	for i, v := range x.Data {
		y.Data[i] += alpha * v
	}
	return nil
}

func ReLU(t *Tensor) *Tensor {
	result := Scale(t, 1)
	for i, v := range result.Data {
		if v < 0 {
			result.Data[i] = 0
		}
	}
	return result
}

// ReLUBackward masks grad by the positive entries of the ReLU output.
func ReLUBackward(output, grad *Tensor) (*Tensor, error) {
	return elementwise(output, grad, func(out, g float32) float32 {
		if out > 0 {
			return g
		}
		return 0
	})
}

// SumSquares accumulates in float64 to keep large reductions stable.
func SumSquares(t *Tensor) float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v) * float64(v)
	}
	return sum
}

func Sum(t *Tensor) float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum
}
