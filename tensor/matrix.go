package tensor

import (
	"github.com/pkg/errors"
)

// MatMul multiplies two rank-2 tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, errors.Errorf("matmul requires rank-2 tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows, inner, cols := t1.Shape[0], t1.Shape[1], t2.Shape[1]
	if inner != t2.Shape[0] {
		return nil, errors.Errorf("incompatible matrix dimensions: %v x %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros([]int{rows, cols})
	if err != nil {
		return nil, err
	}

	for i := 0; i < rows; i++ {
		row := t1.Data[i*inner : (i+1)*inner]
		out := result.Data[i*cols : (i+1)*cols]
		for k, a := range row {
			if a == 0 {
				continue
			}
			b := t2.Data[k*cols : (k+1)*cols]
			for j := range out {
				out[j] += a * b[j]
			}
		}
	}
	return result, nil
}

// Transpose swaps the axes of a rank-2 tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, errors.Errorf("transpose requires a rank-2 tensor, got %v", t.Shape)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}

// AddRowVector adds bias [cols] to every row of t [rows, cols] in place.
func AddRowVector(t, bias *Tensor) error {
	if len(t.Shape) != 2 || len(bias.Shape) != 1 || bias.Shape[0] != t.Shape[1] {
		return errors.Errorf("cannot broadcast bias %v over %v", bias.Shape, t.Shape)
	}
	cols := t.Shape[1]
	for i := 0; i < t.Shape[0]; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		for j := range row {
			row[j] += bias.Data[j]
		}
	}
	return nil
}

// SumRows reduces [rows, cols] to [cols].
func SumRows(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, errors.Errorf("sum rows requires a rank-2 tensor, got %v", t.Shape)
	}
	cols := t.Shape[1]
	result, err := Zeros([]int{cols})
	if err != nil {
		return nil, err
	}
	for i := 0; i < t.Shape[0]; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		for j, v := range row {
			result.Data[j] += v
		}
	}
	return result, nil
}
