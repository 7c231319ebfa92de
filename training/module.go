package training

import (
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// Model maps an image batch [N,C,H,W] to an ordered output sequence. A
// leading prefix feeds the task loss and the last element feeds the hint
// loss. Teachers only ever see this interface, so they have no update path.
type Model interface {
	Forward(images *tensor.Tensor) ([]*tensor.Tensor, error)
}

// NamedParameter is a trainable tensor keyed by its stable name.
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Student is the trainable side of the pair. Backward receives one gradient
// per output of the most recent Forward (nil means zero) and accumulates
// parameter gradients.
type Student interface {
	Model
	Backward(outputGrads []*tensor.Tensor) error
	NamedParameters() []NamedParameter
}

// Parameters flattens a student's named parameters for the optimizer.
func Parameters(s Student) []*tensor.Tensor {
	named := s.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Tensor
	}
	return params
}
