package training

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// constantModel is a frozen model emitting fixed-width outputs filled with
// value: one task tensor [N,1] and a hint tensor [N,hintDim].
type constantModel struct {
	hintDim int
	value   float32
	calls   int
}

func (m *constantModel) Forward(images *tensor.Tensor) ([]*tensor.Tensor, error) {
	m.calls++
	n := images.Shape[0]
	task, err := tensor.Full([]int{n, 1}, m.value)
	if err != nil {
		return nil, err
	}
	hint, err := tensor.Full([]int{n, m.hintDim}, m.value)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{task, hint}, nil
}

// vectorStudent broadcasts one trainable row vector w [hintDim] to every
// image: outputs are a zero task tensor [N,1] and hint [N,hintDim] = w.
type vectorStudent struct {
	w         *tensor.Tensor
	forwards  int
	backwards int
}

func newVectorStudent(hintDim int, value float32) *vectorStudent {
	w, _ := tensor.Full([]int{hintDim}, value)
	w.SetRequiresGrad(true)
	return &vectorStudent{w: w}
}

func (s *vectorStudent) Forward(images *tensor.Tensor) ([]*tensor.Tensor, error) {
	s.forwards++
	n, d := images.Shape[0], s.w.Shape[0]
	task, err := tensor.Zeros([]int{n, 1})
	if err != nil {
		return nil, err
	}
	hint, err := tensor.Zeros([]int{n, d})
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		copy(hint.Data[i*d:(i+1)*d], s.w.Data)
	}
	return []*tensor.Tensor{task, hint}, nil
}

func (s *vectorStudent) Backward(outputGrads []*tensor.Tensor) error {
	s.backwards++
	if len(outputGrads) != 2 {
		return errors.Errorf("expected 2 output gradients, got %d", len(outputGrads))
	}
	g := outputGrads[1]
	if g == nil {
		return nil
	}
	sum, err := tensor.SumRows(g)
	if err != nil {
		return err
	}
	return s.w.AccumulateGrad(sum)
}

func (s *vectorStudent) NamedParameters() []NamedParameter {
	return []NamedParameter{{Name: "hint.weight", Tensor: s.w}}
}

// fixedTaskLoss returns value and zero gradients, recording the matching
// weights it was handed.
type fixedTaskLoss struct {
	value    float64
	matching []float64
}

func (l *fixedTaskLoss) Forward(student, teacher []*tensor.Tensor, targets []Annotations, matchingWeight float64) (float64, error) {
	l.matching = append(l.matching, matchingWeight)
	return l.value, nil
}

func (l *fixedTaskLoss) Backward(student, teacher []*tensor.Tensor, targets []Annotations, matchingWeight float64) ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, len(student))
	for i, s := range student {
		g, err := tensor.Zeros(s.Shape)
		if err != nil {
			return nil, err
		}
		grads[i] = g
	}
	return grads, nil
}

// sliceSupplier serves a fixed number of batches per pass. Batch b of pass p
// is an [1,1] image holding 100*p + b.
type sliceSupplier struct {
	perPass        int
	emptyAfterPass int // passes >= this yield nothing; 0 disables
	pass           int
	position       int
	resets         int
}

func (s *sliceSupplier) Next(ctx context.Context) (*Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.emptyAfterPass > 0 && s.pass >= s.emptyAfterPass {
		return nil, false, nil
	}
	if s.position >= s.perPass {
		return nil, false, nil
	}
	image, err := tensor.Full([]int{1, 1}, float32(100*s.pass+s.position))
	if err != nil {
		return nil, false, err
	}
	s.position++
	return &Batch{Images: image, Targets: []Annotations{{}}}, true, nil
}

func (s *sliceSupplier) Reset() error {
	s.resets++
	s.pass++
	s.position = 0
	return nil
}

type savedCheckpoint struct {
	state State
	tag   string
	// first parameter value at save time
	param float32
}

type recordingCheckpointer struct {
	student Student
	saves   []savedCheckpoint
	failOn  string
}

func (c *recordingCheckpointer) Save(state State, tag string) (string, error) {
	if tag == c.failOn {
		return "", errors.New("disk full")
	}
	var param float32
	if c.student != nil {
		param = c.student.NamedParameters()[0].Tensor.Data[0]
	}
	c.saves = append(c.saves, savedCheckpoint{state: state, tag: tag, param: param})
	return tag, nil
}

func (c *recordingCheckpointer) tags() []string {
	tags := make([]string, len(c.saves))
	for i, s := range c.saves {
		tags[i] = s.tag
	}
	return tags
}
