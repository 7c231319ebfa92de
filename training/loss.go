package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// DetectionLoss is the task loss collaborator. It sees a prefix of each
// model's outputs, the ground truth and the decaying matching weight, which
// controls how strongly teacher-derived assignments override ground truth.
// Backward returns one gradient per student tensor it was given.
type DetectionLoss interface {
	Forward(student, teacher []*tensor.Tensor, targets []Annotations, matchingWeight float64) (float64, error)
	Backward(student, teacher []*tensor.Tensor, targets []Annotations, matchingWeight float64) ([]*tensor.Tensor, error)
}

// MatchingWeight is max(1 - iteration/horizon, 0): exactly 1 at iteration 0,
// linear decay, 0 from the horizon onwards.
func MatchingWeight(iteration, horizon int) float64 {
	if horizon <= 0 {
		return 0
	}
	return math.Max(1-float64(iteration)/float64(horizon), 0)
}

// Combine is the task/hint blend. hintWeight does not depend on iteration.
func Combine(task, hint, hintWeight float64) float64 {
	return task + hintWeight*hint
}

// HintLoss is the mean squared error between the final student and teacher
// tensors.
type HintLoss struct{}

func (HintLoss) check(student, teacher *tensor.Tensor) error {
	if !tensor.SameShape(student, teacher) {
		var s, t []int
		if student != nil {
			s = student.Shape
		}
		if teacher != nil {
			t = teacher.Shape
		}
		return errors.Wrapf(ErrShapeMismatch, "hint tensors differ: student %v, teacher %v", s, t)
	}
	return nil
}

// Forward computes L = (1/N) * sum((s - t)^2).
func (h HintLoss) Forward(student, teacher *tensor.Tensor) (float64, error) {
	if err := h.check(student, teacher); err != nil {
		return 0, err
	}
	var sum float64
	for i, s := range student.Data {
		d := float64(s) - float64(teacher.Data[i])
		sum += d * d
	}
	return sum / float64(student.NumElems), nil
}

// Backward returns dL/ds = 2 * (s - t) / N. The teacher side gets no gradient.
func (h HintLoss) Backward(student, teacher *tensor.Tensor) (*tensor.Tensor, error) {
	if err := h.check(student, teacher); err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(student, teacher)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(diff, float32(2.0/float64(student.NumElems))), nil
}

// LossTerms records one composition. Total == Task + HintWeight*Hint.
type LossTerms struct {
	Task           float64
	Hint           float64
	HintWeight     float64
	MatchingWeight float64
	Total          float64
}

// LossComposer blends the task loss and the hint loss. Horizon drives the
// matching weight handed to the task loss; HintWeight is the fixed blend
// factor. The two are deliberately separate knobs.
type LossComposer struct {
	Task               DetectionLoss
	Hint               HintLoss
	HintWeight         float64
	Horizon            int
	StudentTaskOutputs int
	TeacherTaskOutputs int
}

func (c *LossComposer) validate(student, teacher []*tensor.Tensor) error {
	if len(student) < c.StudentTaskOutputs+1 {
		return errors.Wrapf(ErrShapeMismatch, "student produced %d outputs, need %d task outputs plus a hint tensor",
			len(student), c.StudentTaskOutputs)
	}
	if len(teacher) < c.TeacherTaskOutputs+1 {
		return errors.Wrapf(ErrShapeMismatch, "teacher produced %d outputs, need %d task outputs plus a hint tensor",
			len(teacher), c.TeacherTaskOutputs)
	}
	return c.Hint.check(student[len(student)-1], teacher[len(teacher)-1])
}

// Compose evaluates the blended loss for one iteration and the gradient of
// the total with respect to every student output. All shape checks run
// before any gradient is produced.
func (c *LossComposer) Compose(student, teacher []*tensor.Tensor, targets []Annotations, iteration int) (LossTerms, []*tensor.Tensor, error) {
	if err := c.validate(student, teacher); err != nil {
		return LossTerms{}, nil, err
	}

	matching := MatchingWeight(iteration, c.Horizon)
	studentTask := student[:c.StudentTaskOutputs]
	teacherTask := teacher[:c.TeacherTaskOutputs]
	studentHint := student[len(student)-1]
	teacherHint := teacher[len(teacher)-1]

	task, err := c.Task.Forward(studentTask, teacherTask, targets, matching)
	if err != nil {
		return LossTerms{}, nil, errors.Wrap(err, "task loss")
	}
	hint, err := c.Hint.Forward(studentHint, teacherHint)
	if err != nil {
		return LossTerms{}, nil, err
	}

	taskGrads, err := c.Task.Backward(studentTask, teacherTask, targets, matching)
	if err != nil {
		return LossTerms{}, nil, errors.Wrap(err, "task loss gradient")
	}
	if len(taskGrads) != len(studentTask) {
		return LossTerms{}, nil, errors.Wrapf(ErrShapeMismatch, "task loss returned %d gradients for %d outputs",
			len(taskGrads), len(studentTask))
	}
	hintGrad, err := c.Hint.Backward(studentHint, teacherHint)
	if err != nil {
		return LossTerms{}, nil, err
	}

	grads := make([]*tensor.Tensor, len(student))
	copy(grads, taskGrads)
	grads[len(grads)-1] = tensor.Scale(hintGrad, float32(c.HintWeight))

	terms := LossTerms{
		Task:           task,
		Hint:           hint,
		HintWeight:     c.HintWeight,
		MatchingWeight: matching,
		Total:          Combine(task, hint, c.HintWeight),
	}
	return terms, grads, nil
}
