package models

import (
	"math"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

// BackgroundLabel is the class assigned to images without objects.
const BackgroundLabel = 0

// GuidedRegressionLoss is the detection loss of the reference nets. Each
// image contributes one box regression and one classification term whose
// targets blend the teacher's prediction (weight m) with the ground truth
// (weight 1-m), m being the matching weight:
//
//	loc target  = m*teacher_loc + (1-m)*mean(gt boxes)
//	conf target = m*softmax(teacher_conf) + (1-m)*onehot(first gt label)
//	loss        = mse(student_loc, loc target) + ce(student_conf, conf target)
//
// Images without boxes follow the teacher's box and the background class.
type GuidedRegressionLoss struct{}

type guidedInputs struct {
	sLoc, sConf, tLoc, tConf *tensor.Tensor
	n, classes               int
}

func (GuidedRegressionLoss) inputs(student, teacher []*tensor.Tensor, targets []training.Annotations) (guidedInputs, error) {
	if len(student) != 2 || len(teacher) != 2 {
		return guidedInputs{}, errors.Wrapf(training.ErrShapeMismatch,
			"expected [loc, conf] from both models, got %d student and %d teacher tensors", len(student), len(teacher))
	}
	in := guidedInputs{sLoc: student[0], sConf: student[1], tLoc: teacher[0], tConf: teacher[1]}
	if !tensor.SameShape(in.sLoc, in.tLoc) || in.sLoc.Dim() != 2 || in.sLoc.Shape[1] != BoxCoords {
		return guidedInputs{}, errors.Wrapf(training.ErrShapeMismatch, "loc outputs differ: student %v, teacher %v", in.sLoc.Shape, in.tLoc.Shape)
	}
	if !tensor.SameShape(in.sConf, in.tConf) || in.sConf.Dim() != 2 {
		return guidedInputs{}, errors.Wrapf(training.ErrShapeMismatch, "conf outputs differ: student %v, teacher %v", in.sConf.Shape, in.tConf.Shape)
	}
	in.n, in.classes = in.sLoc.Shape[0], in.sConf.Shape[1]
	if in.sConf.Shape[0] != in.n {
		return guidedInputs{}, errors.Wrapf(training.ErrShapeMismatch, "loc batch %d, conf batch %d", in.n, in.sConf.Shape[0])
	}
	if len(targets) != in.n {
		return guidedInputs{}, errors.Wrapf(training.ErrShapeMismatch, "%d targets for a batch of %d", len(targets), in.n)
	}
	for i, ann := range targets {
		for _, b := range ann {
			if b.Label < 0 || b.Label >= in.classes {
				return guidedInputs{}, errors.Wrapf(training.ErrShapeMismatch, "image %d: label %d outside %d classes", i, b.Label, in.classes)
			}
		}
	}
	return in, nil
}

// locTarget returns the blended box for image i.
func locTarget(in guidedInputs, ann training.Annotations, i int, m float64) [BoxCoords]float64 {
	var target [BoxCoords]float64
	teacher := in.tLoc.Data[i*BoxCoords : (i+1)*BoxCoords]
	if len(ann) == 0 {
		for j := range target {
			target[j] = float64(teacher[j])
		}
		return target
	}

	var gt [BoxCoords]float64
	for _, b := range ann {
		gt[0] += float64(b.XMin)
		gt[1] += float64(b.YMin)
		gt[2] += float64(b.XMax)
		gt[3] += float64(b.YMax)
	}
	for j := range target {
		target[j] = m*float64(teacher[j]) + (1-m)*gt[j]/float64(len(ann))
	}
	return target
}

// confTarget returns the blended class distribution for image i.
func confTarget(in guidedInputs, ann training.Annotations, i int, m float64) []float64 {
	q := softmax(in.tConf.Data[i*in.classes : (i+1)*in.classes])
	label := BackgroundLabel
	if len(ann) > 0 {
		label = ann[0].Label
	}
	for c := range q {
		q[c] *= m
	}
	q[label] += 1 - m
	return q
}

func softmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for c, v := range logits {
		out[c] = math.Exp(float64(v) - maxLogit)
		sum += out[c]
	}
	for c := range out {
		out[c] /= sum
	}
	return out
}

func (l GuidedRegressionLoss) Forward(student, teacher []*tensor.Tensor, targets []training.Annotations, matchingWeight float64) (float64, error) {
	in, err := l.inputs(student, teacher, targets)
	if err != nil {
		return 0, err
	}

	var locLoss, confLoss float64
	for i, ann := range targets {
		target := locTarget(in, ann, i, matchingWeight)
		for j, t := range target {
			d := float64(in.sLoc.Data[i*BoxCoords+j]) - t
			locLoss += d * d
		}

		q := confTarget(in, ann, i, matchingWeight)
		p := softmax(in.sConf.Data[i*in.classes : (i+1)*in.classes])
		for c := range q {
			if q[c] > 0 {
				confLoss -= q[c] * math.Log(math.Max(p[c], 1e-12))
			}
		}
	}
	return locLoss/float64(in.n*BoxCoords) + confLoss/float64(in.n), nil
}

func (l GuidedRegressionLoss) Backward(student, teacher []*tensor.Tensor, targets []training.Annotations, matchingWeight float64) ([]*tensor.Tensor, error) {
	in, err := l.inputs(student, teacher, targets)
	if err != nil {
		return nil, err
	}
	dLoc, err := tensor.Zeros(in.sLoc.Shape)
	if err != nil {
		return nil, err
	}
	dConf, err := tensor.Zeros(in.sConf.Shape)
	if err != nil {
		return nil, err
	}

	locScale := 2 / float64(in.n*BoxCoords)
	for i, ann := range targets {
		target := locTarget(in, ann, i, matchingWeight)
		for j, t := range target {
			dLoc.Data[i*BoxCoords+j] = float32(locScale * (float64(in.sLoc.Data[i*BoxCoords+j]) - t))
		}

		q := confTarget(in, ann, i, matchingWeight)
		p := softmax(in.sConf.Data[i*in.classes : (i+1)*in.classes])
		for c := range q {
			dConf.Data[i*in.classes+c] = float32((p[c] - q[c]) / float64(in.n))
		}
	}
	return []*tensor.Tensor{dLoc, dConf}, nil
}

var _ training.DetectionLoss = GuidedRegressionLoss{}
