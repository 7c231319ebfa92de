// Package models holds the reference detection networks used by the
// distillation loop and the wrappers that place them on several devices.
package models

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/layers"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

// Output positions of a ReferenceNet forward.
const (
	OutputLoc = iota
	OutputConf
	OutputHint
	numOutputs
)

// BoxCoords is the width of the localisation output.
const BoxCoords = 4

// ReferenceConfig sizes a ReferenceNet. Hidden lists the widths of extra
// backbone layers placed before the hint layer.
type ReferenceConfig struct {
	Channels   int
	Height     int
	Width      int
	Hidden     []int
	HintDim    int
	NumClasses int
	Trainable  bool
	Seed       int64
}

// ReferenceNet is a small single-box detector: a dense backbone ending in the
// hint layer, followed by a localisation head and a classification head.
// Forward returns [loc [N,4], conf [N,K], hint [N,H]].
type ReferenceNet struct {
	backbone  *layers.Network
	loc       *layers.Network
	conf      *layers.Network
	trainable bool

	// trainable nets cache activations; forward and backward must pair up
	mu sync.Mutex
}

func NewReferenceNet(cfg ReferenceConfig) (*ReferenceNet, error) {
	if cfg.Channels <= 0 || cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, errors.Errorf("invalid input dimensions %dx%dx%d", cfg.Channels, cfg.Height, cfg.Width)
	}
	if cfg.HintDim <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.Errorf("hint dim and class count must be positive, got %d and %d", cfg.HintDim, cfg.NumClasses)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	opts := layers.BuildOptions{Trainable: cfg.Trainable, RNG: rng}

	bb := layers.NewModelBuilder([]int{1, cfg.Channels, cfg.Height, cfg.Width})
	for i, width := range cfg.Hidden {
		name := "backbone.fc" + strconv.Itoa(i+1)
		bb.AddDense(width, true, name).AddReLU(name + "_relu")
	}
	bb.AddDense(cfg.HintDim, true, "backbone.hint").AddReLU("backbone.hint_relu")

	backbone, err := compileAndBuild(bb, opts)
	if err != nil {
		return nil, errors.Wrap(err, "backbone")
	}
	loc, err := compileAndBuild(layers.NewModelBuilder([]int{1, cfg.HintDim}).AddDense(BoxCoords, true, "loc"), opts)
	if err != nil {
		return nil, errors.Wrap(err, "loc head")
	}
	conf, err := compileAndBuild(layers.NewModelBuilder([]int{1, cfg.HintDim}).AddDense(cfg.NumClasses, true, "conf"), opts)
	if err != nil {
		return nil, errors.Wrap(err, "conf head")
	}

	return &ReferenceNet{
		backbone:  backbone,
		loc:       loc,
		conf:      conf,
		trainable: cfg.Trainable,
	}, nil
}

// NewStudent builds the trainable student: one dense layer straight to the
// hint features.
func NewStudent(channels, height, width, hintDim, numClasses int, seed int64) (*ReferenceNet, error) {
	return NewReferenceNet(ReferenceConfig{
		Channels:   channels,
		Height:     height,
		Width:      width,
		HintDim:    hintDim,
		NumClasses: numClasses,
		Trainable:  true,
		Seed:       seed,
	})
}

// NewTeacher builds the frozen, wider teacher. Its hint layer has the same
// width as the student's.
func NewTeacher(channels, height, width, teacherWidth, hintDim, numClasses int, seed int64) (*ReferenceNet, error) {
	return NewReferenceNet(ReferenceConfig{
		Channels:   channels,
		Height:     height,
		Width:      width,
		Hidden:     []int{teacherWidth},
		HintDim:    hintDim,
		NumClasses: numClasses,
		Seed:       seed,
	})
}

func compileAndBuild(mb *layers.ModelBuilder, opts layers.BuildOptions) (*layers.Network, error) {
	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return layers.Build(spec, opts)
}

// Summary lists the backbone and both heads layer by layer.
func (m *ReferenceNet) Summary() string {
	return m.backbone.Spec().Summary() + m.loc.Spec().Summary() + m.conf.Spec().Summary()
}

func (m *ReferenceNet) Forward(images *tensor.Tensor) ([]*tensor.Tensor, error) {
	if m.trainable {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	hint, err := m.backbone.Forward(images)
	if err != nil {
		return nil, err
	}
	loc, err := m.loc.Forward(hint)
	if err != nil {
		return nil, err
	}
	conf, err := m.conf.Forward(hint)
	if err != nil {
		return nil, err
	}

	outputs := make([]*tensor.Tensor, numOutputs)
	outputs[OutputLoc] = loc
	outputs[OutputConf] = conf
	outputs[OutputHint] = hint
	return outputs, nil
}

// Backward takes one gradient per output of the latest Forward. A nil entry
// contributes nothing.
func (m *ReferenceNet) Backward(outputGrads []*tensor.Tensor) error {
	if !m.trainable {
		return errors.New("reference net is frozen")
	}
	if len(outputGrads) != numOutputs {
		return errors.Wrapf(training.ErrShapeMismatch, "expected %d output gradients, got %d", numOutputs, len(outputGrads))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var hintGrad *tensor.Tensor
	accumulate := func(g *tensor.Tensor) error {
		if hintGrad == nil {
			hintGrad = g.Clone()
			return nil
		}
		return tensor.AXPY(1, g, hintGrad)
	}

	if g := outputGrads[OutputHint]; g != nil {
		if err := accumulate(g); err != nil {
			return errors.Wrap(err, "hint gradient")
		}
	}
	heads := []struct {
		net  *layers.Network
		grad *tensor.Tensor
	}{
		{m.loc, outputGrads[OutputLoc]},
		{m.conf, outputGrads[OutputConf]},
	}
	for _, h := range heads {
		if h.grad == nil {
			continue
		}
		dx, err := h.net.Backward(h.grad)
		if err != nil {
			return err
		}
		if err := accumulate(dx); err != nil {
			return errors.Wrap(err, "head gradient")
		}
	}

	if hintGrad == nil {
		return nil
	}
	_, err := m.backbone.Backward(hintGrad)
	return err
}

// NamedParameters lists backbone, loc and conf parameters in that order.
func (m *ReferenceNet) NamedParameters() []training.NamedParameter {
	var params []training.NamedParameter
	for _, net := range []*layers.Network{m.backbone, m.loc, m.conf} {
		for _, p := range net.Parameters() {
			params = append(params, training.NamedParameter{Name: p.Name, Tensor: p.Tensor})
		}
	}
	return params
}

// LoadWeights restores parameters from the checkpoint at path.
func (m *ReferenceNet) LoadWeights(path string) error {
	_, err := training.LoadParameters(path, m.NamedParameters())
	return err
}

var _ training.Student = (*ReferenceNet)(nil)
