package training

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/checkpoints"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/logging"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/optimizer"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// DistillerConfig holds the iteration bounds and intervals of a run.
type DistillerConfig struct {
	StartIteration     int
	MaxIterations      int
	StepIndex          int // initial LR step index
	CheckpointInterval int
	ConcurrentForward  bool // run teacher and student forward in parallel
}

// Observer is notified after every completed iteration.
type Observer interface {
	OnIteration(state State, terms LossTerms)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(state State, terms LossTerms)

func (f ObserverFunc) OnIteration(state State, terms LossTerms) {
	f(state, terms)
}

// Distiller drives the student to mimic the teacher. One goroutine owns the
// loop; an iteration never overlaps the next and any checkpoint is written
// after that iteration's optimizer step.
type Distiller struct {
	teacher      Model
	student      Student
	optimizer    optimizer.Optimizer
	supplier     *CyclicSupplier
	composer     *LossComposer
	scheduler    *MilestoneScheduler
	checkpointer Checkpointer
	reporter     *ProgressReporter
	observers    []Observer
	config       DistillerConfig
}

// Components bundles the collaborators of a Distiller.
type Components struct {
	Teacher      Model
	Student      Student
	Optimizer    optimizer.Optimizer
	Supplier     Supplier
	Composer     *LossComposer
	Scheduler    *MilestoneScheduler
	Checkpointer Checkpointer
	Reporter     *ProgressReporter
}

func NewDistiller(components Components, config DistillerConfig) (*Distiller, error) {
	switch {
	case components.Teacher == nil || components.Student == nil:
		return nil, errors.New("teacher and student are required")
	case components.Optimizer == nil:
		return nil, errors.New("optimizer is required")
	case components.Supplier == nil:
		return nil, errors.New("data supplier is required")
	case components.Composer == nil || components.Composer.Task == nil:
		return nil, errors.New("loss composer with a task loss is required")
	case components.Composer.Horizon <= 0:
		return nil, errors.Errorf("loss horizon must be positive, got %d", components.Composer.Horizon)
	case components.Scheduler == nil:
		return nil, errors.New("learning rate scheduler is required")
	case components.Checkpointer == nil:
		return nil, errors.New("checkpointer is required")
	}
	if config.StartIteration < 0 || config.MaxIterations < config.StartIteration {
		return nil, errors.Errorf("invalid iteration range [%d, %d)", config.StartIteration, config.MaxIterations)
	}
	if config.CheckpointInterval <= 0 {
		return nil, errors.Errorf("checkpoint interval must be positive, got %d", config.CheckpointInterval)
	}
	if config.StepIndex < 0 {
		return nil, errors.Errorf("step index must be non-negative, got %d", config.StepIndex)
	}

	reporter := components.Reporter
	if reporter == nil {
		reporter = NewProgressReporter(0, nil)
	}
	return &Distiller{
		teacher:      components.Teacher,
		student:      components.Student,
		optimizer:    components.Optimizer,
		supplier:     NewCyclicSupplier(components.Supplier),
		composer:     components.Composer,
		scheduler:    components.Scheduler,
		checkpointer: components.Checkpointer,
		reporter:     reporter,
		config:       config,
	}, nil
}

func (d *Distiller) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Supplier exposes the cyclic supplier, e.g. to inspect the current pass.
func (d *Distiller) Supplier() *CyclicSupplier {
	return d.supplier
}

// Run executes iterations [StartIteration, MaxIterations) and then writes
// the final checkpoint. Cancellation is checked between iterations; a
// cancelled run returns ctx.Err() without a final checkpoint.
func (d *Distiller) Run(ctx context.Context) (State, error) {
	state := State{
		Iteration:      d.config.StartIteration,
		StartIteration: d.config.StartIteration,
		StepIndex:      d.config.StepIndex,
		LearningRate:   d.scheduler.Adjust(d.config.StepIndex),
	}
	d.optimizer.SetLR(state.LearningRate)

	logging.Info("Starting distillation", logging.Loop,
		"start_iteration", state.StartIteration,
		"max_iterations", d.config.MaxIterations,
		"step_index", state.StepIndex,
		"lr", state.LearningRate)

	var last LossTerms
	for state.Iteration < d.config.MaxIterations {
		if err := ctx.Err(); err != nil {
			logging.Warn("Distillation cancelled", logging.Loop, "iteration", state.Iteration)
			return state, err
		}
		terms, err := d.iterate(ctx, &state)
		if err != nil {
			return state, errors.Wrapf(err, "iteration %d", state.Iteration)
		}
		last = terms
		state.Iteration++
	}

	if _, err := d.checkpointer.Save(state, checkpoints.FinalTag); err != nil {
		return state, errors.Wrap(err, "final checkpoint")
	}
	d.reporter.Finish(state, last, d.config.MaxIterations)
	return state, nil
}

// iterate runs one iteration in the fixed order: schedule, fetch, forward,
// compose, update, accumulate, report, checkpoint.
func (d *Distiller) iterate(ctx context.Context, state *State) (LossTerms, error) {
	if d.scheduler.IsMilestone(state.Iteration) {
		state.StepIndex++
		state.LearningRate = d.scheduler.Adjust(state.StepIndex)
		d.optimizer.SetLR(state.LearningRate)
		logging.Info("Adjusted learning rate", logging.Scheduler,
			"iteration", state.Iteration, "step_index", state.StepIndex, "lr", state.LearningRate)
	}

	batch, err := d.supplier.Next(ctx)
	if err != nil {
		return LossTerms{}, err
	}

	t0 := time.Now()
	teacherOut, studentOut, err := d.forward(ctx, batch.Images)
	if err != nil {
		return LossTerms{}, err
	}

	terms, grads, err := d.composer.Compose(studentOut, teacherOut, batch.Targets, state.Iteration)
	if err != nil {
		return LossTerms{}, err
	}

	d.optimizer.ZeroGrad()
	if err := d.student.Backward(grads); err != nil {
		return LossTerms{}, errors.Wrap(err, "student backward")
	}
	if err := d.optimizer.Step(); err != nil {
		return LossTerms{}, errors.Wrap(err, "optimizer step")
	}
	elapsed := time.Since(t0)

	state.CumulativeLoss += terms.Total
	state.Steps++

	if d.reporter.Due(*state) {
		d.reporter.Report(*state, terms, elapsed, d.config.MaxIterations)
	}

	if state.Iteration != state.StartIteration && state.Iteration%d.config.CheckpointInterval == 0 {
		logging.Info("Saving state", logging.Checkpoint, "iteration", state.Iteration)
		if _, err := d.checkpointer.Save(*state, IterationTag(state.Iteration)); err != nil {
			return LossTerms{}, errors.Wrap(err, "periodic checkpoint")
		}
	}

	for _, o := range d.observers {
		o.OnIteration(*state, terms)
	}
	return terms, nil
}

// forward runs both models on the same images and returns only once both
// have completed.
func (d *Distiller) forward(ctx context.Context, images *tensor.Tensor) (teacherOut, studentOut []*tensor.Tensor, err error) {
	if !d.config.ConcurrentForward {
		if teacherOut, err = d.teacher.Forward(images); err != nil {
			return nil, nil, errors.Wrap(err, "teacher forward")
		}
		if studentOut, err = d.student.Forward(images); err != nil {
			return nil, nil, errors.Wrap(err, "student forward")
		}
		return teacherOut, studentOut, nil
	}

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		out, err := d.teacher.Forward(images)
		if err != nil {
			return errors.Wrap(err, "teacher forward")
		}
		teacherOut = out
		return nil
	})
	group.Go(func() error {
		out, err := d.student.Forward(images)
		if err != nil {
			return errors.Wrap(err, "student forward")
		}
		studentOut = out
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return teacherOut, studentOut, nil
}
