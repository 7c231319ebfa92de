package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/checkpoints"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/config"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/datasets"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/datasets/synthetic"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/logging"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/models"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/optimizer"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

// EffectiveConfigFileName is written to the output directory at start.
const EffectiveConfigFileName = "config.yaml"

func logHost(cfg config.Config) {
	logging.Info("Host", logging.Config,
		"cpu", cpuid.CPU.BrandName,
		"logical_cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"avx512", cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ))
	if cores := cpuid.CPU.LogicalCores; cores > 0 && cfg.Teacher.Devices > cores {
		logging.Warn("More teacher shards than logical cores", logging.Models,
			"teacher_devices", cfg.Teacher.Devices, "logical_cores", cores)
	}
}

func writeEffectiveConfig(cfg config.Config) error {
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	f, err := os.Create(filepath.Join(cfg.OutputDir, EffectiveConfigFileName))
	if err != nil {
		return errors.Wrap(err, "failed to create effective config")
	}
	if err := config.Write(cfg, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func buildDataset(cfg config.Config) (training.Dataset, error) {
	source, err := synthetic.New(synthetic.Config{
		Samples:    cfg.Dataset.Samples,
		Channels:   cfg.Dataset.Channels,
		Height:     cfg.Dataset.Height,
		Width:      cfg.Dataset.Width,
		MaxBoxes:   cfg.Dataset.MaxBoxes,
		NumClasses: cfg.Model.NumClasses,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	var dataset training.Dataset = source
	if cfg.Dataset.Limit > 0 {
		if dataset, err = training.NewSubsetDataset(dataset, cfg.Dataset.Limit); err != nil {
			return nil, err
		}
	}
	if cfg.Dataset.CacheSize > 0 {
		if dataset, err = datasets.NewCachedDataset(dataset, cfg.Dataset.CacheSize); err != nil {
			return nil, err
		}
	}
	return dataset, nil
}

func buildTeacher(cfg config.Config) (*models.ReferenceNet, error) {
	return models.NewTeacher(cfg.Dataset.Channels, cfg.Dataset.Height, cfg.Dataset.Width,
		cfg.Model.TeacherWidth, cfg.Model.HintDim, cfg.Model.NumClasses, cfg.Seed+1)
}

func buildOptimizer(cfg config.Config, student training.Student) (optimizer.Optimizer, error) {
	groups := []optimizer.ParamGroup{{
		Params:      training.Parameters(student),
		LR:          cfg.BaseLearningRate,
		WeightDecay: cfg.Optimizer.WeightDecay,
	}}
	switch cfg.Optimizer.Name {
	case "sgd":
		return optimizer.NewSGD(groups, cfg.Optimizer.Momentum)
	default:
		return optimizer.NewRMSProp(groups, optimizer.RMSPropConfig{
			Alpha:    cfg.Optimizer.Alpha,
			Epsilon:  cfg.Optimizer.Epsilon,
			Momentum: cfg.Optimizer.Momentum,
		})
	}
}

// checkScheduleAlignment warns when a run starting at startIteration with
// stepIndex holds a different learning rate than an uninterrupted run would.
// It reports whether the two agree.
func checkScheduleAlignment(scheduler *training.MilestoneScheduler, startIteration, stepIndex int) bool {
	expected := scheduler.StepIndexAt(startIteration - 1)
	if expected == stepIndex {
		return true
	}
	logging.Warn("Learning rate step does not match the start iteration", logging.Scheduler,
		"start_iteration", startIteration,
		"step_index", stepIndex,
		"expected_step_index", expected,
		"lr", scheduler.Adjust(stepIndex),
		"expected_lr", scheduler.Adjust(expected))
	return false
}

// train validates cfg, builds every collaborator and runs the loop to
// completion. Nothing is created on disk before validation passes.
func train(ctx context.Context, cfg config.Config) (training.State, error) {
	if err := cfg.Validate(); err != nil {
		return training.State{}, err
	}
	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return training.State{}, errors.Wrapf(config.ErrInvalidConfiguration, "%v", err)
	}

	runID := uuid.NewString()
	logging.Info("Starting run", logging.Config, "run_id", runID, "output_dir", cfg.OutputDir)
	logHost(cfg)

	student, err := models.NewStudent(cfg.Dataset.Channels, cfg.Dataset.Height, cfg.Dataset.Width,
		cfg.Model.HintDim, cfg.Model.NumClasses, cfg.Seed)
	if err != nil {
		return training.State{}, errors.Wrap(err, "failed to build student")
	}
	logging.Debug("Student network\n"+student.Summary(), logging.Models)

	startIteration, stepIndex := cfg.StartIteration, 0
	if cfg.Resume != "" {
		logging.Info("Resuming training", logging.Checkpoint, "path", cfg.Resume)
		checkpoint, err := training.LoadParameters(cfg.Resume, student.NamedParameters())
		if err != nil {
			return training.State{}, err
		}
		if cfg.ResumeSchedule {
			startIteration = checkpoint.TrainingState.Iteration
			stepIndex = checkpoint.TrainingState.StepIndex
			logging.Info("Restored schedule", logging.Scheduler,
				"start_iteration", startIteration, "step_index", stepIndex)
		} else {
			logging.Warn("Resumed parameters only; iteration and learning rate step start from the configured values",
				logging.Checkpoint, "start_iteration", startIteration)
		}
		if startIteration > cfg.MaxIterations {
			return training.State{}, errors.Wrapf(config.ErrInvalidConfiguration,
				"checkpoint resumes at iteration %d, beyond max_iterations %d", startIteration, cfg.MaxIterations)
		}
	}

	teacherNet, err := buildTeacher(cfg)
	if err != nil {
		return training.State{}, errors.Wrap(err, "failed to build teacher")
	}
	if cfg.Teacher.Weights != "" {
		logging.Info("Loading base network", logging.Models, "path", cfg.Teacher.Weights)
		if err := teacherNet.LoadWeights(cfg.Teacher.Weights); err != nil {
			return training.State{}, err
		}
	}
	logging.Debug("Teacher network\n"+teacherNet.Summary(), logging.Models)
	teacher, err := models.NewDataParallel(teacherNet, cfg.Teacher.Devices)
	if err != nil {
		return training.State{}, err
	}
	logging.Info("Teacher ready", logging.Models,
		"shards", teacher.Devices(), "concurrent_forward", cfg.Teacher.ConcurrentForward)

	dataset, err := buildDataset(cfg)
	if err != nil {
		return training.State{}, errors.Wrap(err, "failed to build dataset")
	}
	loader, err := training.NewDataLoader(dataset, training.DataLoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Workers:   cfg.WorkerCount,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return training.State{}, err
	}
	defer loader.Close()

	opt, err := buildOptimizer(cfg, student)
	if err != nil {
		return training.State{}, errors.Wrap(err, "failed to build optimizer")
	}
	scheduler, err := training.NewMilestoneScheduler(cfg.BaseLearningRate, cfg.Schedule.Gamma, cfg.Schedule.Milestones)
	if err != nil {
		return training.State{}, errors.Wrapf(config.ErrInvalidConfiguration, "%v", err)
	}
	if !cfg.ResumeSchedule {
		checkScheduleAlignment(scheduler, startIteration, stepIndex)
	}

	if err := writeEffectiveConfig(cfg); err != nil {
		return training.State{}, err
	}
	var progression *training.ProgressionWriter
	if cfg.Report.ProgressionFile {
		progression = training.NewProgressionWriter(cfg.OutputDir, runID)
		logging.Info("Writing progression status", logging.Loop, "path", progression.Path())
	}

	distiller, err := training.NewDistiller(training.Components{
		Teacher:   teacher,
		Student:   student,
		Optimizer: opt,
		Supplier:  loader,
		Composer: &training.LossComposer{
			Task:               models.GuidedRegressionLoss{},
			HintWeight:         cfg.Loss.HintWeight,
			Horizon:            cfg.Loss.Horizon,
			StudentTaskOutputs: cfg.Loss.StudentTaskOutputs,
			TeacherTaskOutputs: cfg.Loss.TeacherTaskOutputs,
		},
		Scheduler: scheduler,
		Checkpointer: training.NewCheckpointManager(
			checkpoints.NewManager(cfg.OutputDir, cfg.Checkpoint.Prefix, format), student),
		Reporter: training.NewProgressReporter(cfg.Report.Interval, progression),
	}, training.DistillerConfig{
		StartIteration:     startIteration,
		MaxIterations:      cfg.MaxIterations,
		StepIndex:          stepIndex,
		CheckpointInterval: cfg.Checkpoint.Interval,
		ConcurrentForward:  cfg.Teacher.ConcurrentForward,
	})
	if err != nil {
		return training.State{}, err
	}
	distiller.AddObserver(training.ObserverFunc(func(state training.State, terms training.LossTerms) {
		logging.Debug("Iteration", logging.Loop,
			"iteration", state.Iteration,
			"loss", terms.Total,
			"task_loss", terms.Task,
			"hint_loss", terms.Hint,
			"pass", distiller.Supplier().Pass())
	}))

	state, err := distiller.Run(ctx)
	if cached, ok := dataset.(*datasets.CachedDataset); ok {
		logging.Debug(cached.Stats().String(), logging.Data)
	}
	return state, err
}
