package config

import (
	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/checkpoints"
)

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfiguration, format, args...)
}

// Validate rejects malformed options. The first violation wins.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	case c.StartIteration < 0:
		return invalid("start_iteration must be non-negative, got %d", c.StartIteration)
	case c.MaxIterations < c.StartIteration:
		return invalid("max_iterations %d is below start_iteration %d", c.MaxIterations, c.StartIteration)
	case c.WorkerCount < 0:
		return invalid("worker_count must be non-negative, got %d", c.WorkerCount)
	case c.BaseLearningRate <= 0:
		return invalid("base_learning_rate must be positive, got %g", c.BaseLearningRate)
	case c.OutputDir == "":
		return invalid("output_dir must be set")
	}

	if c.Schedule.Gamma <= 0 || c.Schedule.Gamma > 1 {
		return invalid("schedule.gamma must be in (0, 1], got %g", c.Schedule.Gamma)
	}
	for i, m := range c.Schedule.Milestones {
		if m <= 0 {
			return invalid("schedule.milestones[%d] must be positive, got %d", i, m)
		}
		if i > 0 && m <= c.Schedule.Milestones[i-1] {
			return invalid("schedule.milestones must be strictly ascending, got %v", c.Schedule.Milestones)
		}
	}

	switch {
	case c.Loss.HintWeight < 0:
		return invalid("loss.hint_weight must be non-negative, got %g", c.Loss.HintWeight)
	case c.Loss.Horizon <= 0:
		return invalid("loss.horizon must be positive, got %d", c.Loss.Horizon)
	case c.Loss.StudentTaskOutputs < 0 || c.Loss.TeacherTaskOutputs < 0:
		return invalid("loss task output counts must be non-negative")
	}

	switch {
	case c.Checkpoint.Interval <= 0:
		return invalid("checkpoint.interval must be positive, got %d", c.Checkpoint.Interval)
	case c.Checkpoint.Prefix == "":
		return invalid("checkpoint.prefix must be set")
	case c.Report.Interval <= 0:
		return invalid("report.interval must be positive, got %d", c.Report.Interval)
	}

	if _, err := checkpoints.ParseFormat(c.Checkpoint.Format); err != nil {
		return invalid("checkpoint.format: %v", err)
	}

	switch c.Optimizer.Name {
	case "rmsprop", "sgd":
	default:
		return invalid("optimizer.name must be rmsprop or sgd, got %q", c.Optimizer.Name)
	}
	if c.Optimizer.Momentum < 0 || c.Optimizer.WeightDecay < 0 {
		return invalid("optimizer momentum and weight_decay must be non-negative")
	}

	if c.Teacher.Devices <= 0 {
		return invalid("teacher.devices must be positive, got %d", c.Teacher.Devices)
	}

	switch {
	case c.Model.HintDim <= 0 || c.Model.TeacherWidth <= 0 || c.Model.NumClasses <= 0:
		return invalid("model dimensions must be positive")
	case c.Dataset.Samples <= 0 || c.Dataset.Channels <= 0 || c.Dataset.Height <= 0 || c.Dataset.Width <= 0:
		return invalid("dataset dimensions must be positive")
	case c.Dataset.Limit < 0 || c.Dataset.CacheSize < 0:
		return invalid("dataset.limit and dataset.cache_size must be non-negative")
	case c.Dataset.MaxBoxes <= 0:
		return invalid("dataset.max_boxes must be positive, got %d", c.Dataset.MaxBoxes)
	}
	return nil
}
