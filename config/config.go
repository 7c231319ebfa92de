package config

import (
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const EnvPrefix = "DISTILL_"

// ErrInvalidConfiguration is returned for malformed startup options. It is
// always raised before any model or data resource is acquired.
var ErrInvalidConfiguration = errors.New("invalid configuration")

type Config struct {
	BatchSize        int     `koanf:"batch_size"`
	Resume           string  `koanf:"resume"`
	ResumeSchedule   bool    `koanf:"resume_schedule"`
	StartIteration   int     `koanf:"start_iteration"`
	MaxIterations    int     `koanf:"max_iterations"`
	WorkerCount      int     `koanf:"worker_count"`
	BaseLearningRate float64 `koanf:"base_learning_rate"`
	Seed             int64   `koanf:"seed"`
	OutputDir        string  `koanf:"output_dir"`

	Schedule   ScheduleConfig   `koanf:"schedule"`
	Loss       LossConfig       `koanf:"loss"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Report     ReportConfig     `koanf:"report"`
	Optimizer  OptimizerConfig  `koanf:"optimizer"`
	Teacher    TeacherConfig    `koanf:"teacher"`
	Model      ModelConfig      `koanf:"model"`
	Dataset    DatasetConfig    `koanf:"dataset"`
	Log        LogConfig        `koanf:"log"`
}

type ScheduleConfig struct {
	Gamma      float64 `koanf:"gamma"`
	Milestones []int   `koanf:"milestones"`
}

// LossConfig keeps the two weighting mechanisms apart: Horizon drives the
// decaying matching weight inside the task loss, HintWeight is the static
// task/hint balance.
type LossConfig struct {
	HintWeight         float64 `koanf:"hint_weight"`
	Horizon            int     `koanf:"horizon"`
	StudentTaskOutputs int     `koanf:"student_task_outputs"`
	TeacherTaskOutputs int     `koanf:"teacher_task_outputs"`
}

type CheckpointConfig struct {
	Interval int    `koanf:"interval"`
	Format   string `koanf:"format"`
	Prefix   string `koanf:"prefix"`
}

type ReportConfig struct {
	Interval        int  `koanf:"interval"`
	ProgressionFile bool `koanf:"progression_file"`
}

type OptimizerConfig struct {
	Name        string  `koanf:"name"`
	Momentum    float64 `koanf:"momentum"`
	WeightDecay float64 `koanf:"weight_decay"`
	Alpha       float64 `koanf:"alpha"`
	Epsilon     float64 `koanf:"epsilon"`
}

type TeacherConfig struct {
	Weights           string `koanf:"weights"`
	Devices           int    `koanf:"devices"`
	ConcurrentForward bool   `koanf:"concurrent_forward"`
}

// ModelConfig sizes the reference networks. HintDim is shared by teacher and
// student so their final outputs line up.
type ModelConfig struct {
	HintDim      int `koanf:"hint_dim"`
	TeacherWidth int `koanf:"teacher_width"`
	NumClasses   int `koanf:"num_classes"`
}

// DatasetConfig sizes the synthetic dataset. Limit caps the samples used per
// pass and CacheSize keeps that many decoded samples in memory; 0 disables
// either.
type DatasetConfig struct {
	Samples   int `koanf:"samples"`
	Limit     int `koanf:"limit"`
	CacheSize int `koanf:"cache_size"`
	Channels  int `koanf:"channels"`
	Height    int `koanf:"height"`
	Width     int `koanf:"width"`
	MaxBoxes  int `koanf:"max_boxes"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default matches the VOC distillation recipe: RMSprop, lr 1e-2, 120k iterations.
func Default() Config {
	return Config{
		BatchSize:        32,
		StartIteration:   0,
		MaxIterations:    120000,
		WorkerCount:      4,
		BaseLearningRate: 1e-2,
		Seed:             1,
		OutputDir:        "./models",
		Schedule: ScheduleConfig{
			Gamma:      0.2,
			Milestones: []int{50000, 80000, 100000},
		},
		Loss: LossConfig{
			HintWeight:         0.5,
			Horizon:            100000,
			StudentTaskOutputs: 2,
			TeacherTaskOutputs: 2,
		},
		Checkpoint: CheckpointConfig{
			Interval: 2000,
			Format:   "proto",
			Prefix:   "student",
		},
		Report: ReportConfig{
			Interval:        10,
			ProgressionFile: true,
		},
		Optimizer: OptimizerConfig{
			Name:        "rmsprop",
			Momentum:    0.9,
			WeightDecay: 5e-4,
			Alpha:       0.99,
			Epsilon:     1e-8,
		},
		Teacher: TeacherConfig{
			Devices: 2,
		},
		Model: ModelConfig{
			HintDim:      64,
			TeacherWidth: 128,
			NumClasses:   21,
		},
		Dataset: DatasetConfig{
			Samples:   512,
			CacheSize: 512,
			Channels:  3,
			Height:    16,
			Width:     16,
			MaxBoxes:  4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load layers defaults, the YAML file at path (skipped when empty) and the
// DISTILL_ environment overlay, then validates the result.
func Load(path string) (Config, error) {
	var provider koanf.Provider
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, errors.Wrapf(ErrInvalidConfiguration, "config file %s: %v", path, err)
		}
		provider = file.Provider(path)
	}
	return LoadFromProvider(provider)
}

// LoadFromProvider is Load with an arbitrary YAML provider; nil means
// defaults and environment only.
func LoadFromProvider(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, errors.Wrap(err, "error loading defaults")
	}

	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(ErrInvalidConfiguration, "error loading config: %v", err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, errors.Wrap(err, "error loading env")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfiguration, "error unmarshalling config: %v", err)
	}
	return cfg, nil
}

// Write serialises the effective configuration as YAML.
func Write(cfg Config, w io.Writer) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return errors.Wrap(err, "error loading config")
	}
	output, err := k.Marshal(yaml.Parser())
	if err != nil {
		return errors.Wrap(err, "error marshalling config")
	}
	if _, err := w.Write(output); err != nil {
		return errors.Wrap(err, "error writing config")
	}
	return nil
}
