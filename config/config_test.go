package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/config"
)

var testYaml = `
batch_size: 8
start_iteration: 10
max_iterations: 400
worker_count: 0
base_learning_rate: 0.001
output_dir: /tmp/distill
schedule:
    gamma: 0.1
    milestones: [100, 200]
loss:
    hint_weight: 0.25
    horizon: 300
checkpoint:
    interval: 50
    format: json
teacher:
    devices: 1
    concurrent_forward: true
`

func TestConfigLoad(t *testing.T) {
	cfg, err := config.LoadFromProvider(rawbytes.Provider([]byte(testYaml)))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 8, cfg.BatchSize)
	require.Equal(t, 10, cfg.StartIteration)
	require.Equal(t, 400, cfg.MaxIterations)
	require.Equal(t, 0, cfg.WorkerCount)
	require.Equal(t, 0.001, cfg.BaseLearningRate)
	require.Equal(t, []int{100, 200}, cfg.Schedule.Milestones)
	require.Equal(t, 0.1, cfg.Schedule.Gamma)
	require.Equal(t, 0.25, cfg.Loss.HintWeight)
	require.Equal(t, 300, cfg.Loss.Horizon)
	require.Equal(t, "json", cfg.Checkpoint.Format)
	require.True(t, cfg.Teacher.ConcurrentForward)

	// untouched keys keep their defaults
	require.Equal(t, "student", cfg.Checkpoint.Prefix)
	require.Equal(t, "rmsprop", cfg.Optimizer.Name)
	require.Equal(t, 10, cfg.Report.Interval)
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := config.LoadFromProvider(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, config.Default().Schedule.Milestones, cfg.Schedule.Milestones)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("DISTILL_BATCH_SIZE", "4")
	t.Setenv("DISTILL_LOSS__HINT_WEIGHT", "0.75")

	cfg, err := config.LoadFromProvider(rawbytes.Provider([]byte(testYaml)))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.BatchSize)
	require.Equal(t, 0.75, cfg.Loss.HintWeight)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.True(t, errors.Is(err, config.ErrInvalidConfiguration))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYaml), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.BatchSize)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg, err := config.LoadFromProvider(rawbytes.Provider([]byte(testYaml)))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, config.Write(cfg, &buf))

	again, err := config.LoadFromProvider(rawbytes.Provider(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"zero batch size", func(c *config.Config) { c.BatchSize = 0 }},
		{"negative batch size", func(c *config.Config) { c.BatchSize = -3 }},
		{"negative start", func(c *config.Config) { c.StartIteration = -1 }},
		{"start past max", func(c *config.Config) { c.StartIteration = c.MaxIterations + 1 }},
		{"negative workers", func(c *config.Config) { c.WorkerCount = -1 }},
		{"zero learning rate", func(c *config.Config) { c.BaseLearningRate = 0 }},
		{"empty output dir", func(c *config.Config) { c.OutputDir = "" }},
		{"gamma above one", func(c *config.Config) { c.Schedule.Gamma = 1.5 }},
		{"unsorted milestones", func(c *config.Config) { c.Schedule.Milestones = []int{5, 3} }},
		{"duplicate milestones", func(c *config.Config) { c.Schedule.Milestones = []int{5, 5} }},
		{"zero milestone", func(c *config.Config) { c.Schedule.Milestones = []int{0} }},
		{"negative hint weight", func(c *config.Config) { c.Loss.HintWeight = -0.1 }},
		{"zero horizon", func(c *config.Config) { c.Loss.Horizon = 0 }},
		{"zero checkpoint interval", func(c *config.Config) { c.Checkpoint.Interval = 0 }},
		{"unknown format", func(c *config.Config) { c.Checkpoint.Format = "pth" }},
		{"empty format", func(c *config.Config) { c.Checkpoint.Format = "" }},
		{"protobuf alias", func(c *config.Config) { c.Checkpoint.Format = "protobuf" }},
		{"unknown optimizer", func(c *config.Config) { c.Optimizer.Name = "adam" }},
		{"zero teacher devices", func(c *config.Config) { c.Teacher.Devices = 0 }},
		{"zero hint dim", func(c *config.Config) { c.Model.HintDim = 0 }},
		{"zero samples", func(c *config.Config) { c.Dataset.Samples = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, config.ErrInvalidConfiguration))
		})
	}

	cfg := config.Default()
	cfg.StartIteration = cfg.MaxIterations
	require.NoError(t, cfg.Validate(), "zero remaining iterations is allowed")
}
