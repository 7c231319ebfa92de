package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/config"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/logging"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "distill",
		Short:         "Distil a frozen SSD teacher into a smaller student network",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to a YAML configuration file")
	root.PersistentFlags().String("output-dir", "", "directory for checkpoints and run artifacts")

	root.AddCommand(newTrainCommand(), newInitTeacherCommand(), newConfigCommand())
	return root
}

// overrides maps flag names to the config fields they replace. A flag only
// applies when it was set on the command line.
var overrides = map[string]func(flags *pflag.FlagSet, name string, cfg *config.Config) error{
	"output-dir": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.OutputDir, err = flags.GetString(name)
		return
	},
	"batch-size": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.BatchSize, err = flags.GetInt(name)
		return
	},
	"resume": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.Resume, err = flags.GetString(name)
		return
	},
	"resume-schedule": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.ResumeSchedule, err = flags.GetBool(name)
		return
	},
	"start-iter": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.StartIteration, err = flags.GetInt(name)
		return
	},
	"max-iter": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.MaxIterations, err = flags.GetInt(name)
		return
	},
	"num-workers": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.WorkerCount, err = flags.GetInt(name)
		return
	},
	"lr": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.BaseLearningRate, err = flags.GetFloat64(name)
		return
	},
	"teacher-weights": func(flags *pflag.FlagSet, name string, cfg *config.Config) (err error) {
		cfg.Teacher.Weights, err = flags.GetString(name)
		return
	},
}

func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	for name, apply := range overrides {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if err := apply(flags, name, cfg); err != nil {
			return errors.Wrapf(config.ErrInvalidConfiguration, "flag --%s: %v", name, err)
		}
	}
	return nil
}

// loadConfig reads --config, applies the environment overlay and any flags
// set on cmd, validates the result and installs the logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return config.Config{}, errors.Wrapf(config.ErrInvalidConfiguration, "%v", err)
	}
	return cfg, nil
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return config.Write(cfg, cmd.OutOrStdout())
		},
	}
}
