package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/checkpoints"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/config"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/models"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

const (
	teacherCheckpointPrefix = "teacher"
	teacherCheckpointTag    = "init"
)

// initTeacher writes a freshly initialised teacher as seen through the
// multi-device wrapper, so every name carries the device prefix.
func initTeacher(cfg config.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return "", err
	}
	teacherNet, err := buildTeacher(cfg)
	if err != nil {
		return "", err
	}
	wrapped, err := models.NewDataParallel(teacherNet, cfg.Teacher.Devices)
	if err != nil {
		return "", err
	}
	manager := checkpoints.NewManager(cfg.OutputDir, teacherCheckpointPrefix, format)
	return manager.Save(&checkpoints.Checkpoint{
		Weights:  training.SnapshotParameters(wrapped.NamedParameters()),
		Metadata: checkpoints.Metadata{Tag: teacherCheckpointTag},
	})
}

func newInitTeacherCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-teacher",
		Short: "Write a randomly initialised teacher checkpoint for --teacher-weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, err := initTeacher(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
