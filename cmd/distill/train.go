package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/logging"
)

func newTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the distillation loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			state, err := train(ctx, cfg)
			if err != nil {
				logging.Error("Training failed", logging.Loop, "iteration", state.Iteration, "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int("batch-size", 32, "batch size for training")
	flags.String("resume", "", "checkpoint state_dict file to resume training from")
	flags.Bool("resume-schedule", false, "also restore the iteration and learning rate step from the checkpoint")
	flags.Int("start-iter", 0, "resume training at this iteration")
	flags.Int("max-iter", 120000, "iteration at which training stops")
	flags.Int("num-workers", 4, "number of workers used in dataloading")
	flags.Float64("lr", 1e-2, "initial learning rate")
	flags.String("teacher-weights", "", "checkpoint holding the pretrained teacher")
	return cmd
}
