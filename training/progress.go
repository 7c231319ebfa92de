package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/logging"
)

// ProgressReporter emits the periodic console observation: iteration,
// wall time of the forward/backward/step sequence and the running average
// loss since the loop started.
type ProgressReporter struct {
	interval    int
	progression *ProgressionWriter
}

func NewProgressReporter(interval int, progression *ProgressionWriter) *ProgressReporter {
	return &ProgressReporter{interval: interval, progression: progression}
}

// Due reports whether iteration is a reporting iteration. The very first
// iteration of a run is never reported.
func (pr *ProgressReporter) Due(state State) bool {
	return pr.interval > 0 && state.Iteration%pr.interval == 0 && state.Iteration != state.StartIteration
}

// Report logs one observation and refreshes the progression file if any.
// Observational only; a failed progression write is logged, not returned.
func (pr *ProgressReporter) Report(state State, terms LossTerms, elapsed time.Duration, maxIterations int) {
	avg := state.AverageLoss()
	logging.Info(fmt.Sprintf("iter %d | timer: %.4f sec. | Loss: %.6f", state.Iteration, elapsed.Seconds(), avg),
		logging.Loop,
		"iteration", state.Iteration,
		"timer_sec", elapsed.Seconds(),
		"avg_loss", avg,
		"task_loss", terms.Task,
		"hint_loss", terms.Hint,
		"matching_weight", terms.MatchingWeight,
		"lr", state.LearningRate,
	)

	if pr.progression == nil {
		return
	}
	if err := pr.progression.Write(state, terms, maxIterations); err != nil {
		logging.Warn("Failed to write progression status", logging.Loop, "error", err)
	}
}

// Finish records the end of a completed run. The progression file then reads
// current_step == total_steps.
func (pr *ProgressReporter) Finish(state State, terms LossTerms, maxIterations int) {
	logging.Info("Distillation finished", logging.Loop,
		"iterations", state.Steps, "avg_loss", state.AverageLoss())
	if pr.progression == nil {
		return
	}
	if err := pr.progression.write(state, terms, maxIterations, "training completed"); err != nil {
		logging.Warn("Failed to write progression status", logging.Loop, "error", err)
	}
}

// ProgressionStatus is the JSON layout of the progression status file, the
// same shape trainer controllers read.
type ProgressionStatus struct {
	CurrentStep     *int64                 `json:"current_step,omitempty"`
	TotalSteps      *int64                 `json:"total_steps,omitempty"`
	Message         string                 `json:"message,omitempty"`
	TrainingMetrics map[string]interface{} `json:"training_metrics,omitempty"`
	Timestamp       int64                  `json:"timestamp"`
	StartTime       *int64                 `json:"start_time,omitempty"`
	RunID           string                 `json:"run_id,omitempty"`
}

const ProgressionStatusFileName = "training_progression.json"

// ProgressionWriter rewrites the status file in place via rename.
type ProgressionWriter struct {
	path      string
	runID     string
	startTime time.Time
	now       func() time.Time
}

func NewProgressionWriter(dir, runID string) *ProgressionWriter {
	return &ProgressionWriter{
		path:      filepath.Join(dir, ProgressionStatusFileName),
		runID:     runID,
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (pw *ProgressionWriter) Path() string {
	return pw.path
}

func (pw *ProgressionWriter) Write(state State, terms LossTerms, maxIterations int) error {
	return pw.write(state, terms, maxIterations, fmt.Sprintf("iteration %d of %d", state.Iteration, maxIterations))
}

func (pw *ProgressionWriter) write(state State, terms LossTerms, maxIterations int, message string) error {
	current := int64(state.Iteration)
	total := int64(maxIterations)
	start := pw.startTime.Unix()
	status := ProgressionStatus{
		CurrentStep: &current,
		TotalSteps:  &total,
		Message:     message,
		TrainingMetrics: map[string]interface{}{
			"loss":            terms.Total,
			"avg_loss":        state.AverageLoss(),
			"task_loss":       terms.Task,
			"hint_loss":       terms.Hint,
			"matching_weight": terms.MatchingWeight,
			"learning_rate":   state.LearningRate,
			"step_index":      state.StepIndex,
		},
		Timestamp: pw.now().Unix(),
		StartTime: &start,
		RunID:     pw.runID,
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode progression status")
	}
	if err := os.MkdirAll(filepath.Dir(pw.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create progression directory")
	}
	tmp := pw.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write progression status")
	}
	return errors.Wrap(os.Rename(tmp, pw.path), "failed to move progression status into place")
}
