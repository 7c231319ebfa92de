package training

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressReporterDue(t *testing.T) {
	pr := NewProgressReporter(10, nil)
	tests := []struct {
		iteration, start int
		due              bool
	}{
		{0, 0, false},
		{10, 0, true},
		{15, 0, false},
		{20, 20, false},
		{30, 20, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.due, pr.Due(State{Iteration: tt.iteration, StartIteration: tt.start}),
			"Due(iter=%d, start=%d)", tt.iteration, tt.start)
	}
	assert.False(t, NewProgressReporter(0, nil).Due(State{Iteration: 10}), "a zero interval disables reporting")
}

func TestAverageLoss(t *testing.T) {
	assert.Zero(t, State{}.AverageLoss())
	assert.Equal(t, 1.5, State{CumulativeLoss: 6, Steps: 4}.AverageLoss())
}

func readProgression(t *testing.T, path string) ProgressionStatus {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var status ProgressionStatus
	require.NoError(t, json.Unmarshal(data, &status))
	require.NotNil(t, status.CurrentStep)
	require.NotNil(t, status.TotalSteps)
	return status
}

func TestProgressionWriter(t *testing.T) {
	dir := t.TempDir()
	pw := NewProgressionWriter(dir, "run-1")
	pw.now = func() time.Time { return time.Unix(1700000000, 0) }

	state := State{Iteration: 20, StepIndex: 1, LearningRate: 0.002, CumulativeLoss: 10, Steps: 20}
	terms := LossTerms{Task: 1, Hint: 2, HintWeight: 0.5, MatchingWeight: 0.9, Total: 2}
	require.NoError(t, pw.Write(state, terms, 100))

	status := readProgression(t, pw.Path())
	assert.EqualValues(t, 20, *status.CurrentStep)
	assert.EqualValues(t, 100, *status.TotalSteps)
	assert.Equal(t, "run-1", status.RunID)
	assert.Equal(t, "iteration 20 of 100", status.Message)
	assert.EqualValues(t, 1700000000, status.Timestamp)
	assert.Equal(t, 0.5, status.TrainingMetrics["avg_loss"])
	assert.Equal(t, 0.9, status.TrainingMetrics["matching_weight"])
	assert.NoFileExists(t, pw.Path()+".tmp")
}

func TestDistillerReportsProgress(t *testing.T) {
	dir := t.TempDir()
	opts := defaultFixtureOptions()
	opts.config.MaxIterations = 6
	f := newDistillerFixture(t, opts)
	pw := NewProgressionWriter(dir, "run-2")
	f.distiller.reporter = NewProgressReporter(5, pw)

	var atReport ProgressionStatus
	f.distiller.AddObserver(ObserverFunc(func(state State, _ LossTerms) {
		if state.Iteration == 5 {
			atReport = readProgression(t, pw.Path())
		}
	}))

	_, err := f.distiller.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 5, *atReport.CurrentStep)
	assert.Equal(t, "iteration 5 of 6", atReport.Message)
}

func TestDistillerRecordsCompletion(t *testing.T) {
	dir := t.TempDir()
	opts := defaultFixtureOptions()
	opts.config.MaxIterations = 25
	opts.config.CheckpointInterval = 100
	f := newDistillerFixture(t, opts)
	pw := NewProgressionWriter(dir, "run-3")
	f.distiller.reporter = NewProgressReporter(10, pw)

	state, err := f.distiller.Run(context.Background())
	require.NoError(t, err)

	status := readProgression(t, pw.Path())
	assert.Equal(t, *status.TotalSteps, *status.CurrentStep)
	assert.EqualValues(t, 25, *status.CurrentStep)
	assert.Equal(t, "training completed", status.Message)
	assert.Equal(t, state.AverageLoss(), status.TrainingMetrics["avg_loss"])
}

func TestCancelledRunIsNotRecordedAsComplete(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	f := newDistillerFixture(t, defaultFixtureOptions())
	pw := NewProgressionWriter(dir, "run-4")
	f.distiller.reporter = NewProgressReporter(1, pw)
	f.distiller.AddObserver(ObserverFunc(func(state State, _ LossTerms) {
		if state.Iteration == 2 {
			cancel()
		}
	}))

	_, err := f.distiller.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	status := readProgression(t, pw.Path())
	assert.Less(t, *status.CurrentStep, *status.TotalSteps)
}
