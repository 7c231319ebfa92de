package training

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/checkpoints"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// Checkpointer persists the student at a tagged point of the loop.
type Checkpointer interface {
	Save(state State, tag string) (string, error)
}

// CheckpointManager snapshots a student's named parameters through a
// checkpoints.Manager.
type CheckpointManager struct {
	manager *checkpoints.Manager
	student Student
}

func NewCheckpointManager(manager *checkpoints.Manager, student Student) *CheckpointManager {
	return &CheckpointManager{manager: manager, student: student}
}

// IterationTag names periodic checkpoints.
func IterationTag(iteration int) string {
	return strconv.Itoa(iteration)
}

func (cm *CheckpointManager) Save(state State, tag string) (string, error) {
	checkpoint := &checkpoints.Checkpoint{
		Weights: SnapshotParameters(cm.student.NamedParameters()),
		TrainingState: checkpoints.TrainingState{
			Iteration:    state.NextIteration(),
			StepIndex:    state.StepIndex,
			LearningRate: state.LearningRate,
		},
		Metadata: checkpoints.Metadata{Tag: tag},
	}
	return cm.manager.Save(checkpoint)
}

// SnapshotParameters deep-copies parameter values.
func SnapshotParameters(params []NamedParameter) []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, len(p.Tensor.Data))
		copy(data, p.Tensor.Data)
		shape := make([]int, len(p.Tensor.Shape))
		copy(shape, p.Tensor.Shape)
		weights[i] = checkpoints.WeightTensor{Name: p.Name, Shape: shape, Data: data}
	}
	return weights
}

// RestoreParameters copies checkpoint weights into params. Every parameter
// must be present with an identical shape and the checkpoint may not carry
// unknown names; nothing is written unless all checks pass.
func RestoreParameters(params []NamedParameter, checkpoint *checkpoints.Checkpoint) error {
	weights := checkpoint.WeightMap()
	if len(weights) != len(params) {
		return errors.Wrapf(checkpoints.ErrCheckpointIO, "checkpoint has %d tensors, model has %d parameters",
			len(weights), len(params))
	}

	for _, p := range params {
		w, ok := weights[p.Name]
		if !ok {
			return errors.Wrapf(checkpoints.ErrCheckpointIO, "checkpoint is missing parameter %q", p.Name)
		}
		want := &tensor.Tensor{Shape: w.Shape}
		if !tensor.SameShape(p.Tensor, want) {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q: checkpoint shape %v, model shape %v",
				p.Name, w.Shape, p.Tensor.Shape)
		}
	}

	for _, p := range params {
		copy(p.Tensor.Data, weights[p.Name].Data)
	}
	return nil
}

// LoadParameters reads path and restores params from it, returning the
// checkpoint so callers can inspect its training state.
func LoadParameters(path string, params []NamedParameter) (*checkpoints.Checkpoint, error) {
	checkpoint, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	if err := RestoreParameters(params, checkpoint); err != nil {
		return nil, errors.Wrapf(err, "restore from %s", path)
	}
	return checkpoint, nil
}
