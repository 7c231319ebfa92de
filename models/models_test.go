package models

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/checkpoints"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

const (
	testChannels = 2
	testHeight   = 3
	testWidth    = 3
	testHint     = 5
	testClasses  = 4
)

func testImages(t *testing.T, n int, seed int64) *tensor.Tensor {
	images, err := tensor.Normal([]int{n, testChannels, testHeight, testWidth}, 1, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return images
}

func TestReferenceNetOutputs(t *testing.T) {
	student, err := NewStudent(testChannels, testHeight, testWidth, testHint, testClasses, 1)
	require.NoError(t, err)
	teacher, err := NewTeacher(testChannels, testHeight, testWidth, 8, testHint, testClasses, 2)
	require.NoError(t, err)

	images := testImages(t, 3, 3)
	for name, model := range map[string]*ReferenceNet{"student": student, "teacher": teacher} {
		out, err := model.Forward(images)
		require.NoError(t, err, name)
		require.Len(t, out, 3, name)
		assert.Equal(t, []int{3, BoxCoords}, out[OutputLoc].Shape, name)
		assert.Equal(t, []int{3, testClasses}, out[OutputConf].Shape, name)
		assert.Equal(t, []int{3, testHint}, out[OutputHint].Shape, name)
	}

	names := make([]string, 0)
	for _, p := range teacher.NamedParameters() {
		names = append(names, p.Name)
		assert.False(t, p.Tensor.RequiresGrad(), p.Name)
	}
	assert.Equal(t, []string{
		"backbone.fc1.weight", "backbone.fc1.bias",
		"backbone.hint.weight", "backbone.hint.bias",
		"loc.weight", "loc.bias",
		"conf.weight", "conf.bias",
	}, names)

	for _, p := range student.NamedParameters() {
		assert.True(t, p.Tensor.RequiresGrad(), p.Name)
	}

	summary := teacher.Summary()
	for _, layer := range []string{"backbone.fc1 (Dense)", "backbone.hint (Dense)", "loc (Dense)", "conf (Dense)"} {
		assert.Contains(t, summary, layer)
	}
}

func TestTeacherIsFrozen(t *testing.T) {
	teacher, err := NewTeacher(testChannels, testHeight, testWidth, 8, testHint, testClasses, 2)
	require.NoError(t, err)
	out, err := teacher.Forward(testImages(t, 2, 1))
	require.NoError(t, err)
	assert.Error(t, teacher.Backward(out))
}

func TestStudentBackwardRejectsWrongGradientCount(t *testing.T) {
	student, err := NewStudent(testChannels, testHeight, testWidth, testHint, testClasses, 1)
	require.NoError(t, err)
	_, err = student.Forward(testImages(t, 2, 1))
	require.NoError(t, err)
	assert.ErrorIs(t, student.Backward(nil), training.ErrShapeMismatch)
}

func TestStudentBackwardMatchesFiniteDifferences(t *testing.T) {
	student, err := NewStudent(testChannels, testHeight, testWidth, testHint, testClasses, 11)
	require.NoError(t, err)
	teacher, err := NewTeacher(testChannels, testHeight, testWidth, 8, testHint, testClasses, 12)
	require.NoError(t, err)
	images := testImages(t, 2, 13)
	targets := []training.Annotations{
		{{XMin: 0.1, YMin: 0.2, XMax: 0.5, YMax: 0.6, Label: 2}},
		{},
	}
	composer := &training.LossComposer{
		Task:               GuidedRegressionLoss{},
		HintWeight:         0.5,
		Horizon:            10,
		StudentTaskOutputs: 2,
		TeacherTaskOutputs: 2,
	}
	teacherOut, err := teacher.Forward(images)
	require.NoError(t, err)

	loss := func() float64 {
		out, err := student.Forward(images)
		require.NoError(t, err)
		terms, _, err := composer.Compose(out, teacherOut, targets, 3)
		require.NoError(t, err)
		return terms.Total
	}

	out, err := student.Forward(images)
	require.NoError(t, err)
	_, grads, err := composer.Compose(out, teacherOut, targets, 3)
	require.NoError(t, err)
	params := student.NamedParameters()
	for _, p := range params {
		tensor.ZeroGrad([]*tensor.Tensor{p.Tensor})
	}
	require.NoError(t, student.Backward(grads))

	const eps = 1e-3
	for _, p := range params {
		for i := range p.Tensor.Data {
			orig := p.Tensor.Data[i]
			p.Tensor.Data[i] = orig + eps
			plus := loss()
			p.Tensor.Data[i] = orig - eps
			minus := loss()
			p.Tensor.Data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := float64(p.Tensor.Grad().Data[i])
			assert.InDelta(t, numeric, analytic, 5e-3*math.Max(1, math.Abs(numeric)), "%s[%d]", p.Name, i)
		}
	}
}

func TestDataParallelMatchesSingleReplica(t *testing.T) {
	teacher, err := NewTeacher(testChannels, testHeight, testWidth, 8, testHint, testClasses, 5)
	require.NoError(t, err)
	images := testImages(t, 7, 6)

	single, err := teacher.Forward(images)
	require.NoError(t, err)

	for _, devices := range []int{1, 2, 3, 16} {
		dp, err := NewDataParallel(teacher, devices)
		require.NoError(t, err)
		assert.Equal(t, devices, dp.Devices())
		sharded, err := dp.Forward(images)
		require.NoError(t, err)
		require.Len(t, sharded, len(single))
		for i := range single {
			assert.True(t, single[i].AllClose(sharded[i], 1e-6), "devices=%d output=%d", devices, i)
		}
	}

	_, err = NewDataParallel(teacher, 0)
	assert.Error(t, err)
}

func TestDataParallelCheckpointLoadsIntoPlainModel(t *testing.T) {
	teacher, err := NewTeacher(testChannels, testHeight, testWidth, 8, testHint, testClasses, 5)
	require.NoError(t, err)
	dp, err := NewDataParallel(teacher, 2)
	require.NoError(t, err)
	for _, p := range dp.NamedParameters() {
		assert.Contains(t, p.Name, checkpoints.DeviceWrapPrefix)
	}

	manager := checkpoints.NewManager(t.TempDir(), "teacher", checkpoints.FormatProto)
	path, err := manager.Save(&checkpoints.Checkpoint{
		Weights:  training.SnapshotParameters(dp.NamedParameters()),
		Metadata: checkpoints.Metadata{Tag: "init"},
	})
	require.NoError(t, err)

	other, err := NewTeacher(testChannels, testHeight, testWidth, 8, testHint, testClasses, 99)
	require.NoError(t, err)
	require.NoError(t, other.LoadWeights(path))

	images := testImages(t, 4, 1)
	want, err := teacher.Forward(images)
	require.NoError(t, err)
	got, err := other.Forward(images)
	require.NoError(t, err)
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "output %d", i)
	}
}

func TestLoadWeightsRejectsDifferentArchitecture(t *testing.T) {
	student, err := NewStudent(testChannels, testHeight, testWidth, testHint, testClasses, 1)
	require.NoError(t, err)
	manager := checkpoints.NewManager(t.TempDir(), "student", checkpoints.FormatJSON)
	path, err := manager.Save(&checkpoints.Checkpoint{
		Weights:  training.SnapshotParameters(student.NamedParameters()),
		Metadata: checkpoints.Metadata{Tag: "1"},
	})
	require.NoError(t, err)

	wider, err := NewStudent(testChannels, testHeight, testWidth, testHint+1, testClasses, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, wider.LoadWeights(path), training.ErrShapeMismatch)

	teacher, err := NewTeacher(testChannels, testHeight, testWidth, 8, testHint, testClasses, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, teacher.LoadWeights(path), checkpoints.ErrCheckpointIO)
}
