package checkpoints

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint(tag string) *Checkpoint {
	weights := []WeightTensor{
		{Name: "head.weight", Shape: []int{3, 2}, Data: []float32{1, -2, 3.5, 1e-7, float32(math.Pi), -0}},
		{Name: "backbone.0.bias", Shape: []int{2}, Data: []float32{0.25, -0.125}},
		{Name: "backbone.0.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
	}
	return &Checkpoint{
		Weights: weights,
		TrainingState: TrainingState{
			Iteration:    2000,
			StepIndex:    1,
			LearningRate: 0.002,
		},
		Metadata: Metadata{Tag: tag},
	}
}

func assertSameWeights(t *testing.T, want, got []WeightTensor) {
	t.Helper()
	require.Len(t, got, len(want))
	gotMap := (&Checkpoint{Weights: got}).WeightMap()
	for _, w := range want {
		g, ok := gotMap[w.Name]
		require.True(t, ok, "missing %s", w.Name)
		assert.Equal(t, w.Shape, g.Shape)
		require.Len(t, g.Data, len(w.Data))
		for i := range w.Data {
			assert.Equal(t, math.Float32bits(w.Data[i]), math.Float32bits(g.Data[i]), "%s[%d]", w.Name, i)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			m := NewManager(t.TempDir(), "student", format)
			original := testCheckpoint("2000")

			path, err := m.Save(original)
			require.NoError(t, err)
			assert.Equal(t, m.Path("2000"), path)
			assert.Equal(t, format.Extension(), filepath.Ext(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assertSameWeights(t, original.Weights, loaded.Weights)
			assert.Equal(t, original.TrainingState, loaded.TrainingState)
			assert.Equal(t, "2000", loaded.Metadata.Tag)
			assert.Equal(t, Framework, loaded.Metadata.Framework)

			// weights come back in name order
			assert.Equal(t, "backbone.0.bias", loaded.Weights[0].Name)
		})
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		a := testCheckpoint("final")
		b := testCheckpoint("final")
		b.Weights[0], b.Weights[2] = b.Weights[2], b.Weights[0]

		var bufA, bufB bytes.Buffer
		require.NoError(t, Encode(&bufA, a, format))
		require.NoError(t, Encode(&bufB, b, format))
		assert.Equal(t, bufA.Bytes(), bufB.Bytes(), format.String())
	}
}

func TestLoadStripsDeviceWrapPrefix(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		m := NewManager(t.TempDir(), "teacher", format)
		original := testCheckpoint("final")
		wrapped := *original
		wrapped.Weights = make([]WeightTensor, len(original.Weights))
		for i, w := range original.Weights {
			w.Name = DeviceWrapPrefix + w.Name
			wrapped.Weights[i] = w
		}

		path, err := m.Save(&wrapped)
		require.NoError(t, err)

		loaded, err := Load(path)
		require.NoError(t, err)
		assertSameWeights(t, original.Weights, loaded.Weights)
	}
}

func TestStripPrefixLeavesOtherNames(t *testing.T) {
	out := StripPrefix([]WeightTensor{{Name: "module.a"}, {Name: "b"}, {Name: "x.module.c"}}, DeviceWrapPrefix)
	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, "b", out[1].Name)
	assert.Equal(t, "x.module.c", out[2].Name)
}

func TestLoadFailures(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.ckpt"))
	require.True(t, errors.Is(err, ErrCheckpointIO))

	garbage := filepath.Join(dir, "garbage.ckpt")
	require.NoError(t, os.WriteFile(garbage, []byte{0xff, 0xff, 0xff, 0x01, 0x02}, 0644))
	_, err = Load(garbage)
	require.True(t, errors.Is(err, ErrCheckpointIO))

	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte(`{"weights": [`), 0644))
	_, err = Load(badJSON)
	require.True(t, errors.Is(err, ErrCheckpointIO))

	inconsistent := filepath.Join(dir, "inconsistent.json")
	require.NoError(t, os.WriteFile(inconsistent,
		[]byte(`{"weights":[{"name":"w","shape":[2,2],"data":[1,2,3]}]}`), 0644))
	_, err = Load(inconsistent)
	require.True(t, errors.Is(err, ErrCheckpointIO))

	// truncated binary checkpoint
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testCheckpoint("1"), FormatProto))
	truncated := filepath.Join(dir, "truncated.ckpt")
	require.NoError(t, os.WriteFile(truncated, buf.Bytes()[:buf.Len()-5], 0644))
	_, err = Load(truncated)
	require.True(t, errors.Is(err, ErrCheckpointIO))
}

func TestSaveFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "student", FormatProto)

	bad := testCheckpoint("4")
	bad.Weights[0].Data = bad.Weights[0].Data[:2]
	_, err := m.Save(bad)
	require.True(t, errors.Is(err, ErrCheckpointIO))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = m.Save(testCheckpoint(""))
	require.True(t, errors.Is(err, ErrCheckpointIO))
}

func TestSaveIntoUnwritableLocation(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	m := NewManager(filepath.Join(blocker, "nested"), "student", FormatJSON)
	_, err := m.Save(testCheckpoint("2"))
	require.True(t, errors.Is(err, ErrCheckpointIO))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("proto")
	require.NoError(t, err)
	assert.Equal(t, FormatProto, f)

	for _, name := range []string{"pth", "protobuf", "", "JSON"} {
		_, err = ParseFormat(name)
		assert.Error(t, err, "%q", name)
	}

	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		parsed, err := ParseFormat(format.String())
		require.NoError(t, err)
		assert.Equal(t, format, parsed)
	}
}
