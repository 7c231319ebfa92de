package checkpoints

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrCheckpointIO covers every failure to read or write a checkpoint. It is
// fatal: training never continues on partially restored or unsaved state.
var ErrCheckpointIO = errors.New("checkpoint io failure")

// DeviceWrapPrefix is prepended to parameter names by multi-device wrappers
// and removed again on load.
const DeviceWrapPrefix = "module."

const (
	FormatVersion = "1.0.0"
	Framework     = "ssd-distill"
	FinalTag      = "final"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	default:
		return ".ckpt"
	}
}

// ParseFormat accepts exactly the names String returns.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "proto":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unsupported checkpoint format %q", s)
	}
}

// formatForPath picks the decoder from the file extension.
func formatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is a snapshot of the student's trainable parameters plus the
// schedule position it was taken at.
type Checkpoint struct {
	Weights       []WeightTensor `json:"weights"`
	TrainingState TrainingState  `json:"training_state"`
	Metadata      Metadata       `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState is the schedule position at save time. Iteration is the
// first iteration a resumed run executes. It is only applied on resume when
// explicitly requested.
type TrainingState struct {
	Iteration    int     `json:"iteration"`
	StepIndex    int     `json:"step_index"`
	LearningRate float64 `json:"learning_rate"`
}

// Metadata holds no timestamps so identical parameters encode to identical
// bytes.
type Metadata struct {
	Version   string `json:"version"`
	Framework string `json:"framework"`
	Tag       string `json:"tag"`
}

// Validate checks that every tensor is well formed and names are unique.
func (c *Checkpoint) Validate() error {
	seen := make(map[string]struct{}, len(c.Weights))
	for _, w := range c.Weights {
		if w.Name == "" {
			return errors.New("weight with empty name")
		}
		if _, dup := seen[w.Name]; dup {
			return errors.Errorf("duplicate weight %q", w.Name)
		}
		seen[w.Name] = struct{}{}

		n := 1
		for _, d := range w.Shape {
			if d <= 0 {
				return errors.Errorf("weight %q has invalid shape %v", w.Name, w.Shape)
			}
			n *= d
		}
		if n != len(w.Data) {
			return errors.Errorf("weight %q has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
	}
	return nil
}

// WeightMap indexes weights by name.
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		m[w.Name] = w
	}
	return m
}

// StripPrefix removes prefix from every weight name that carries it.
func StripPrefix(weights []WeightTensor, prefix string) []WeightTensor {
	out := make([]WeightTensor, len(weights))
	for i, w := range weights {
		w.Name = strings.TrimPrefix(w.Name, prefix)
		out[i] = w
	}
	return out
}

// sortedWeights returns a copy ordered by name.
func sortedWeights(weights []WeightTensor) []WeightTensor {
	out := make([]WeightTensor, len(weights))
	copy(out, weights)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Encode writes checkpoint in the given format. Weights are emitted in name
// order.
func Encode(w io.Writer, checkpoint *Checkpoint, format CheckpointFormat) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	ordered := *checkpoint
	ordered.Weights = sortedWeights(checkpoint.Weights)
	if ordered.Metadata.Framework == "" {
		ordered.Metadata.Framework = Framework
		ordered.Metadata.Version = FormatVersion
	}

	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(&ordered); err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
		return nil
	case FormatProto:
		if _, err := w.Write(marshalProto(&ordered)); err != nil {
			return errors.Wrap(err, "failed to write checkpoint")
		}
		return nil
	default:
		return errors.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Decode reads a checkpoint in the given format and validates it.
func Decode(r io.Reader, format CheckpointFormat) (*Checkpoint, error) {
	var checkpoint *Checkpoint
	switch format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		if err := json.NewDecoder(r).Decode(checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
	case FormatProto:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read checkpoint")
		}
		checkpoint, err = unmarshalProto(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}

	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrap(err, "corrupt checkpoint")
	}
	return checkpoint, nil
}

// Load reads the checkpoint at path, choosing the format by extension, and
// strips the device-wrapping prefix from every weight name.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	checkpoint, err := Decode(file, formatForPath(path))
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "%s: %v", path, err)
	}
	checkpoint.Weights = StripPrefix(checkpoint.Weights, DeviceWrapPrefix)
	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "%s: %v", path, err)
	}
	return checkpoint, nil
}
