package checkpoints

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout, proto3 compatible:
//
//	message Checkpoint {
//	  Metadata metadata = 1;
//	  TrainingState training_state = 2;
//	  repeated WeightTensor weights = 3;
//	}
//	message Metadata      { string version = 1; string framework = 2; string tag = 3; }
//	message TrainingState { int64 iteration = 1; int64 step_index = 2; double learning_rate = 3; }
//	message WeightTensor  { string name = 1; repeated int64 shape = 2 [packed]; repeated float data = 3 [packed]; }
const (
	fieldMetadata      protowire.Number = 1
	fieldTrainingState protowire.Number = 2
	fieldWeights       protowire.Number = 3

	fieldVersion   protowire.Number = 1
	fieldFramework protowire.Number = 2
	fieldTag       protowire.Number = 3

	fieldIteration    protowire.Number = 1
	fieldStepIndex    protowire.Number = 2
	fieldLearningRate protowire.Number = 3

	fieldName  protowire.Number = 1
	fieldShape protowire.Number = 2
	fieldData  protowire.Number = 3
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func marshalProto(c *Checkpoint) []byte {
	var meta []byte
	meta = appendString(meta, fieldVersion, c.Metadata.Version)
	meta = appendString(meta, fieldFramework, c.Metadata.Framework)
	meta = appendString(meta, fieldTag, c.Metadata.Tag)

	var state []byte
	state = protowire.AppendTag(state, fieldIteration, protowire.VarintType)
	state = protowire.AppendVarint(state, uint64(int64(c.TrainingState.Iteration)))
	state = protowire.AppendTag(state, fieldStepIndex, protowire.VarintType)
	state = protowire.AppendVarint(state, uint64(int64(c.TrainingState.StepIndex)))
	state = protowire.AppendTag(state, fieldLearningRate, protowire.Fixed64Type)
	state = protowire.AppendFixed64(state, math.Float64bits(c.TrainingState.LearningRate))

	var out []byte
	out = appendMessage(out, fieldMetadata, meta)
	out = appendMessage(out, fieldTrainingState, state)
	for _, w := range c.Weights {
		out = appendMessage(out, fieldWeights, marshalWeight(w))
	}
	return out
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, fieldName, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(int64(d)))
	}
	b = appendMessage(b, fieldShape, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	return appendMessage(b, fieldData, data)
}

// fieldVisitor is called for each field; v holds the raw value for varint and
// fixed types, payload the bytes for length-delimited ones.
type fieldVisitor func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) error

func walkFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v uint64
		var payload []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(num, typ, v, payload); err != nil {
			return err
		}
	}
	return nil
}

func expectType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return errors.Errorf("field %d has wire type %d, want %d", num, got, want)
	}
	return nil
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, _ uint64, payload []byte) error {
		switch num {
		case fieldMetadata:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			return unmarshalMetadata(payload, &c.Metadata)
		case fieldTrainingState:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			return unmarshalTrainingState(payload, &c.TrainingState)
		case fieldWeights:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			w, err := unmarshalWeight(payload)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, w)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	if c.Metadata.Framework != Framework {
		return nil, errors.Errorf("unrecognised checkpoint framework %q", c.Metadata.Framework)
	}
	return c, nil
}

func unmarshalMetadata(b []byte, m *Metadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, payload []byte) error {
		switch num {
		case fieldVersion:
			m.Version = string(payload)
		case fieldFramework:
			m.Framework = string(payload)
		case fieldTag:
			m.Tag = string(payload)
		default:
			return nil
		}
		return expectType(num, typ, protowire.BytesType)
	})
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		switch num {
		case fieldIteration:
			s.Iteration = int(int64(v))
			return expectType(num, typ, protowire.VarintType)
		case fieldStepIndex:
			s.StepIndex = int(int64(v))
			return expectType(num, typ, protowire.VarintType)
		case fieldLearningRate:
			s.LearningRate = math.Float64frombits(v)
			return expectType(num, typ, protowire.Fixed64Type)
		}
		return nil
	})
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	w := WeightTensor{Shape: []int{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, payload []byte) error {
		switch num {
		case fieldName:
			w.Name = string(payload)
		case fieldShape:
			for len(payload) > 0 {
				d, n := protowire.ConsumeVarint(payload)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(int64(d)))
				payload = payload[n:]
			}
		case fieldData:
			if len(payload)%4 != 0 {
				return errors.Errorf("weight data length %d is not a multiple of 4", len(payload))
			}
			w.Data = make([]float32, 0, len(payload)/4)
			for len(payload) > 0 {
				bits, n := protowire.ConsumeFixed32(payload)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				payload = payload[n:]
			}
		default:
			return nil
		}
		return expectType(num, typ, protowire.BytesType)
	})
	if w.Data == nil {
		w.Data = []float32{}
	}
	return w, err
}
