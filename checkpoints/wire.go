package checkpoints

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint wire layout.
const (
	fieldCheckpointWeight   protowire.Number = 1
	fieldCheckpointState    protowire.Number = 2
	fieldCheckpointMainOpt  protowire.Number = 3
	fieldCheckpointMetaOpt  protowire.Number = 4
	fieldCheckpointMetadata protowire.Number = 5

	fieldWeightName    protowire.Number = 1
	fieldWeightNetwork protowire.Number = 2
	fieldWeightShape   protowire.Number = 3
	fieldWeightData    protowire.Number = 4

	fieldStateEpoch      protowire.Number = 1
	fieldStateStep       protowire.Number = 2
	fieldStateMainLR     protowire.Number = 3
	fieldStateMetaLR     protowire.Number = 4
	fieldStateBest       protowire.Number = 5
	fieldStateTotalSteps protowire.Number = 6

	fieldOptType   protowire.Number = 1
	fieldOptParam  protowire.Number = 2
	fieldOptTensor protowire.Number = 3

	fieldParamKey   protowire.Number = 1
	fieldParamValue protowire.Number = 2

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
	fieldTensorType  protowire.Number = 4

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3
	fieldMetaRunID       protowire.Number = 4
	fieldMetaDescription protowire.Number = 5
	fieldMetaTag         protowire.Number = 6
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}

func marshalCheckpoint(c *Checkpoint) []byte {
	var b []byte
	for _, w := range c.Weights {
		var m []byte
		m = appendString(m, fieldWeightName, w.Name)
		m = appendString(m, fieldWeightNetwork, w.Network)
		m = appendPackedInts(m, fieldWeightShape, w.Shape)
		m = appendPackedDoubles(m, fieldWeightData, w.Data)
		b = appendMessage(b, fieldCheckpointWeight, m)
	}

	var s []byte
	s = appendVarint(s, fieldStateEpoch, uint64(c.TrainingState.Epoch))
	s = appendVarint(s, fieldStateStep, uint64(c.TrainingState.Step))
	s = appendDouble(s, fieldStateMainLR, c.TrainingState.MainLR)
	s = appendDouble(s, fieldStateMetaLR, c.TrainingState.MetaLR)
	s = appendDouble(s, fieldStateBest, c.TrainingState.BestAccuracy)
	s = appendVarint(s, fieldStateTotalSteps, uint64(c.TrainingState.TotalSteps))
	b = appendMessage(b, fieldCheckpointState, s)

	if c.MainOptimizer != nil {
		b = appendMessage(b, fieldCheckpointMainOpt, marshalOptimizer(c.MainOptimizer))
	}
	if c.MetaOptimizer != nil {
		b = appendMessage(b, fieldCheckpointMetaOpt, marshalOptimizer(c.MetaOptimizer))
	}

	md := c.Metadata
	var m []byte
	m = appendString(m, fieldMetaVersion, md.Version)
	m = appendString(m, fieldMetaFramework, md.Framework)
	if !md.CreatedAt.IsZero() {
		m = protowire.AppendTag(m, fieldMetaCreatedAt, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeZigZag(md.CreatedAt.UnixNano()))
	}
	m = appendString(m, fieldMetaRunID, md.RunID)
	m = appendString(m, fieldMetaDescription, md.Description)
	for _, tag := range md.Tags {
		m = protowire.AppendTag(m, fieldMetaTag, protowire.BytesType)
		m = protowire.AppendString(m, tag)
	}
	return appendMessage(b, fieldCheckpointMetadata, m)
}

func marshalOptimizer(o *OptimizerState) []byte {
	var b []byte
	b = appendString(b, fieldOptType, o.Type)

	keys := make([]string, 0, len(o.Parameters))
	for k := range o.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = appendString(p, fieldParamKey, k)
		p = protowire.AppendTag(p, fieldParamValue, protowire.Fixed64Type)
		p = protowire.AppendFixed64(p, math.Float64bits(o.Parameters[k]))
		b = appendMessage(b, fieldOptParam, p)
	}

	for _, t := range o.StateData {
		var m []byte
		m = appendString(m, fieldTensorName, t.Name)
		m = appendPackedInts(m, fieldTensorShape, t.Shape)
		m = appendPackedDoubles(m, fieldTensorData, t.Data)
		m = appendString(m, fieldTensorType, t.StateType)
		b = appendMessage(b, fieldOptTensor, m)
	}
	return b
}

// field is one decoded top-level field of a message.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	v     uint64
	bytes []byte
}

// walk decodes every field of msg and calls fn for each.
func walk(msg []byte, fn func(f field) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(msg)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(msg)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(msg)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func expect(f field, typ protowire.Type) error {
	if f.typ != typ {
		return errors.Errorf("field %d has wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func unpackInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}

func unpackDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.Errorf("packed doubles have %d bytes", len(b))
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

func unmarshalCheckpoint(data []byte, c *Checkpoint) error {
	return walk(data, func(f field) error {
		switch f.num {
		case fieldCheckpointWeight:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			w, err := unmarshalWeight(f.bytes)
			if err != nil {
				return errors.Wrap(err, "weight")
			}
			c.Weights = append(c.Weights, w)
		case fieldCheckpointState:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			return errors.Wrap(unmarshalTrainingState(f.bytes, &c.TrainingState), "training state")
		case fieldCheckpointMainOpt, fieldCheckpointMetaOpt:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			o, err := unmarshalOptimizer(f.bytes)
			if err != nil {
				return errors.Wrap(err, "optimizer state")
			}
			if f.num == fieldCheckpointMainOpt {
				c.MainOptimizer = o
			} else {
				c.MetaOptimizer = o
			}
		case fieldCheckpointMetadata:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			return errors.Wrap(unmarshalMetadata(f.bytes, &c.Metadata), "metadata")
		}
		return nil
	})
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case fieldWeightName:
			w.Name = string(f.bytes)
		case fieldWeightNetwork:
			w.Network = string(f.bytes)
		case fieldWeightShape:
			w.Shape, err = unpackInts(f.bytes)
		case fieldWeightData:
			w.Data, err = unpackDoubles(f.bytes)
		}
		return err
	})
	return w, err
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return walk(b, func(f field) error {
		switch f.num {
		case fieldStateEpoch:
			s.Epoch = int(f.v)
		case fieldStateStep:
			s.Step = int(f.v)
		case fieldStateMainLR:
			s.MainLR = math.Float64frombits(f.v)
		case fieldStateMetaLR:
			s.MetaLR = math.Float64frombits(f.v)
		case fieldStateBest:
			s.BestAccuracy = math.Float64frombits(f.v)
		case fieldStateTotalSteps:
			s.TotalSteps = int(f.v)
		}
		return nil
	})
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: make(map[string]float64)}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldOptType:
			o.Type = string(f.bytes)
		case fieldOptParam:
			var key string
			var value float64
			err := walk(f.bytes, func(p field) error {
				switch p.num {
				case fieldParamKey:
					key = string(p.bytes)
				case fieldParamValue:
					value = math.Float64frombits(p.v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			o.Parameters[key] = value
		case fieldOptTensor:
			var t OptimizerTensor
			err := walk(f.bytes, func(p field) error {
				var err error
				switch p.num {
				case fieldTensorName:
					t.Name = string(p.bytes)
				case fieldTensorShape:
					t.Shape, err = unpackInts(p.bytes)
				case fieldTensorData:
					t.Data, err = unpackDoubles(p.bytes)
				case fieldTensorType:
					t.StateType = string(p.bytes)
				}
				return err
			})
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, t)
		}
		return nil
	})
	return o, err
}

func unmarshalMetadata(b []byte, md *CheckpointMetadata) error {
	return walk(b, func(f field) error {
		switch f.num {
		case fieldMetaVersion:
			md.Version = string(f.bytes)
		case fieldMetaFramework:
			md.Framework = string(f.bytes)
		case fieldMetaCreatedAt:
			md.CreatedAt = time.Unix(0, protowire.DecodeZigZag(f.v))
		case fieldMetaRunID:
			md.RunID = string(f.bytes)
		case fieldMetaDescription:
			md.Description = string(f.bytes)
		case fieldMetaTag:
			md.Tags = append(md.Tags, string(f.bytes))
		}
		return nil
	})
}
