package checkpoints

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Binary checkpoints are a protobuf google.protobuf.Struct framed by a magic
// prefix and a sha256 trailer over the encoded message.
var protoMagic = []byte("GOMORPH\x01")

const digestSize = sha256.Size

func encodeProto(c *Checkpoint) ([]byte, error) {
	if c.OptimizerState == nil {
		return nil, errors.New("checkpoint has no optimizer state")
	}

	cfg, err := structpb.NewStruct(c.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	optimizer, err := optimizerValue(c.OptimizerState)
	if err != nil {
		return nil, err
	}

	weights := make([]*structpb.Value, len(c.ModelState))
	for i, w := range c.ModelState {
		weights[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":  structpb.NewStringValue(w.Name),
			"shape": intList(w.Shape),
			"data":  float32List(w.Data),
		}})
	}

	fields := map[string]*structpb.Value{
		FieldConfig:         structpb.NewStructValue(cfg),
		FieldHist:           float64List(c.Hist),
		FieldModelState:     structpb.NewListValue(&structpb.ListValue{Values: weights}),
		FieldOptimizerState: optimizer,
		FieldMetadata:       metadataValue(c.Metadata),
	}
	if len(c.HistComponents) > 0 {
		components := make(map[string]*structpb.Value, len(c.HistComponents))
		for name, values := range c.HistComponents {
			components[name] = float64List(values)
		}
		fields[FieldHistComponents] = structpb.NewStructValue(&structpb.Struct{Fields: components})
	}
	if len(c.ValHist) > 0 {
		fields[FieldValHist] = float64List(c.ValHist)
	}

	payload, err := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(payload)
	out := make([]byte, 0, len(protoMagic)+len(payload)+digestSize)
	out = append(out, protoMagic...)
	out = append(out, payload...)
	out = append(out, digest[:]...)
	return out, nil
}

func decodeProto(data []byte) (*Checkpoint, error) {
	if len(data) < len(protoMagic)+digestSize || !bytes.HasPrefix(data, protoMagic) {
		return nil, errors.New("not a checkpoint file or truncated")
	}
	payload := data[len(protoMagic) : len(data)-digestSize]
	digest := sha256.Sum256(payload)
	if !bytes.Equal(digest[:], data[len(data)-digestSize:]) {
		return nil, errors.New("checksum mismatch")
	}

	var root structpb.Struct
	if err := proto.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return checkpointFromStruct(&root)
}

func checkpointFromStruct(root *structpb.Struct) (*Checkpoint, error) {
	fields := root.GetFields()
	for _, name := range requiredFields {
		v, ok := fields[name]
		if !ok || v.GetKind() == nil {
			return nil, fmt.Errorf("missing field %q", name)
		}
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
			return nil, fmt.Errorf("missing field %q", name)
		}
	}

	var c Checkpoint
	var err error

	cfg := fields[FieldConfig].GetStructValue()
	if cfg == nil {
		return nil, fmt.Errorf("field %q is not a mapping", FieldConfig)
	}
	c.Config = cfg.AsMap()

	if c.Hist, err = float64s(fields[FieldHist], FieldHist); err != nil {
		return nil, err
	}

	weights, err := list(fields[FieldModelState], FieldModelState)
	if err != nil {
		return nil, err
	}
	c.ModelState = make([]WeightTensor, len(weights))
	for i, wv := range weights {
		name := fmt.Sprintf("%s[%d]", FieldModelState, i)
		w := wv.GetStructValue()
		if w == nil {
			return nil, fmt.Errorf("%s is not a mapping", name)
		}
		c.ModelState[i].Name = w.GetFields()["name"].GetStringValue()
		if c.ModelState[i].Shape, err = ints(w.GetFields()["shape"], name+".shape"); err != nil {
			return nil, err
		}
		if c.ModelState[i].Data, err = float32s(w.GetFields()["data"], name+".data"); err != nil {
			return nil, err
		}
	}

	if c.OptimizerState, err = optimizerFromValue(fields[FieldOptimizerState]); err != nil {
		return nil, err
	}

	if v, ok := fields[FieldHistComponents]; ok {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("field %q is not a mapping", FieldHistComponents)
		}
		c.HistComponents = make(map[string][]float64, len(s.GetFields()))
		for name, values := range s.GetFields() {
			if c.HistComponents[name], err = float64s(values, FieldHistComponents+"."+name); err != nil {
				return nil, err
			}
		}
	}
	if v, ok := fields[FieldValHist]; ok {
		if c.ValHist, err = float64s(v, FieldValHist); err != nil {
			return nil, err
		}
	}
	if v, ok := fields[FieldMetadata]; ok {
		c.Metadata = metadataFromValue(v)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func optimizerValue(state *OptimizerState) (*structpb.Value, error) {
	params, err := structpb.NewStruct(state.Parameters)
	if err != nil {
		return nil, fmt.Errorf("optimizer parameters: %w", err)
	}
	buffers := make([]*structpb.Value, len(state.StateData))
	for i, t := range state.StateData {
		buffers[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":       structpb.NewStringValue(t.Name),
			"shape":      intList(t.Shape),
			"data":       float32List(t.Data),
			"state_type": structpb.NewStringValue(t.StateType),
		}})
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"type":       structpb.NewStringValue(state.Type),
		"parameters": structpb.NewStructValue(params),
		"state_data": structpb.NewListValue(&structpb.ListValue{Values: buffers}),
	}}), nil
}

func optimizerFromValue(v *structpb.Value) (*OptimizerState, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("field %q is not a mapping", FieldOptimizerState)
	}
	fields := s.GetFields()
	state := &OptimizerState{
		Type:       fields["type"].GetStringValue(),
		Parameters: map[string]interface{}{},
	}
	if params := fields["parameters"].GetStructValue(); params != nil {
		state.Parameters = params.AsMap()
	}

	buffers, err := list(fields["state_data"], FieldOptimizerState+".state_data")
	if err != nil {
		return nil, err
	}
	state.StateData = make([]OptimizerTensor, len(buffers))
	for i, bv := range buffers {
		name := fmt.Sprintf("%s.state_data[%d]", FieldOptimizerState, i)
		b := bv.GetStructValue()
		if b == nil {
			return nil, fmt.Errorf("%s is not a mapping", name)
		}
		bf := b.GetFields()
		state.StateData[i].Name = bf["name"].GetStringValue()
		state.StateData[i].StateType = bf["state_type"].GetStringValue()
		if state.StateData[i].Shape, err = ints(bf["shape"], name+".shape"); err != nil {
			return nil, err
		}
		if state.StateData[i].Data, err = float32s(bf["data"], name+".data"); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func metadataValue(m CheckpointMetadata) *structpb.Value {
	tags := make([]*structpb.Value, len(m.Tags))
	for i, tag := range m.Tags {
		tags[i] = structpb.NewStringValue(tag)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"version":     structpb.NewStringValue(m.Version),
		"framework":   structpb.NewStringValue(m.Framework),
		"run_id":      structpb.NewStringValue(m.RunID),
		"created_at":  structpb.NewStringValue(m.CreatedAt.Format(time.RFC3339Nano)),
		"description": structpb.NewStringValue(m.Description),
		"tags":        structpb.NewListValue(&structpb.ListValue{Values: tags}),
	}})
}

// metadataFromValue is lenient: metadata is informational only.
func metadataFromValue(v *structpb.Value) CheckpointMetadata {
	fields := v.GetStructValue().GetFields()
	m := CheckpointMetadata{
		Version:     fields["version"].GetStringValue(),
		Framework:   fields["framework"].GetStringValue(),
		RunID:       fields["run_id"].GetStringValue(),
		Description: fields["description"].GetStringValue(),
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"].GetStringValue()); err == nil {
		m.CreatedAt = t
	}
	for _, tag := range fields["tags"].GetListValue().GetValues() {
		m.Tags = append(m.Tags, tag.GetStringValue())
	}
	return m
}

// float32 values widen to float64 exactly, so the round trip is bit-identical.
func float32List(data []float32) *structpb.Value {
	values := make([]*structpb.Value, len(data))
	for i, x := range data {
		values[i] = structpb.NewNumberValue(float64(x))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func float64List(data []float64) *structpb.Value {
	values := make([]*structpb.Value, len(data))
	for i, x := range data {
		values[i] = structpb.NewNumberValue(x)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func intList(data []int) *structpb.Value {
	values := make([]*structpb.Value, len(data))
	for i, x := range data {
		values[i] = structpb.NewNumberValue(float64(x))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func list(v *structpb.Value, name string) ([]*structpb.Value, error) {
	l := v.GetListValue()
	if l == nil {
		return nil, fmt.Errorf("field %q is not a list", name)
	}
	return l.GetValues(), nil
}

func number(v *structpb.Value, name string, i int) (float64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s[%d] is not a number", name, i)
	}
	return n.NumberValue, nil
}

func float64s(v *structpb.Value, name string) ([]float64, error) {
	values, err := list(v, name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, x := range values {
		if out[i], err = number(x, name, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func float32s(v *structpb.Value, name string) ([]float32, error) {
	values, err := list(v, name)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(values))
	for i, x := range values {
		n, err := number(x, name, i)
		if err != nil {
			return nil, err
		}
		out[i] = float32(n)
	}
	return out, nil
}

func ints(v *structpb.Value, name string) ([]int, error) {
	values, err := list(v, name)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(values))
	for i, x := range values {
		n, err := number(x, name, i)
		if err != nil {
			return nil, err
		}
		if n != math.Trunc(n) || n < 0 {
			return nil, fmt.Errorf("%s[%d] = %v is not a dimension", name, i, n)
		}
		out[i] = int(n)
	}
	return out, nil
}
