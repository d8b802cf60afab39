package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/okonecny/stateflow/pkg/api"
)

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Callers must ensure that values are gob-encodable; concrete types stored
// behind interfaces must be registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Encode as interface{} so decoding into interface{} round-trips.
	var iv = v
	if err := enc.Encode(&iv); err != nil {
		return nil, &api.SerializationError{What: "value", Err: err}
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes a gob payload produced by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	if err := dec.Decode(&iv); err != nil {
		return nil, &api.SerializationError{What: "value", Err: err}
	}
	return iv, nil
}

// EncodeOutput serializes a step output.
func EncodeOutput(out api.StepOutput) ([]byte, error) {
	if out == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	var iv api.StepOutput = out
	if err := enc.Encode(&iv); err != nil {
		return nil, &api.SerializationError{What: "step output", Err: err}
	}
	return buf.Bytes(), nil
}

// DecodeOutput deserializes a step output produced by EncodeOutput.
func DecodeOutput(data []byte) (api.StepOutput, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out api.StepOutput
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	if err := dec.Decode(&out); err != nil {
		return nil, &api.SerializationError{What: "step output", Err: err}
	}
	return out, nil
}
