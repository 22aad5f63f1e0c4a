package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/oriys/orbit/internal/domain"
)

// JSONSerializer encodes arguments as a JSON array.
type JSONSerializer struct{}

// NewJSON creates the JSON serializer.
func NewJSON() *JSONSerializer { return &JSONSerializer{} }

func (s *JSONSerializer) Format() domain.Format { return domain.FormatJSON }

func (s *JSONSerializer) Generic() bool { return true }

func (s *JSONSerializer) SerializeRequest(types []reflect.Type, args []any) ([]byte, error) {
	if err := checkArity(types, len(args)); err != nil {
		return nil, fmt.Errorf("json serialize request: %w", err)
	}
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("json serialize request: %w", err)
	}
	return data, nil
}

func (s *JSONSerializer) DeserializeRequest(types []reflect.Type, data []byte) ([]any, error) {
	var raw []json.RawMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("json deserialize request: %w", err)
		}
	}
	if err := checkArity(types, len(raw)); err != nil {
		return nil, fmt.Errorf("json deserialize request: %w", err)
	}
	out := make([]any, len(raw))
	for i, r := range raw {
		v, err := decodeJSON(typeAt(types, i), r)
		if err != nil {
			return nil, fmt.Errorf("json deserialize argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (s *JSONSerializer) SerializeResponse(_ reflect.Type, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json serialize response: %w", err)
	}
	return data, nil
}

func (s *JSONSerializer) DeserializeResponse(t reflect.Type, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	v, err := decodeJSON(t, data)
	if err != nil {
		return nil, fmt.Errorf("json deserialize response: %w", err)
	}
	return v, nil
}

// decodeJSON decodes data into t, or into a dynamic value when t is nil.
// A JSON null always decodes to nil.
func decodeJSON(t reflect.Type, data []byte) (any, error) {
	if string(data) == "null" {
		return nil, nil
	}
	if t == nil {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
