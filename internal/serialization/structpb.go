package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/orbit/internal/domain"
)

// StructSerializer encodes arguments as a google.protobuf.ListValue and
// results as a google.protobuf.Value. Both are self-describing, so it can
// carry generic calls.
type StructSerializer struct{}

// NewStruct creates the struct serializer.
func NewStruct() *StructSerializer { return &StructSerializer{} }

func (s *StructSerializer) Format() domain.Format { return domain.FormatStruct }

func (s *StructSerializer) Generic() bool { return true }

func (s *StructSerializer) SerializeRequest(types []reflect.Type, args []any) ([]byte, error) {
	if err := checkArity(types, len(args)); err != nil {
		return nil, fmt.Errorf("struct serialize request: %w", err)
	}
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(args))}
	for i, arg := range args {
		v, err := toStructValue(arg)
		if err != nil {
			return nil, fmt.Errorf("struct serialize argument %d: %w", i, err)
		}
		list.Values = append(list.Values, v)
	}
	data, err := proto.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("struct serialize request: %w", err)
	}
	return data, nil
}

func (s *StructSerializer) DeserializeRequest(types []reflect.Type, data []byte) ([]any, error) {
	list := &structpb.ListValue{}
	if err := proto.Unmarshal(data, list); err != nil {
		return nil, fmt.Errorf("struct deserialize request: %w", err)
	}
	if err := checkArity(types, len(list.Values)); err != nil {
		return nil, fmt.Errorf("struct deserialize request: %w", err)
	}
	out := make([]any, len(list.Values))
	for i, v := range list.Values {
		decoded, err := fromStructValue(typeAt(types, i), v)
		if err != nil {
			return nil, fmt.Errorf("struct deserialize argument %d: %w", i, err)
		}
		out[i] = decoded
	}
	return out, nil
}

func (s *StructSerializer) SerializeResponse(_ reflect.Type, v any) ([]byte, error) {
	sv, err := toStructValue(v)
	if err != nil {
		return nil, fmt.Errorf("struct serialize response: %w", err)
	}
	data, err := proto.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("struct serialize response: %w", err)
	}
	return data, nil
}

func (s *StructSerializer) DeserializeResponse(t reflect.Type, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	sv := &structpb.Value{}
	if err := proto.Unmarshal(data, sv); err != nil {
		return nil, fmt.Errorf("struct deserialize response: %w", err)
	}
	v, err := fromStructValue(t, sv)
	if err != nil {
		return nil, fmt.Errorf("struct deserialize response: %w", err)
	}
	return v, nil
}

// toStructValue normalizes v through JSON so that structs, typed maps and
// slices become the plain shapes structpb accepts.
func toStructValue(v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	return structpb.NewValue(plain)
}

func fromStructValue(t reflect.Type, v *structpb.Value) (any, error) {
	plain := v.AsInterface()
	if plain == nil {
		return nil, nil
	}
	if t == nil {
		return plain, nil
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return nil, err
	}
	return decodeJSON(t, data)
}
