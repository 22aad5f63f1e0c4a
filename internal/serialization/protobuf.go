package serialization

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/oriys/orbit/internal/domain"
)

const (
	// Each value is one field: 1 holds the marshaled message, 2 marks nil.
	fieldValue protowire.Number = 1
	fieldNil   protowire.Number = 2

	maxMessageBytes = 8 * 1024 * 1024
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

var errNotSelfDescribing = errors.New("protobuf format requires declared types")

// ProtobufSerializer encodes proto.Message values. It is not self-describing:
// decoding needs the declared types.
type ProtobufSerializer struct{}

// NewProtobuf creates the protobuf serializer.
func NewProtobuf() *ProtobufSerializer { return &ProtobufSerializer{} }

func (s *ProtobufSerializer) Format() domain.Format { return domain.FormatProtobuf }

func (s *ProtobufSerializer) Generic() bool { return false }

func (s *ProtobufSerializer) SerializeRequest(types []reflect.Type, args []any) ([]byte, error) {
	if err := checkArity(types, len(args)); err != nil {
		return nil, fmt.Errorf("protobuf serialize request: %w", err)
	}
	data, err := encodeMessages(args)
	if err != nil {
		return nil, fmt.Errorf("protobuf serialize request: %w", err)
	}
	return data, nil
}

func (s *ProtobufSerializer) DeserializeRequest(types []reflect.Type, data []byte) ([]any, error) {
	if types == nil {
		return nil, fmt.Errorf("protobuf deserialize request: %w", errNotSelfDescribing)
	}
	out, err := decodeMessages(types, data)
	if err != nil {
		return nil, fmt.Errorf("protobuf deserialize request: %w", err)
	}
	return out, nil
}

func (s *ProtobufSerializer) SerializeResponse(_ reflect.Type, v any) ([]byte, error) {
	data, err := encodeMessages([]any{v})
	if err != nil {
		return nil, fmt.Errorf("protobuf serialize response: %w", err)
	}
	return data, nil
}

func (s *ProtobufSerializer) DeserializeResponse(t reflect.Type, data []byte) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("protobuf deserialize response: %w", errNotSelfDescribing)
	}
	out, err := decodeMessages([]reflect.Type{t}, data)
	if err != nil {
		return nil, fmt.Errorf("protobuf deserialize response: %w", err)
	}
	return out[0], nil
}

func encodeMessages(values []any) ([]byte, error) {
	var b []byte
	for i, v := range values {
		if v == nil {
			b = protowire.AppendTag(b, fieldNil, protowire.VarintType)
			b = protowire.AppendVarint(b, 0)
			continue
		}
		msg, ok := v.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("value %d: %T is not a proto.Message", i, v)
		}
		data, err := proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	if len(b) > maxMessageBytes {
		return nil, fmt.Errorf("encoded payload too large: %d bytes", len(b))
	}
	return b, nil
}

func decodeMessages(types []reflect.Type, b []byte) ([]any, error) {
	out := make([]any, 0, len(types))
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if len(out) >= len(types) {
			return nil, fmt.Errorf("more values than the %d declared", len(types))
		}

		switch {
		case num == fieldNil && typ == protowire.VarintType:
			_, n = protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			out = append(out, nil)
		case num == fieldValue && typ == protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			msg, err := newMessage(types[len(out)])
			if err != nil {
				return nil, err
			}
			if err := proto.Unmarshal(data, msg); err != nil {
				return nil, err
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("unexpected field %d of wire type %d", num, typ)
		}
	}
	if len(out) != len(types) {
		return nil, fmt.Errorf("expected %d values, got %d", len(types), len(out))
	}
	return out, nil
}

func newMessage(t reflect.Type) (proto.Message, error) {
	if t == nil || t.Kind() != reflect.Ptr || !t.Implements(protoMessageType) {
		return nil, fmt.Errorf("%v is not a proto.Message pointer type", t)
	}
	return reflect.New(t.Elem()).Interface().(proto.Message), nil
}
