// Package serialization converts call arguments and results to bytes in the
// formats a worker can advertise.
//
// Type lists drive decoding: a nil type (or a nil list) means "dynamic", and
// only self-describing formats can decode dynamic values. This is what lets
// generic calls, which have no bound method, cross the wire.
package serialization

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/oriys/orbit/internal/domain"
)

// Serializer encodes requests and responses in one format.
type Serializer interface {
	Format() domain.Format
	// Generic reports whether the format can decode values without a type.
	Generic() bool
	SerializeRequest(types []reflect.Type, args []any) ([]byte, error)
	DeserializeRequest(types []reflect.Type, data []byte) ([]any, error)
	SerializeResponse(t reflect.Type, v any) ([]byte, error)
	DeserializeResponse(t reflect.Type, data []byte) (any, error)
}

// Registry indexes serializers by format.
type Registry struct {
	byFormat map[domain.Format]Serializer
}

// NewRegistry creates a registry holding ss. Later entries replace earlier
// ones with the same format.
func NewRegistry(ss ...Serializer) *Registry {
	r := &Registry{byFormat: make(map[domain.Format]Serializer, len(ss))}
	for _, s := range ss {
		r.byFormat[s.Format()] = s
	}
	return r
}

// Default returns a registry with the JSON, struct and protobuf serializers.
func Default() *Registry {
	return NewRegistry(NewJSON(), NewStruct(), NewProtobuf())
}

// Get returns the serializer for f.
func (r *Registry) Get(f domain.Format) (Serializer, bool) {
	s, ok := r.byFormat[f]
	return s, ok
}

// Supports reports whether f has a serializer.
func (r *Registry) Supports(f domain.Format) bool {
	_, ok := r.byFormat[f]
	return ok
}

// Formats returns the available formats in ascending code order.
func (r *Registry) Formats() []domain.Format {
	out := make([]domain.Format, 0, len(r.byFormat))
	for f := range r.byFormat {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FirstGeneric returns a serializer able to round-trip dynamic values,
// preferring JSON.
func (r *Registry) FirstGeneric() (Serializer, bool) {
	if s, ok := r.byFormat[domain.FormatJSON]; ok {
		return s, true
	}
	for _, f := range r.Formats() {
		if s := r.byFormat[f]; s.Generic() {
			return s, true
		}
	}
	return nil, false
}

func checkArity(types []reflect.Type, n int) error {
	if types != nil && len(types) != n {
		return fmt.Errorf("expected %d values, got %d", len(types), n)
	}
	return nil
}

func typeAt(types []reflect.Type, i int) reflect.Type {
	if types == nil {
		return nil
	}
	return types[i]
}
