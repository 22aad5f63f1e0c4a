package localexec

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
)

// Handler is the in-process function bound to a fitable.
type Handler func(ctx context.Context, args []any) (any, error)

// Executor is a local handler together with the argument contract it
// accepts. A nil parameter list disables argument validation.
type Executor struct {
	id         domain.FitableID
	handler    Handler
	paramTypes []reflect.Type
	returnType reflect.Type
	micro      bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithParams declares the parameter types the handler expects.
func WithParams(types ...reflect.Type) Option {
	return func(e *Executor) {
		e.paramTypes = append(make([]reflect.Type, 0, len(types)), types...)
	}
}

// WithReturn declares the handler's result type.
func WithReturn(t reflect.Type) Option {
	return func(e *Executor) { e.returnType = t }
}

// Micro marks the executor as same-process only: the locator never looks
// it up remotely.
func Micro() Option {
	return func(e *Executor) { e.micro = true }
}

// NewExecutor binds handler to id.
func NewExecutor(id domain.FitableID, handler Handler, opts ...Option) *Executor {
	e := &Executor{id: id, handler: handler}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewFuncExecutor adapts a typed Go function. fn must look like
//
//	func([context.Context,] p1 T1, ..., pn Tn) ([R,] error)
//
// The parameter list (without the context) becomes the argument contract.
func NewFuncExecutor(id domain.FitableID, fn any, opts ...Option) (*Executor, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("local executor %s: expected func, got %s", id, t)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("local executor %s: variadic functions are not supported", id)
	}

	withCtx := t.NumIn() > 0 && t.In(0) == contextType
	first := 0
	if withCtx {
		first = 1
	}
	params := make([]reflect.Type, 0, t.NumIn()-first)
	for i := first; i < t.NumIn(); i++ {
		params = append(params, t.In(i))
	}

	var ret reflect.Type
	switch t.NumOut() {
	case 1:
		if t.Out(0) != errorType {
			return nil, fmt.Errorf("local executor %s: single result must be error", id)
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("local executor %s: second result must be error", id)
		}
		ret = t.Out(0)
	default:
		return nil, fmt.Errorf("local executor %s: expected (R, error) or error results", id)
	}

	handler := func(ctx context.Context, args []any) (any, error) {
		in := make([]reflect.Value, 0, len(args)+first)
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, arg := range args {
			if arg == nil {
				in = append(in, reflect.Zero(params[i]))
				continue
			}
			in = append(in, reflect.ValueOf(arg))
		}
		out := v.Call(in)
		errOut := out[len(out)-1]
		var err error
		if !errOut.IsNil() {
			err = errOut.Interface().(error)
		}
		if ret == nil {
			return nil, err
		}
		return out[0].Interface(), err
	}

	all := append([]Option{WithParams(params...), WithReturn(ret)}, opts...)
	return NewExecutor(id, handler, all...), nil
}

// ID returns the fitable the executor serves.
func (e *Executor) ID() domain.FitableID { return e.id }

// ParamTypes returns the declared parameter types, nil when unchecked.
func (e *Executor) ParamTypes() []reflect.Type { return e.paramTypes }

// ReturnType returns the declared result type, nil when unknown.
func (e *Executor) ReturnType() reflect.Type { return e.returnType }

// IsMicro reports whether the executor is same-process only.
func (e *Executor) IsMicro() bool { return e.micro }

// Validate checks args against the declared parameter list.
func (e *Executor) Validate(args []any) error {
	if e.paramTypes == nil {
		return nil
	}
	if len(args) != len(e.paramTypes) {
		return faults.NewArgumentMismatch(e.id.String(),
			fmt.Sprintf("expected %d arguments, got %d", len(e.paramTypes), len(args)))
	}
	for i, arg := range args {
		if arg == nil {
			continue
		}
		if at := reflect.TypeOf(arg); !at.AssignableTo(e.paramTypes[i]) {
			return faults.NewArgumentMismatch(e.id.String(),
				fmt.Sprintf("argument %d: %s is not assignable to %s", i, at, e.paramTypes[i]))
		}
	}
	return nil
}

// Invoke validates args and calls the handler. Handler failures and panics
// are returned as *faults.InvocationError.
func (e *Executor) Invoke(ctx context.Context, args []any) (result any, err error) {
	if err := e.Validate(args); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &faults.InvocationError{
				FitableID: e.id.String(),
				Cause:     fmt.Errorf("panic: %v", r),
			}
		}
	}()
	result, err = e.handler(ctx, args)
	if err != nil {
		var inv *faults.InvocationError
		if errors.As(err, &inv) {
			return nil, err
		}
		return nil, &faults.InvocationError{FitableID: e.id.String(), Cause: err}
	}
	return result, nil
}
