package faults

import "fmt"

// InvocationError wraps a failure raised by a local handler. It carries no
// class of its own: classification looks through it at the cause.
type InvocationError struct {
	FitableID string
	Cause     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.FitableID, e.Cause)
}

func (e *InvocationError) Unwrap() error { return e.Cause }

// NewRetryable creates a retryable error.
func NewRetryable(message string) *Error {
	return New(CodeRetryable, message)
}

// NewDegradable creates a degradable error.
func NewDegradable(message string) *Error {
	return New(CodeDegradable, message)
}

// NewFitableNotFound is returned when routing leaves no fitable.
func NewFitableNotFound(genericableID string) *Error {
	e := New(CodeFitableNotFound, "no fitable matched the call")
	e.GenericableID = genericableID
	return e
}

// NewTooManyFitables is returned when a unicast call matched more than one
// fitable.
func NewTooManyFitables(genericableID string, n int) *Error {
	e := Newf(CodeTooManyFitables, "unicast call matched %d fitables", n)
	e.GenericableID = genericableID
	return e
}

// NewTargetNotFound is returned when load balancing leaves no target.
func NewTargetNotFound(fitableID string) *Error {
	e := New(CodeTargetNotFound, "no eligible target")
	e.FitableID = fitableID
	return e
}

// NewArgumentMismatch reports a call whose arguments do not satisfy the
// declared parameter list.
func NewArgumentMismatch(fitableID, reason string) *Error {
	e := New(CodeArgumentMismatch, reason)
	e.FitableID = fitableID
	return e
}

// NewAuthInvalid reports a rejected access token.
func NewAuthInvalid(fitableID string) *Error {
	e := New(CodeAuthInvalid, "access token rejected after refresh")
	e.FitableID = fitableID
	return e
}
