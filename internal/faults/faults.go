// Package faults is the single typed error family returned by the broker.
//
// Every error that leaves a genericable or fitable call is (or wraps) an
// *Error carrying a numeric code, a failure class and the identities of the
// genericable and fitable it is associated with. The class decides what the
// executor chain does with it:
//
//	ClassGeneral    fatal, surfaced immediately
//	ClassRetryable  retried up to the call's retry budget
//	ClassDegradable handed to the fitable's degradation target
//
// Classification uses errors.As against the Retryable/Degradable marker
// methods, so user-defined error types can opt in without importing this
// package, and wrapping (fmt.Errorf %w, InvocationError) never hides the
// class of the real cause.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the numeric error code exchanged on the wire.
type Code int32

const (
	CodeGeneral             Code = 0x7F000000
	CodeFitableNotFound     Code = 0x7F000001
	CodeTooManyFitables     Code = 0x7F000002
	CodeTargetNotFound      Code = 0x7F000003
	CodeArgumentMismatch    Code = 0x7F000004
	CodeRouterConfig        Code = 0x7F000005
	CodeClientNotFound      Code = 0x7F000006
	CodeSerializerNotFound  Code = 0x7F000007
	CodeLocalNotFound       Code = 0x7F000008
	CodeMissingCollaborator Code = 0x7F000009
	CodeAuthInvalid         Code = 0x7F00000A
	CodeSerialization       Code = 0x7F00000B
	CodePayloadTooLarge     Code = 0x7F00000C

	// Retryable range.
	CodeRetryable Code = 0x7F010000
	CodeTimeout   Code = 0x7F010001
	CodeTransport Code = 0x7F010002

	// Degradable range.
	CodeDegradable Code = 0x7F020000
)

const (
	retryableLow  = 0x7F010000
	retryableHigh = 0x7F01FFFF

	degradableLow  = 0x7F020000
	degradableHigh = 0x7F02FFFF
)

func (c Code) String() string {
	return fmt.Sprintf("0x%08X", uint32(c))
}

// Class is the failure class that drives retry and degradation.
type Class int

const (
	ClassGeneral Class = iota
	ClassRetryable
	ClassDegradable
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassDegradable:
		return "degradable"
	default:
		return "general"
	}
}

// ClassOf returns the default class for a code.
func ClassOf(code Code) Class {
	switch {
	case code >= retryableLow && code <= retryableHigh:
		return ClassRetryable
	case code >= degradableLow && code <= degradableHigh:
		return ClassDegradable
	default:
		return ClassGeneral
	}
}

// Error is the typed broker error.
type Error struct {
	Code          Code
	Class         Class
	Message       string
	Properties    map[string]string
	GenericableID string
	FitableID     string
	Cause         error
}

// New creates an error whose class follows the code range.
func New(code Code, message string) *Error {
	return &Error{Code: code, Class: ClassOf(code), Message: message}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around cause.
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("orbit ")
	b.WriteString(e.Code.String())
	if e.GenericableID != "" || e.FitableID != "" {
		b.WriteString(" [")
		b.WriteString(e.GenericableID)
		if e.FitableID != "" {
			b.WriteString(" ")
			b.WriteString(e.FitableID)
		}
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable marks the error for the retry executor.
func (e *Error) Retryable() bool { return e.Class == ClassRetryable }

// Degradable marks the error for the degradation executor.
func (e *Error) Degradable() bool { return e.Class == ClassDegradable }

// Is matches another *Error by code, so errors.Is(err, faults.New(code, ""))
// works as a code check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

type retryable interface{ Retryable() bool }

type degradable interface{ Degradable() bool }

// IsRetryable reports whether err, or anything it wraps, is retryable.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// IsDegradable reports whether err, or anything it wraps, is degradable.
func IsDegradable(err error) bool {
	var d degradable
	return errors.As(err, &d) && d.Degradable()
}

// Recover converts a panic in caller-supplied code into a CodeGeneral
// error stored in *err. It must be deferred directly:
//
//	defer faults.Recover(&err, "route filter")
func Recover(err *error, where string) {
	if r := recover(); r != nil {
		*err = Newf(CodeGeneral, "%s panicked: %v", where, r)
	}
}

// IsFatal reports whether err is neither retryable nor degradable.
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err) && !IsDegradable(err)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeGeneral.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneral
}

// HasCode reports whether err's chain holds an *Error with code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// AssociateFitable returns err with its fitable identity filled in. The
// original error value is never modified.
func AssociateFitable(err error, fitableID string) error {
	return associate(err, "", fitableID)
}

// AssociateGenericable returns the broker-level form of err: an *Error
// carrying genericableID. Foreign errors are wrapped with CodeGeneral.
func AssociateGenericable(err error, genericableID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		wrapped := Wrap(CodeGeneral, err, "invocation failed")
		wrapped.GenericableID = genericableID
		return wrapped
	}
	return associate(err, genericableID, "")
}

func associate(err error, genericableID, fitableID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	if (genericableID == "" || e.GenericableID != "") && (fitableID == "" || e.FitableID != "") {
		return err
	}
	if e == err {
		cp := *e
		if cp.GenericableID == "" {
			cp.GenericableID = genericableID
		}
		if cp.FitableID == "" {
			cp.FitableID = fitableID
		}
		return &cp
	}
	// The typed error is buried in a wrapper; lift it so callers see its
	// code and class at the top while keeping the full chain as cause.
	lifted := &Error{
		Code:          e.Code,
		Class:         e.Class,
		Message:       e.Message,
		Properties:    e.Properties,
		GenericableID: e.GenericableID,
		FitableID:     e.FitableID,
		Cause:         err,
	}
	if lifted.GenericableID == "" {
		lifted.GenericableID = genericableID
	}
	if lifted.FitableID == "" {
		lifted.FitableID = fitableID
	}
	return lifted
}
