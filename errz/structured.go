// Package errz defines the structured errors raised while building, loading
// and running bytecode.
package errz

import (
	"bytes"
	"fmt"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// ErrNesting indicates unbalanced begin/end calls.
	ErrNesting ErrorKind = iota
	// ErrArity indicates an operation ended with the wrong number of children.
	ErrArity
	// ErrVoidValue indicates a void child where a value is required.
	ErrVoidValue
	// ErrLabel indicates misuse of a label.
	ErrLabel
	// ErrLocal indicates misuse of a local.
	ErrLocal
	// ErrDefinition indicates an invalid instruction set definition.
	ErrDefinition
	// ErrSerialization indicates a malformed or unsupported serialized stream.
	ErrSerialization
	// ErrContinuation indicates misuse of a continuation.
	ErrContinuation
	// ErrGuest indicates an exception raised by executing code.
	ErrGuest
	// ErrInternal indicates a broken interpreter invariant.
	ErrInternal
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrNesting:
		return "nesting error"
	case ErrArity:
		return "arity error"
	case ErrVoidValue:
		return "void value error"
	case ErrLabel:
		return "label error"
	case ErrLocal:
		return "local error"
	case ErrDefinition:
		return "definition error"
	case ErrSerialization:
		return "serialization error"
	case ErrContinuation:
		return "continuation error"
	case ErrGuest:
		return "guest error"
	case ErrInternal:
		return "internal error"
	default:
		return "error"
	}
}

// IsAuthoring reports whether errors of this kind are raised by builder calls.
func (k ErrorKind) IsAuthoring() bool {
	switch k {
	case ErrNesting, ErrArity, ErrVoidValue, ErrLabel, ErrLocal:
		return true
	default:
		return false
	}
}

// StructuredError carries the kind, stable code and location of a failure.
// Operation names the builder operation or instruction involved. Bci is -1
// when the error is not tied to an instruction.
type StructuredError struct {
	Message   string
	Kind      ErrorKind
	Code      ErrorCode
	Operation string
	Bci       int
	Cause     error

	sentinel bool
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	var msg bytes.Buffer
	msg.WriteString(e.Kind.String())
	if e.Operation != "" {
		msg.WriteString(" in ")
		msg.WriteString(e.Operation)
	}
	if e.Bci >= 0 {
		fmt.Fprintf(&msg, " at bci %d", e.Bci)
	}
	msg.WriteString(": ")
	msg.WriteString(e.Message)
	if e.Cause != nil {
		msg.WriteString(": ")
		msg.WriteString(e.Cause.Error())
	}
	return msg.String()
}

// Unwrap returns the underlying cause of the error.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Is matches kind sentinels, so errors.Is(err, errz.ErrArityMismatch) holds
// for every arity error regardless of message.
func (e *StructuredError) Is(target error) bool {
	t, ok := target.(*StructuredError)
	if !ok {
		return false
	}
	if t.sentinel {
		return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
	}
	return t == e
}

// WithCause wraps the error with a cause.
func (e *StructuredError) WithCause(cause error) *StructuredError {
	e.Cause = cause
	return e
}

// AtBci records the instruction the error relates to.
func (e *StructuredError) AtBci(bci int) *StructuredError {
	e.Bci = bci
	return e
}

// New creates a StructuredError with the given kind and formatted message.
func New(kind ErrorKind, operation string, format string, args ...any) *StructuredError {
	return &StructuredError{
		Message:   fmt.Sprintf(format, args...),
		Kind:      kind,
		Code:      defaultCodes[kind],
		Operation: operation,
		Bci:       -1,
	}
}

// NewCoded creates a StructuredError with an explicit error code.
func NewCoded(kind ErrorKind, code ErrorCode, operation string, format string, args ...any) *StructuredError {
	e := New(kind, operation, format, args...)
	e.Code = code
	return e
}
