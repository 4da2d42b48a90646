package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
)

// GuestError is an exception raised by executing code: a value thrown by a
// Throw instruction or an error returned by a custom operation. Handlers
// receive Value in their exception local. An exception that no handler
// catches is returned from Invoke.
type GuestError struct {
	Value any
	Unit  *bytecode.Unit
	Bci   int
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("uncaught exception in %s at bci %d: %v", e.Unit, e.Bci, e.Value)
}

// Unwrap returns Value when it is an error, so errors.Is and errors.As see
// errors raised by custom operations.
func (e *GuestError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Is matches errz.ErrGuestException.
func (e *GuestError) Is(target error) bool {
	return target == error(errz.ErrGuestException)
}

// Location returns the source section of the raising instruction, when the
// unit carries source information.
func (e *GuestError) Location() (bytecode.SourceSection, bool) {
	if e.Unit == nil {
		return bytecode.SourceSection{}, false
	}
	return e.Unit.SourceSectionAt(e.Bci)
}

// catchable reports whether err may be handled by guest exception handlers.
// Cancellation and broken interpreter invariants always propagate.
func catchable(err error) bool {
	if _, ok := err.(*GuestError); ok {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *errz.StructuredError
	if errors.As(err, &se) && se.Kind == errz.ErrInternal {
		return false
	}
	return true
}

// guestError wraps err raised at bci. Exceptions propagating out of a
// nested invocation keep their original location.
func (r *Root) guestError(err error, bci int) *GuestError {
	if ge, ok := err.(*GuestError); ok {
		return ge
	}
	return &GuestError{Value: err, Unit: r.unit, Bci: bci}
}
