package errz

// ErrorCode represents a unique identifier for error types.
// Codes are organized by category:
//   - E1xxx: Authoring errors raised by builder calls
//   - E2xxx: Definition and serialization errors
//   - E3xxx: Runtime errors
type ErrorCode string

const (
	// Authoring errors (E1xxx)
	E1001 ErrorCode = "E1001" // Unbalanced begin/end
	E1002 ErrorCode = "E1002" // Wrong number of children
	E1003 ErrorCode = "E1003" // Void child where a value is required
	E1004 ErrorCode = "E1004" // Label emitted twice
	E1005 ErrorCode = "E1005" // Label used outside its operation or root
	E1006 ErrorCode = "E1006" // Label never emitted
	E1007 ErrorCode = "E1007" // Branch stack depth mismatch
	E1008 ErrorCode = "E1008" // Local from another root
	E1009 ErrorCode = "E1009" // Immediate operand overflow
	E1010 ErrorCode = "E1010" // Feature not enabled by the definition

	// Definition and serialization errors (E2xxx)
	E2001 ErrorCode = "E2001" // Invalid definition
	E2002 ErrorCode = "E2002" // Unknown record code
	E2003 ErrorCode = "E2003" // Unknown object tag
	E2004 ErrorCode = "E2004" // Truncated or malformed stream
	E2005 ErrorCode = "E2005" // Unsupported constant type

	// Runtime errors (E3xxx)
	E3001 ErrorCode = "E3001" // Uncaught guest exception
	E3002 ErrorCode = "E3002" // Continuation resumed twice
	E3003 ErrorCode = "E3003" // Bci not stored in frame
	E3004 ErrorCode = "E3004" // Execution halted by observer
	E3005 ErrorCode = "E3005" // Interpreter invariant violated
	E3006 ErrorCode = "E3006" // Invalid argument
)

// codeDescriptions maps error codes to their short descriptions.
var codeDescriptions = map[ErrorCode]string{
	E1001: "unbalanced operation nesting",
	E1002: "wrong number of children",
	E1003: "void value where a value is required",
	E1004: "label emitted twice",
	E1005: "label used outside its scope",
	E1006: "label never emitted",
	E1007: "branch stack depth mismatch",
	E1008: "local from another root",
	E1009: "immediate operand overflow",
	E1010: "feature not enabled",

	E2001: "invalid definition",
	E2002: "unknown record code",
	E2003: "unknown object tag",
	E2004: "malformed stream",
	E2005: "unsupported constant type",

	E3001: "uncaught guest exception",
	E3002: "continuation already resumed",
	E3003: "bci not stored in frame",
	E3004: "execution halted",
	E3005: "interpreter invariant violated",
	E3006: "invalid argument",
}

var defaultCodes = map[ErrorKind]ErrorCode{
	ErrNesting:       E1001,
	ErrArity:         E1002,
	ErrVoidValue:     E1003,
	ErrLabel:         E1005,
	ErrLocal:         E1008,
	ErrDefinition:    E2001,
	ErrSerialization: E2004,
	ErrGuest:         E3001,
	ErrInternal:      E3005,
}

// Description returns the short description for an error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// String returns the error code as a string.
func (c ErrorCode) String() string {
	return string(c)
}

// Category returns the error category based on the code prefix.
func (c ErrorCode) Category() string {
	if len(c) < 2 {
		return "unknown"
	}
	switch c[1] {
	case '1':
		return "authoring"
	case '2':
		return "load"
	case '3':
		return "runtime"
	default:
		return "unknown"
	}
}

func sentinel(kind ErrorKind, code ErrorCode) *StructuredError {
	return &StructuredError{Kind: kind, Code: code, Bci: -1, sentinel: true, Message: code.Description()}
}

// Sentinels for errors.Is. Kind sentinels match every error of that kind;
// coded sentinels additionally require the code.
var (
	ErrUnbalancedNesting = sentinel(ErrNesting, "")
	ErrArityMismatch     = sentinel(ErrArity, "")
	ErrVoidValueChild    = sentinel(ErrVoidValue, "")
	ErrLabelMisuse       = sentinel(ErrLabel, "")
	ErrLocalMisuse       = sentinel(ErrLocal, "")
	ErrInvalidDefinition = sentinel(ErrDefinition, "")
	ErrMalformedStream   = sentinel(ErrSerialization, "")
	ErrUnknownTag        = sentinel(ErrSerialization, E2003)
	ErrAlreadyResumed    = sentinel(ErrContinuation, E3002)
	ErrBciNotStored      = sentinel(ErrContinuation, E3003)
	ErrGuestException    = sentinel(ErrGuest, "")
	ErrHalted            = sentinel(ErrInternal, E3004)
	ErrInternalInvariant = sentinel(ErrInternal, "")
)
