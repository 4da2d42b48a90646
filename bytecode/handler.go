package bytecode

// ExceptionHandler maps a protected range of instructions to a handler.
// Entries are ordered innermost first.
type ExceptionHandler struct {
	Start          int // first protected bci
	End            int // bci after the protected range
	Handler        int // bci of the handler entry
	StackDepth     int // operand stack depth restored before the handler runs
	ExceptionLocal int // local receiving the thrown value
}

// Covers reports whether bci lies in the protected range.
func (h ExceptionHandler) Covers(bci int) bool {
	return bci >= h.Start && bci < h.End
}
