package vm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
)

// ContinuationResult is returned by an invocation that reached a Yield. It
// owns a heap copy of the suspended frame. Resume continues the invocation
// once; resuming again fails with errz.ErrAlreadyResumed. Use
// ContinuationRoot to resume the same suspension point repeatedly.
type ContinuationResult struct {
	root   *Root
	frame  *Frame
	bci    int
	sp     int
	result any

	resumed atomic.Bool
}

// Result returns the yielded value.
func (c *ContinuationResult) Result() any {
	return c.result
}

// Frame returns the suspended frame.
func (c *ContinuationResult) Frame() *Frame {
	return c.frame
}

// Location returns the bci execution continues at.
func (c *ContinuationResult) Location() int {
	return c.bci
}

// Unit returns the suspended unit.
func (c *ContinuationResult) Unit() *bytecode.Unit {
	return c.root.unit
}

// Resume continues the suspended invocation with value as the result of the
// Yield. It may return another *ContinuationResult when execution yields
// again.
func (c *ContinuationResult) Resume(ctx context.Context, value any) (any, error) {
	if !c.resumed.CompareAndSwap(false, true) {
		return nil, errz.NewCoded(errz.ErrContinuation, errz.E3002, c.root.unit.String(),
			"continuation at bci %d was already resumed", c.bci)
	}
	return c.root.resume(ctx, c.frame, c.bci, c.sp, value)
}

// ContinuationRoot returns a call target for the suspension point. It does
// not consume the continuation.
func (c *ContinuationResult) ContinuationRoot() *ContinuationRoot {
	return &ContinuationRoot{root: c.root, bci: c.bci, sp: c.sp}
}

func (c *ContinuationResult) String() string {
	return fmt.Sprintf("continuation(%s, bci=%d, result=%v)", c.root.unit, c.bci, c.result)
}

// ContinuationRoot resumes one suspension point of a unit. Call takes
// exactly the materialized frame and the resume value, so callers can hold
// the target directly instead of going through ContinuationResult.
type ContinuationRoot struct {
	root *Root
	bci  int
	sp   int
}

// Call resumes a copy of frame with value as the result of the Yield. The
// frame itself is left untouched, so the same frame may be resumed any
// number of times.
func (c *ContinuationRoot) Call(ctx context.Context, frame *Frame, value any) (any, error) {
	if frame == nil {
		return nil, errz.NewCoded(errz.ErrContinuation, errz.E3006, c.root.unit.String(), "nil frame")
	}
	return c.root.resume(ctx, frame.Copy(), c.bci, c.sp, value)
}

// Location returns the bci execution continues at.
func (c *ContinuationRoot) Location() int {
	return c.bci
}
