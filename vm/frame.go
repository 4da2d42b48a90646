package vm

import (
	"fmt"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Frame is the state of one invocation: its arguments, its local slots and
// its operand stack. Frames live on the heap, so the LoadFrame instruction
// can hand the running frame to closures that outlive the invocation.
//
// Locals may hold primitive values unboxed. A local whose tag is not
// operation.Any keeps its value in prims and nothing in slots.
type Frame struct {
	unit *bytecode.Unit
	code *bytecode.Code
	args []any

	// slots holds the locals followed by the operand stack.
	slots []any
	prims []uint64
	tags  []operation.ValueKind

	storeBci bool
	bci      int
}

func newFrame(unit *bytecode.Unit, code *bytecode.Code, args []any, boxing, storeBci bool) *Frame {
	f := &Frame{
		unit:     unit,
		code:     code,
		args:     args,
		slots:    make([]any, code.FrameSize()),
		storeBci: storeBci,
		bci:      -1,
	}
	if boxing {
		f.prims = make([]uint64, code.LocalCount())
		f.tags = make([]operation.ValueKind, code.LocalCount())
	}
	return f
}

// Unit returns the unit the frame belongs to.
func (f *Frame) Unit() *bytecode.Unit {
	return f.unit
}

// Code returns the build the frame executes. It may be older than the
// unit's current code when the unit was reparsed during the invocation.
func (f *Frame) Code() *bytecode.Code {
	return f.code
}

// Arguments returns the invocation arguments.
func (f *Frame) Arguments() []any {
	return f.args
}

// LocalCount returns the number of local slots.
func (f *Frame) LocalCount() int {
	return f.code.LocalCount()
}

// Local returns the value of a local slot.
func (f *Frame) Local(index int) any {
	if f.tags != nil && f.tags[index] != operation.Any {
		return operation.DecodePrimitive(f.prims[index], f.tags[index])
	}
	return f.slots[index]
}

// SetLocal stores a boxed value into a local slot.
func (f *Frame) SetLocal(index int, value any) {
	if f.tags != nil {
		f.tags[index] = operation.Any
	}
	f.slots[index] = value
}

// setPrimitive stores an unboxed value into a local slot.
func (f *Frame) setPrimitive(index int, bits uint64, kind operation.ValueKind) {
	f.prims[index] = bits
	f.tags[index] = kind
	f.slots[index] = nil
}

// Tag returns the representation of a local: operation.Any when boxed, or
// the primitive kind held unboxed.
func (f *Frame) Tag(index int) operation.ValueKind {
	if f.tags == nil {
		return operation.Any
	}
	return f.tags[index]
}

// Bci returns the index of the custom instruction the frame is executing.
// It is only recorded when the instruction set enables StoreBciInFrame.
func (f *Frame) Bci() (int, error) {
	if !f.storeBci {
		return -1, errz.NewCoded(errz.ErrContinuation, errz.E3003, f.unit.String(),
			"the instruction set does not store the bci in frames")
	}
	return f.bci, nil
}

// Copy returns a deep copy of the frame's slots. The copy shares argument
// values and boxed local values with the original.
func (f *Frame) Copy() *Frame {
	c := *f
	c.args = append([]any(nil), f.args...)
	c.slots = append([]any(nil), f.slots...)
	if f.tags != nil {
		c.prims = append([]uint64(nil), f.prims...)
		c.tags = append([]operation.ValueKind(nil), f.tags...)
	}
	return &c
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(%s, locals=%d)", f.unit, f.code.LocalCount())
}
