package builder

import (
	"math"

	"fortio.org/safecast"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/op"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Placeholder is a temporary value written for forward branch targets,
// which is later overwritten with the real target.
const Placeholder = uint16(math.MaxUint16)

// MaxCodeWords is the longest code a root may have. Every bci must fit in
// an immediate word and in the state word of a suspended frame.
const MaxCodeWords = math.MaxUint16

const initialCodeSize = 16

// Local is a handle to a frame slot created with CreateLocal.
type Local struct {
	index int
	name  string
	root  *rootState
}

// Index returns the slot index of the local in its root's frame.
func (l *Local) Index() int {
	return l.index
}

// Name returns the debug name of the local, which may be empty.
func (l *Local) Name() string {
	return l.name
}

// Label is a branch target created with CreateLabel. A label must be emitted
// exactly once, inside the operation that was open when it was created.
type Label struct {
	id      int
	root    *rootState
	owner   *opFrame
	buf     *codeBuffer
	defined bool
	bci     int
	depth   int
	fixups  []fixup
}

type fixup struct {
	pos   int
	depth int
}

// codeBuffer is the instruction stream being emitted together with the
// side tables whose entries refer to positions in it. Finally handlers are
// emitted into their own buffer so they can be copied to every exit.
type codeBuffer struct {
	bc        []uint16
	bci       int
	handlers  []bytecode.ExceptionHandler
	sourceMap []bytecode.SourceMapEntry
	// positions of branch-target and site immediates, used for relocation
	targets  []int
	siteRefs []int
}

func newCodeBuffer() *codeBuffer {
	return &codeBuffer{bc: make([]uint16, initialCodeSize)}
}

// grow doubles the buffer until n more words fit.
func (c *codeBuffer) grow(n int) {
	if c.bci+n <= len(c.bc) {
		return
	}
	size := max(len(c.bc), initialCodeSize)
	for size < c.bci+n {
		size *= 2
	}
	bc := make([]uint16, size)
	copy(bc, c.bc[:c.bci])
	c.bc = bc
}

// segment is a finished finally handler ready to be copied.
type segment struct {
	bc        []uint16
	handlers  []bytecode.ExceptionHandler
	sourceMap []bytecode.SourceMapEntry
	targets   []int
	siteRefs  []int
	maxStack  int
	copies    int
}

// opFrame is one entry of the operation stack.
type opFrame struct {
	op         *operation.Operation
	childCount int
	// produced records whether the last child of a transparent operation
	// left a value on the stack.
	produced bool
	labels   []*Label
	data     any
}

// rootState is the per-root transient state. Nested roots save the
// enclosing state in parent.
type rootState struct {
	parent *rootState
	name   string

	buf       *codeBuffer
	constants []any
	sites     []bytecode.Site
	probes    []bytecode.Probe
	sources   []*bytecode.Source
	sourceIdx map[*bytecode.Source]int

	ops        []*opFrame
	curStack   int
	maxStack   int
	numLocals  int
	localNames []string
	// segments counts finally handlers currently being recorded.
	segments  int
	numLabels int
}

func newRootState(parent *rootState) *rootState {
	return &rootState{
		parent:    parent,
		buf:       newCodeBuffer(),
		sourceIdx: map[*bytecode.Source]int{},
	}
}

func (rs *rootState) top() *opFrame {
	if len(rs.ops) == 0 {
		return nil
	}
	return rs.ops[len(rs.ops)-1]
}

// frameIndex returns the position of f on the operation stack, or -1.
func (rs *rootState) frameIndex(f *opFrame) int {
	for i := len(rs.ops) - 1; i >= 0; i-- {
		if rs.ops[i] == f {
			return i
		}
	}
	return -1
}

// encloses reports whether rs is other or one of its enclosing roots.
func (rs *rootState) encloses(other *rootState) bool {
	for r := other; r != nil; r = r.parent {
		if r == rs {
			return true
		}
	}
	return false
}

// narrow converts an immediate to a word. Overflow is an authoring error.
func narrow(v int, what string) uint16 {
	w, err := safecast.Conv[uint16](v)
	if err != nil || w == Placeholder {
		panic(errz.NewCoded(errz.ErrNesting, errz.E1009, "",
			"%s %d does not fit in an instruction word", what, v))
	}
	return w
}

func (b *Builder) adjustStack(delta int) {
	rs := b.rs
	rs.curStack += delta
	if rs.curStack < 0 {
		panic(errz.New(errz.ErrInternal, "", "operand stack underflow while building"))
	}
	if rs.curStack > rs.maxStack {
		rs.maxStack = rs.curStack
	}
}

// emit appends an instruction and applies its static stack effect. It
// returns the bci of the instruction.
func (b *Builder) emit(code op.Code, imms ...int) int {
	buf := b.rs.buf
	info := op.GetInfo(code)
	buf.grow(info.Length())
	start := buf.bci
	buf.bc[buf.bci] = uint16(code)
	buf.bci++
	for i, v := range imms {
		switch info.Immediates[i] {
		case op.ImmBranchTarget:
			buf.targets = append(buf.targets, buf.bci)
			if v < 0 {
				buf.bc[buf.bci] = Placeholder
				buf.bci++
				continue
			}
		case op.ImmSite:
			buf.siteRefs = append(buf.siteRefs, buf.bci)
		}
		buf.bc[buf.bci] = narrow(v, info.Immediates[i].String())
		buf.bci++
	}
	if info.Pops != op.Variable {
		b.adjustStack(-info.Pops)
		b.adjustStack(info.Pushes)
	}
	return start
}

// emitForward emits a branching instruction whose target is patched later.
// It returns the position of the target word.
func (b *Builder) emitForward(code op.Code, imms ...int) int {
	imms = append(imms, -1)
	start := b.emit(code, imms...)
	return start + len(imms)
}

// patch points the branch target at pos to the current bci.
func (b *Builder) patch(pos int) {
	buf := b.rs.buf
	buf.bc[pos] = narrow(buf.bci, "branch target")
}

func (b *Builder) addConstant(v any) int {
	rs := b.rs
	rs.constants = append(rs.constants, v)
	return len(rs.constants) - 1
}

func (b *Builder) addSite(o *operation.Operation, pops, pushes int) int {
	rs := b.rs
	rs.sites = append(rs.sites, bytecode.Site{Operation: o, Pops: pops, Pushes: pushes})
	return len(rs.sites) - 1
}

// emitCustom emits a Custom instruction for a new site and applies the
// site's stack effect.
func (b *Builder) emitCustom(o *operation.Operation, pops, pushes int) {
	site := b.addSite(o, pops, pushes)
	b.emit(op.Custom, site)
	b.adjustStack(-pops)
	b.adjustStack(pushes)
}
