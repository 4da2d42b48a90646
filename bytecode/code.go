package bytecode

import (
	"github.com/deepnoodle-ai/bytecodedsl/op"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Site describes one custom-operation call site. Sites are indexed by the
// immediate of Custom and CustomShortCircuit instructions, so every site has
// its own specialization state in the cached tier.
type Site struct {
	Operation *operation.Operation
	Pops      int
	Pushes    int
}

// Probe describes one instrumentation point created by a Tag operation.
type Probe struct {
	Tag string
	// Void is true when the tagged operation produced no value, in which case
	// the leave probe has nothing to observe.
	Void bool
}

// Code is one build of a root: the flat instruction stream and its side
// tables. It is immutable after creation and safe for concurrent use.
type Code struct {
	name string

	instructions []uint16
	constants    []any
	handlers     []ExceptionHandler
	sites        []Site
	probes       []Probe

	localCount int
	maxStack   int
	localNames []string

	sources   []*Source
	sourceMap []SourceMapEntry

	withSource          bool
	withInstrumentation bool
}

// CodeParams contains parameters for creating a new Code.
type CodeParams struct {
	Name         string
	Instructions []uint16
	Constants    []any
	Handlers     []ExceptionHandler
	Sites        []Site
	Probes       []Probe
	LocalCount   int
	MaxStack     int
	LocalNames   []string
	Sources      []*Source
	SourceMap    []SourceMapEntry

	WithSource          bool
	WithInstrumentation bool
}

// NewCode creates a new immutable Code from the given parameters. Input
// slices are copied.
func NewCode(params CodeParams) *Code {
	return &Code{
		name:                params.Name,
		instructions:        copySlice(params.Instructions),
		constants:           copySlice(params.Constants),
		handlers:            copySlice(params.Handlers),
		sites:               copySlice(params.Sites),
		probes:              copySlice(params.Probes),
		localCount:          params.LocalCount,
		maxStack:            params.MaxStack,
		localNames:          copySlice(params.LocalNames),
		sources:             copySlice(params.Sources),
		sourceMap:           copySlice(params.SourceMap),
		withSource:          params.WithSource,
		withInstrumentation: params.WithInstrumentation,
	}
}

// Name returns the root name, which may be empty.
func (c *Code) Name() string {
	return c.name
}

// InstructionCount returns the number of words in the instruction stream.
func (c *Code) InstructionCount() int {
	return len(c.instructions)
}

// WordAt returns the raw word at the given index.
func (c *Code) WordAt(index int) uint16 {
	return c.instructions[index]
}

// OpcodeAt returns the opcode of the instruction starting at bci.
func (c *Code) OpcodeAt(bci int) op.Code {
	return op.Code(c.instructions[bci])
}

// ImmediateAt returns the n-th immediate of the instruction starting at bci.
func (c *Code) ImmediateAt(bci, n int) int {
	return int(c.instructions[bci+1+n])
}

// Instructions returns a copy of the instruction stream.
func (c *Code) Instructions() []uint16 {
	return copySlice(c.instructions)
}

// ConstantCount returns the number of constants.
func (c *Code) ConstantCount() int {
	return len(c.constants)
}

// ConstantAt returns the constant at the given index.
func (c *Code) ConstantAt(index int) any {
	return c.constants[index]
}

// HandlerCount returns the number of exception handler entries.
func (c *Code) HandlerCount() int {
	return len(c.handlers)
}

// HandlerAt returns the exception handler entry at the given index.
func (c *Code) HandlerAt(index int) ExceptionHandler {
	return c.handlers[index]
}

// FindHandler returns the innermost handler whose range covers bci.
func (c *Code) FindHandler(bci int) (ExceptionHandler, bool) {
	for _, h := range c.handlers {
		if h.Covers(bci) {
			return h, true
		}
	}
	return ExceptionHandler{}, false
}

// SiteCount returns the number of custom call sites.
func (c *Code) SiteCount() int {
	return len(c.sites)
}

// SiteAt returns the call site with the given index.
func (c *Code) SiteAt(index int) Site {
	return c.sites[index]
}

// ProbeCount returns the number of instrumentation probes.
func (c *Code) ProbeCount() int {
	return len(c.probes)
}

// ProbeAt returns the probe with the given index.
func (c *Code) ProbeAt(index int) Probe {
	return c.probes[index]
}

// LocalCount returns the number of local slots in the frame.
func (c *Code) LocalCount() int {
	return c.localCount
}

// MaxStack returns the maximum operand stack depth.
func (c *Code) MaxStack() int {
	return c.maxStack
}

// FrameSize returns the number of value slots a frame needs: locals followed
// by the operand stack.
func (c *Code) FrameSize() int {
	return c.localCount + c.maxStack
}

// LocalNameAt returns the name of a local, or an empty string.
func (c *Code) LocalNameAt(index int) string {
	if index < 0 || index >= len(c.localNames) {
		return ""
	}
	return c.localNames[index]
}

// HasSourceInfo reports whether the code was built with a source map.
func (c *Code) HasSourceInfo() bool {
	return c.withSource
}

// HasInstrumentation reports whether the code contains probe instructions.
func (c *Code) HasInstrumentation() bool {
	return c.withInstrumentation
}

// SourceCount returns the number of sources referenced by the source map.
func (c *Code) SourceCount() int {
	return len(c.sources)
}

// SourceAt returns the source at the given index.
func (c *Code) SourceAt(index int) *Source {
	return c.sources[index]
}

// SourceMapCount returns the number of source map entries.
func (c *Code) SourceMapCount() int {
	return len(c.sourceMap)
}

// SourceMapAt returns the source map entry at the given index.
func (c *Code) SourceMapAt(index int) SourceMapEntry {
	return c.sourceMap[index]
}

// SourceSectionAt returns the narrowest source section covering bci.
func (c *Code) SourceSectionAt(bci int) (SourceSection, bool) {
	best := -1
	for i, e := range c.sourceMap {
		if bci < e.Start || bci >= e.End {
			continue
		}
		if best < 0 || e.End-e.Start < c.sourceMap[best].End-c.sourceMap[best].Start {
			best = i
		}
	}
	if best < 0 {
		return SourceSection{}, false
	}
	e := c.sourceMap[best]
	var src *Source
	if e.SourceIndex >= 0 && e.SourceIndex < len(c.sources) {
		src = c.sources[e.SourceIndex]
	}
	return SourceSection{Source: src, Start: e.CharStart, Length: e.CharLength}, true
}

// Walk calls fn for every instruction in order with its start index.
// Walking stops early when fn returns false.
func (c *Code) Walk(fn func(bci int, code op.Code, info op.Info) bool) {
	for bci := 0; bci < len(c.instructions); {
		code := op.Code(c.instructions[bci])
		info := op.GetInfo(code)
		if !fn(bci, code, info) || !info.Valid() {
			return
		}
		bci += info.Length()
	}
}
