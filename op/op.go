// Package op defines the instruction catalogue shared by the builder, the
// verifier, the disassembler and the interpreter.
package op

// Code is an integer opcode that indicates an instruction to execute.
type Code uint16

const (
	Invalid Code = 0

	// Load and store
	LoadConstant           Code = 1
	LoadArgument           Code = 2
	LoadLocal              Code = 3
	StoreLocal             Code = 4
	LoadLocalMaterialized  Code = 5
	StoreLocalMaterialized Code = 6
	LoadFrame              Code = 7

	// Control flow
	Branch      Code = 10
	BranchFalse Code = 11
	Pop         Code = 12
	Return      Code = 13
	Yield       Code = 14
	Throw       Code = 15

	// Custom operations
	Custom             Code = 20
	CustomShortCircuit Code = 21

	// Instrumentation probes
	InstrumentationEnter Code = 30
	InstrumentationLeave Code = 31
)

// Variable marks a stack effect that is defined per call site rather than by
// the opcode itself.
const Variable = -1

// ImmediateKind describes what an inline operand word refers to.
type ImmediateKind uint8

const (
	ImmConstant ImmediateKind = iota + 1
	ImmArgument
	ImmLocal
	ImmBranchTarget
	ImmSite
	ImmProbe
	// ImmFrameLocal is a local of a materialized frame. Its range is only
	// known once the frame is on the stack.
	ImmFrameLocal
)

// String returns a short lowercase name for the immediate kind.
func (k ImmediateKind) String() string {
	switch k {
	case ImmConstant:
		return "const"
	case ImmArgument:
		return "arg"
	case ImmLocal:
		return "local"
	case ImmBranchTarget:
		return "target"
	case ImmSite:
		return "site"
	case ImmProbe:
		return "probe"
	case ImmFrameLocal:
		return "frame local"
	default:
		return "?"
	}
}

// Info contains information about an opcode.
type Info struct {
	Code         Code
	Name         string
	OperandCount int
	Pops         int
	Pushes       int
	Immediates   []ImmediateKind
	IsBranch     bool
	Terminates   bool
}

// Length returns the number of words the instruction occupies, including the
// opcode itself.
func (i Info) Length() int {
	return 1 + i.OperandCount
}

// Valid reports whether the info describes a known opcode.
func (i Info) Valid() bool {
	return i.Code != Invalid
}

var (
	infos  = make([]Info, 64)
	byName = map[string]Code{}
)

func init() {
	type opInfo struct {
		op         Code
		name       string
		pops       int
		pushes     int
		imm        []ImmediateKind
		branch     bool
		terminates bool
	}
	ops := []opInfo{
		{op: LoadConstant, name: "LOAD_CONSTANT", pushes: 1, imm: []ImmediateKind{ImmConstant}},
		{op: LoadArgument, name: "LOAD_ARGUMENT", pushes: 1, imm: []ImmediateKind{ImmArgument}},
		{op: LoadLocal, name: "LOAD_LOCAL", pushes: 1, imm: []ImmediateKind{ImmLocal}},
		{op: StoreLocal, name: "STORE_LOCAL", pops: 1, imm: []ImmediateKind{ImmLocal}},
		{op: LoadLocalMaterialized, name: "LOAD_LOCAL_MAT", pops: 1, pushes: 1, imm: []ImmediateKind{ImmFrameLocal}},
		{op: StoreLocalMaterialized, name: "STORE_LOCAL_MAT", pops: 2, imm: []ImmediateKind{ImmFrameLocal}},
		{op: LoadFrame, name: "LOAD_FRAME", pushes: 1},
		{op: Branch, name: "BRANCH", imm: []ImmediateKind{ImmBranchTarget}, branch: true, terminates: true},
		{op: BranchFalse, name: "BRANCH_FALSE", pops: 1, imm: []ImmediateKind{ImmBranchTarget}, branch: true},
		{op: Pop, name: "POP", pops: 1},
		{op: Return, name: "RETURN", pops: 1, terminates: true},
		{op: Yield, name: "YIELD", pops: 1, pushes: 1},
		{op: Throw, name: "THROW", pops: 1, terminates: true},
		{op: Custom, name: "CUSTOM", pops: Variable, pushes: Variable, imm: []ImmediateKind{ImmSite}},
		{op: CustomShortCircuit, name: "CUSTOM_SC", pops: 1, imm: []ImmediateKind{ImmSite, ImmBranchTarget}, branch: true},
		{op: InstrumentationEnter, name: "INSTR_ENTER", imm: []ImmediateKind{ImmProbe}},
		{op: InstrumentationLeave, name: "INSTR_LEAVE", imm: []ImmediateKind{ImmProbe}},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Code:         o.op,
			Name:         o.name,
			OperandCount: len(o.imm),
			Pops:         o.pops,
			Pushes:       o.pushes,
			Immediates:   o.imm,
			IsBranch:     o.branch,
			Terminates:   o.terminates,
		}
		byName[o.name] = o.op
	}
}

// GetInfo returns information about the given opcode. Unknown opcodes yield
// a zero Info.
func GetInfo(op Code) Info {
	if int(op) >= len(infos) {
		return Info{}
	}
	return infos[op]
}

// Lookup returns the opcode with the given name.
func Lookup(name string) (Code, bool) {
	code, ok := byName[name]
	return code, ok
}

// String returns the opcode name.
func (c Code) String() string {
	if info := GetInfo(c); info.Valid() {
		return info.Name
	}
	return "INVALID"
}
