// Package bytecode provides the artifacts produced by the builder.
//
// # Key Types
//
//   - [Code]: one immutable build of a root: instructions, constants,
//     handler table, frame shape, call sites, probes and source map
//   - [Unit]: the stable identity of a root, holding its current [Code]
//   - [ExceptionHandler]: a protected range and its handler (value type)
//   - [SourceSection]: maps bytecode to source text (value type)
//
// # Instruction Encoding
//
// The instruction stream is a flat []uint16. Each instruction is an opcode
// word from package op followed by its immediates, one word each. Branch
// targets are absolute word indexes.
//
// # Immutability Guarantees
//
// Code is immutable after construction. NewCode copies its inputs and index
// accessors never expose internal slices. A Unit changes only by atomically
// installing a new Code during a reparse:
//
//	unit.EnsureSourceInfo()        // may reparse and install new code
//	section, ok := unit.SourceSectionAt(bci)
//
// Code that is already executing keeps the build it loaded.
//
// # Verification
//
// [Verify] checks the stack-balance invariant of a build and is run by the
// builder on every root it finishes.
package bytecode
