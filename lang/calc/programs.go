package calc

import (
	"sort"

	"github.com/deepnoodle-ai/bytecodedsl/builder"
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
)

// Program is a named sample parser. The last unit it builds is the entry
// point.
type Program struct {
	Name        string
	Description string
	Parser      builder.Parser
	// Args are sensible default arguments for the entry point.
	Args []any
}

var programs = map[string]Program{
	"count": {
		Name:        "count",
		Description: "i = 0; while i < n { i = i + 1 }; return i",
		Parser:      Count,
		Args:        []any{int64(3)},
	},
	"sum": {
		Name:        "sum",
		Description: "sum of 1..n, with the running total tagged",
		Parser:      Sum,
		Args:        []any{int64(100)},
	},
	"generator": {
		Name:        "generator",
		Description: "y = yield x + 1; return x + y",
		Parser:      Generator,
		Args:        []any{int64(42)},
	},
	"closure": {
		Name:        "closure",
		Description: "makeAdder(a)(b)",
		Parser:      ClosureProgram,
		Args:        []any{int64(2), int64(3)},
	},
	"trycatch": {
		Name:        "trycatch",
		Description: "0 + try { 7 + throw 1 } catch ex { ex + 1 }",
		Parser:      TryCatch,
	},
	"finally": {
		Name:        "finally",
		Description: "finally handler runs before an enclosing catch",
		Parser:      Finally,
	},
}

// Lookup returns the sample program called name.
func Lookup(name string) (Program, bool) {
	p, ok := programs[name]
	return p, ok
}

// Names returns the sample program names in sorted order.
func Names() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func binary(b *builder.Builder, name string, left, right func()) {
	b.BeginCustom(name)
	left()
	right()
	b.EndCustom(name)
}

func store(b *builder.Builder, local *builder.Local, value func()) {
	b.BeginStoreLocal(local)
	value()
	b.EndStoreLocal()
}

func constant(b *builder.Builder, v any) func() {
	return func() { b.EmitLoadConstant(v) }
}

func load(b *builder.Builder, local *builder.Local) func() {
	return func() { b.EmitLoadLocal(local) }
}

func argument(b *builder.Builder, index int) func() {
	return func() { b.EmitLoadArgument(index) }
}

// Count returns its argument by counting up to it.
func Count(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("count")
	i := b.CreateLocalNamed("i")
	store(b, i, constant(b, int64(0)))
	b.BeginWhile()
	binary(b, "LessThan", load(b, i), argument(b, 0))
	store(b, i, func() { binary(b, "Add", load(b, i), constant(b, int64(1))) })
	b.EndWhile()
	b.BeginReturn()
	b.EmitLoadLocal(i)
	b.EndReturn()
	b.EndRoot()
}

// Sum returns 1 + 2 + ... + n.
func Sum(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("sum")
	i := b.CreateLocalNamed("i")
	total := b.CreateLocalNamed("total")
	store(b, i, constant(b, int64(0)))
	store(b, total, constant(b, int64(0)))
	b.BeginWhile()
	binary(b, "LessThan", load(b, i), argument(b, 0))
	b.BeginBlock()
	store(b, i, func() { binary(b, "Add", load(b, i), constant(b, int64(1))) })
	store(b, total, func() {
		b.BeginTag("total")
		binary(b, "Add", load(b, total), load(b, i))
		b.EndTag()
	})
	b.EndBlock()
	b.EndWhile()
	b.BeginReturn()
	b.EmitLoadLocal(total)
	b.EndReturn()
	b.EndRoot()
}

// Generator yields x + 1 and returns x plus the resume value.
func Generator(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("generator")
	y := b.CreateLocalNamed("y")
	store(b, y, func() {
		b.BeginYield()
		binary(b, "Add", argument(b, 0), constant(b, int64(1)))
		b.EndYield()
	})
	b.BeginReturn()
	binary(b, "Add", argument(b, 0), load(b, y))
	b.EndReturn()
	b.EndRoot()
}

// ClosureProgram builds makeAdder(n), returning a closure over n, and an
// entry point computing makeAdder(a)(b).
func ClosureProgram(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("makeAdder")
	n := b.CreateLocalNamed("n")
	store(b, n, argument(b, 0))

	b.BeginRoot()
	b.SetRootName("add")
	b.BeginReturn()
	b.BeginCustom("Add")
	b.BeginLoadLocalMaterialized(n)
	b.EmitLoadArgument(0)
	b.EndLoadLocalMaterialized()
	b.EmitLoadArgument(1)
	b.EndCustom("Add")
	b.EndReturn()
	add := b.EndRoot()

	b.BeginReturn()
	b.BeginCustom("MakeClosure")
	b.EmitLoadConstant(add)
	b.EmitLoadFrame()
	b.EndCustom("MakeClosure")
	b.EndReturn()
	makeAdder := b.EndRoot()

	b.BeginRoot()
	b.SetRootName("closure")
	b.BeginReturn()
	b.BeginCustom("Invoke")
	b.BeginCustom("Invoke")
	b.EmitLoadConstant(makeAdder)
	b.EmitLoadArgument(0)
	b.EndCustom("Invoke")
	b.EmitLoadArgument(1)
	b.EndCustom("Invoke")
	b.EndReturn()
	b.EndRoot()
}

// TryCatch throws 1 while an operand of an addition is on the stack and
// returns the caught value plus one. The result is wrong unless the stack
// is unwound to its depth at the start of the try block.
func TryCatch(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("trycatch")
	ex := b.CreateLocalNamed("ex")
	res := b.CreateLocalNamed("res")
	b.BeginReturn()
	b.BeginCustom("Add")
	b.EmitLoadConstant(int64(0))
	b.BeginConditional()
	b.EmitLoadConstant(true)
	b.BeginBlock()
	b.BeginTryCatch(ex)
	b.BeginCustom("Add")
	b.EmitLoadConstant(int64(7))
	b.BeginBlock()
	b.BeginThrow()
	b.EmitLoadConstant(int64(1))
	b.EndThrow()
	b.EmitLoadConstant(int64(0))
	b.EndBlock()
	b.EndCustom("Add")
	b.BeginBlock()
	b.EmitLoadConstant("scratch")
	store(b, res, func() { binary(b, "Add", load(b, ex), constant(b, int64(1))) })
	b.EndBlock()
	b.EndTryCatch()
	b.EmitLoadLocal(res)
	b.EndBlock()
	b.EmitLoadConstant(int64(0))
	b.EndConditional()
	b.EndCustom("Add")
	b.EndReturn()
	b.EndRoot()
}

// Finally records the order in which a finally handler and an enclosing
// catch run: the result is 111 when the body adds 1, the finally handler
// adds 10 and the catch adds 100.
func Finally(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("finally")
	r := b.CreateLocalNamed("r")
	ex := b.CreateLocalNamed("ex")
	inner := b.CreateLocalNamed("inner")
	store(b, r, constant(b, int64(0)))

	b.BeginTryCatch(ex)
	b.BeginFinallyTry(inner)
	store(b, r, func() { binary(b, "Add", load(b, r), constant(b, int64(10))) })
	b.BeginBlock()
	store(b, r, func() { binary(b, "Add", load(b, r), constant(b, int64(1))) })
	b.BeginThrow()
	b.EmitLoadConstant("boom")
	b.EndThrow()
	b.EndBlock()
	b.EndFinallyTry()
	store(b, r, func() { binary(b, "Add", load(b, r), constant(b, int64(100))) })
	b.EndTryCatch()

	b.BeginReturn()
	b.EmitLoadLocal(r)
	b.EndReturn()
	b.EndRoot()
}

// Build creates the units of the named program.
func Build(name string, cfg bytecode.ReparseConfig, opts ...builder.Option) (*builder.Nodes, error) {
	p, ok := Lookup(name)
	if !ok {
		return nil, &UnknownProgramError{Name: name}
	}
	return builder.Create(Model(), cfg, p.Parser, opts...)
}

// UnknownProgramError is returned by Build for names without a program.
type UnknownProgramError struct {
	Name string
}

func (e *UnknownProgramError) Error() string {
	return "unknown program " + e.Name
}
