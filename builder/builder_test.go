package builder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/op"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

func TestEmptyRootReturnsNil(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		b.EndRoot()
	})
	require.Equal(t, 1, nodes.Count())
	code := nodes.Last().Code()
	require.Equal(t, words(op.LoadConstant, 0, op.Return), code.Instructions())
	require.Nil(t, code.ConstantAt(0))
	require.Equal(t, 1, code.MaxStack())
}

func TestImplicitPops(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		b.BeginBlock()
		b.EmitLoadConstant(int64(1))
		b.EmitLoadConstant(int64(2))
		b.EndBlock()
		b.EndRoot()
	})
	require.Equal(t, words(
		op.LoadConstant, 0,
		op.Pop,
		op.LoadConstant, 1,
		op.Pop,
		op.LoadConstant, 2,
		op.Return,
	), nodes.Last().Code().Instructions())
}

func TestWhileLowering(t *testing.T) {
	nodes := build(t, countParser)
	code := nodes.Last().Code()
	require.Equal(t, "count", code.Name())
	require.Equal(t, words(
		op.LoadConstant, 0, // 0
		op.StoreLocal, 0, // 2
		op.LoadLocal, 0, // 4
		op.LoadArgument, 0, // 6
		op.Custom, 0, // 8
		op.BranchFalse, 22, // 10
		op.LoadLocal, 0, // 12
		op.LoadConstant, 1, // 14
		op.Custom, 1, // 16
		op.StoreLocal, 0, // 18
		op.Branch, 4, // 20
		op.LoadLocal, 0, // 22
		op.Return, // 24
		op.LoadConstant, 2, // 25
		op.Return, // 27
	), code.Instructions())
	require.Equal(t, 1, code.LocalCount())
	require.Equal(t, "i", code.LocalNameAt(0))
	require.Equal(t, 2, code.MaxStack())
	require.Equal(t, 2, code.SiteCount())
	require.Equal(t, "LessThan", code.SiteAt(0).Operation.Name)
	require.Equal(t, 2, code.SiteAt(0).Pops)
	require.Equal(t, 1, code.SiteAt(0).Pushes)
}

func TestConditionalLeavesOneValue(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		b.BeginReturn()
		b.BeginConditional()
		b.EmitLoadConstant(true)
		b.EmitLoadConstant(int64(1))
		b.EmitLoadConstant(int64(2))
		b.EndConditional()
		b.EndReturn()
		b.EndRoot()
	})
	code := nodes.Last().Code()
	require.Equal(t, words(
		op.LoadConstant, 0, // 0
		op.BranchFalse, 8, // 2
		op.LoadConstant, 1, // 4
		op.Branch, 10, // 6
		op.LoadConstant, 2, // 8
		op.Return, // 10
		op.LoadConstant, 3, // 11
		op.Return, // 13
	), code.Instructions())
	require.Equal(t, 1, code.MaxStack())
}

func TestTryCatchHandlerTable(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		ex := b.CreateLocal()
		b.BeginTryCatch(ex)
		b.BeginThrow()
		b.EmitLoadConstant(int64(1))
		b.EndThrow()
		b.BeginReturn()
		b.EmitLoadLocal(ex)
		b.EndReturn()
		b.EndTryCatch()
		b.EndRoot()
	})
	code := nodes.Last().Code()
	require.Equal(t, words(
		op.LoadConstant, 0, // 0
		op.Throw, // 2
		op.Branch, 8, // 3
		op.LoadLocal, 0, // 5
		op.Return, // 7
		op.LoadConstant, 1, // 8
		op.Return, // 10
	), code.Instructions())
	require.Equal(t, 1, code.HandlerCount())
	require.Equal(t, bytecode.ExceptionHandler{Start: 0, End: 3, Handler: 5, StackDepth: 0, ExceptionLocal: 0},
		code.HandlerAt(0))
}

func TestShortCircuitBranchesToEnd(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		b.BeginReturn()
		b.BeginShortCircuit("And")
		b.EmitLoadConstant(true)
		b.EmitLoadConstant(false)
		b.EndShortCircuit("And")
		b.EndReturn()
		b.EndRoot()
	})
	code := nodes.Last().Code()
	require.Equal(t, op.CustomShortCircuit, code.OpcodeAt(2))
	require.Equal(t, 0, code.ImmediateAt(2, 0))
	require.Equal(t, 7, code.ImmediateAt(2, 1))
	require.Equal(t, op.Return, code.OpcodeAt(7))
	require.Equal(t, "And", code.SiteAt(0).Operation.Name)
}

func TestFinallyIsCopiedToEveryExit(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		ex := b.CreateLocal()
		b.BeginFinallyTry(ex)
		b.BeginCustom("Print")
		b.EmitLoadConstant("finally")
		b.EndCustom("Print")

		b.BeginReturn()
		b.EmitLoadConstant(int64(1))
		b.EndReturn()
		b.EndFinallyTry()
		b.EndRoot()
	})
	code := nodes.Last().Code()
	// return exit, normal exit and exceptional exit
	require.Equal(t, 3, code.SiteCount())
	require.Equal(t, 1, code.HandlerCount())
	h := code.HandlerAt(0)
	require.Equal(t, 0, h.Start)
	require.Equal(t, 2, h.End)
	require.Equal(t, op.LoadConstant, code.OpcodeAt(h.Handler))
	require.NoError(t, bytecode.Verify(code))
}

func TestFinallyNoExceptHasNoHandler(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		b.BeginFinallyTryNoExcept()
		b.BeginCustom("Print")
		b.EmitLoadConstant("finally")
		b.EndCustom("Print")

		b.BeginCustom("Print")
		b.EmitLoadConstant("body")
		b.EndCustom("Print")
		b.EndFinallyTryNoExcept()
		b.EndRoot()
	})
	code := nodes.Last().Code()
	require.Equal(t, 0, code.HandlerCount())
	require.Equal(t, 2, code.SiteCount())
}

func TestBranchOutOfTryCatchSplitsRange(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		ex := b.CreateLocal()
		b.BeginBlock()
		out := b.CreateLabel()
		b.BeginTryCatch(ex)
		b.BeginBlock()
		b.BeginCustom("Print")
		b.EmitLoadConstant(int64(1))
		b.EndCustom("Print")
		b.EmitBranch(out)
		b.BeginCustom("Print")
		b.EmitLoadConstant(int64(2))
		b.EndCustom("Print")
		b.EndBlock()
		b.BeginBlock()
		b.EndBlock()
		b.EndTryCatch()
		b.EmitLabel(out)
		b.EndBlock()
		b.EndRoot()
	})
	code := nodes.Last().Code()
	require.Equal(t, 2, code.HandlerCount())
	first, second := code.HandlerAt(0), code.HandlerAt(1)
	require.Equal(t, 0, first.Start)
	require.Equal(t, 4, first.End)
	require.Equal(t, 6, second.Start)
	require.Equal(t, first.Handler, second.Handler)
}

func TestNestedRootsAsConstants(t *testing.T) {
	var inner *bytecode.Unit
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		b.SetRootName("outer")
		local := b.CreateLocal()

		b.BeginRoot()
		b.SetRootName("inner")
		b.BeginReturn()
		b.BeginLoadLocalMaterialized(local)
		b.EmitLoadArgument(0)
		b.EndLoadLocalMaterialized()
		b.EndReturn()
		inner = b.EndRoot()

		b.BeginReturn()
		b.EmitLoadConstant(inner)
		b.EndReturn()
		b.EndRoot()
	})
	require.Equal(t, 2, nodes.Count())
	require.Same(t, inner, nodes.Unit(0))
	require.Equal(t, "inner", inner.Name())
	require.Equal(t, 0, inner.BuildIndex())
	require.Equal(t, "outer", nodes.Last().Name())
	require.Same(t, inner, nodes.Last().Code().ConstantAt(0))
	require.Equal(t, 0, inner.Code().LocalCount())
}

func TestMaterializedLocalBeyondOwnLocals(t *testing.T) {
	nodes := build(t, func(b *Builder) {
		b.BeginRoot()
		b.CreateLocal()
		b.CreateLocal()
		third := b.CreateLocal()

		b.BeginRoot()
		b.SetRootName("inner")
		b.CreateLocal()
		b.BeginStoreLocalMaterialized(third)
		b.EmitLoadArgument(0)
		b.EmitLoadConstant(int64(1))
		b.EndStoreLocalMaterialized()
		b.BeginReturn()
		b.BeginLoadLocalMaterialized(third)
		b.EmitLoadArgument(0)
		b.EndLoadLocalMaterialized()
		b.EndReturn()
		b.EndRoot()

		b.EndRoot()
	})
	code := nodes.Unit(0).Code()
	require.Equal(t, 1, code.LocalCount())
	require.NoError(t, bytecode.Verify(code))
	require.Equal(t, op.ImmFrameLocal, op.GetInfo(op.LoadLocalMaterialized).Immediates[0])

	var indices []int
	code.Walk(func(bci int, c op.Code, info op.Info) bool {
		if c == op.LoadLocalMaterialized || c == op.StoreLocalMaterialized {
			indices = append(indices, code.ImmediateAt(bci, 0))
		}
		return true
	})
	require.Equal(t, []int{2, 2}, indices)
}

func TestAuthoringErrors(t *testing.T) {
	tests := []struct {
		name     string
		parser   Parser
		sentinel error
		code     errz.ErrorCode
		message  string
	}{
		{
			name: "unbalanced end",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginBlock()
				b.EndIfThen()
			},
			sentinel: errz.ErrUnbalancedNesting,
			message:  "unexpected operation end, expected EndBlock, but got EndIfThen",
		},
		{
			name: "outside of root",
			parser: func(b *Builder) {
				b.EmitLoadConstant(int64(1))
			},
			sentinel: errz.ErrUnbalancedNesting,
		},
		{
			name: "left open",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginBlock()
			},
			sentinel: errz.ErrUnbalancedNesting,
			message:  "still open",
		},
		{
			name: "too few children",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginIfThen()
				b.EmitLoadConstant(true)
				b.EndIfThen()
			},
			sentinel: errz.ErrArityMismatch,
			message:  "expected exactly 2 children, but got 1",
		},
		{
			name: "too many children",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginIfThen()
				b.EmitLoadConstant(true)
				b.BeginBlock()
				b.EndBlock()
				b.EmitLoadConstant(int64(1))
			},
			sentinel: errz.ErrArityMismatch,
		},
		{
			name: "void condition",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginIfThen()
				b.BeginBlock()
				b.EndBlock()
			},
			sentinel: errz.ErrVoidValueChild,
		},
		{
			name: "void custom argument",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginCustom("Print")
				b.BeginCustom("Print")
				b.EmitLoadConstant(int64(1))
				b.EndCustom("Print")
			},
			sentinel: errz.ErrVoidValueChild,
		},
		{
			name: "label emitted twice",
			parser: func(b *Builder) {
				b.BeginRoot()
				l := b.CreateLabel()
				b.EmitLabel(l)
				b.EmitLabel(l)
			},
			sentinel: errz.ErrLabelMisuse,
			code:     errz.E1004,
		},
		{
			name: "label never emitted",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginBlock()
				b.CreateLabel()
				b.EndBlock()
			},
			sentinel: errz.ErrLabelMisuse,
			code:     errz.E1006,
		},
		{
			name: "label emitted in another operation",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginBlock()
				l := b.CreateLabel()
				b.BeginBlock()
				b.EmitLabel(l)
			},
			sentinel: errz.ErrLabelMisuse,
			code:     errz.E1005,
		},
		{
			name: "label from another root",
			parser: func(b *Builder) {
				b.BeginRoot()
				l := b.CreateLabel()
				b.BeginRoot()
				b.EmitBranch(l)
			},
			sentinel: errz.ErrLabelMisuse,
			code:     errz.E1005,
		},
		{
			name: "branch into an operation",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginBlock()
				l := b.CreateLabel()
				b.EmitLabel(l)
				b.EndBlock()
				b.EmitBranch(l)
			},
			sentinel: errz.ErrLabelMisuse,
			code:     errz.E1005,
		},
		{
			name: "branch depth mismatch",
			parser: func(b *Builder) {
				b.BeginRoot()
				l := b.CreateLabel()
				b.BeginCustom("Add")
				b.EmitLoadConstant(int64(1))
				b.BeginBlock()
				b.EmitBranch(l)
				b.EmitLoadConstant(int64(2))
				b.EndBlock()
				b.EndCustom("Add")
				b.EmitLabel(l)
			},
			sentinel: errz.ErrLabelMisuse,
			code:     errz.E1007,
		},
		{
			name: "branch out of finally handler",
			parser: func(b *Builder) {
				b.BeginRoot()
				l := b.CreateLabel()
				b.BeginFinallyTryNoExcept()
				b.EmitBranch(l)
			},
			sentinel: errz.ErrLabelMisuse,
			code:     errz.E1005,
		},
		{
			name: "return in finally handler",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginFinallyTryNoExcept()
				b.BeginReturn()
				b.EmitLoadConstant(int64(1))
				b.EndReturn()
			},
			sentinel: errz.ErrUnbalancedNesting,
			message:  "finally handler",
		},
		{
			name: "local from another root",
			parser: func(b *Builder) {
				b.BeginRoot()
				l := b.CreateLocal()
				b.BeginRoot()
				b.EmitLoadLocal(l)
			},
			sentinel: errz.ErrLocalMisuse,
			code:     errz.E1008,
		},
		{
			name: "immediate overflow",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.EmitLoadArgument(1 << 16)
			},
			sentinel: errz.ErrUnbalancedNesting,
			code:     errz.E1009,
		},
		{
			name: "code too long",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginBlock()
				for i := 0; i < 22000; i++ {
					b.EmitLoadArgument(0)
				}
				b.EndBlock()
				b.BeginReturn()
				b.BeginYield()
				b.EmitLoadArgument(0)
				b.EndYield()
				b.EndReturn()
				b.EndRoot()
			},
			sentinel: errz.ErrUnbalancedNesting,
			code:     errz.E1009,
			message:  "instruction words, the limit is 65535",
		},
		{
			name: "unknown custom operation",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginCustom("Missing")
			},
			sentinel: errz.ErrInvalidDefinition,
		},
		{
			name: "short circuit used as custom",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginCustom("And")
			},
			sentinel: errz.ErrInvalidDefinition,
		},
		{
			name: "source section outside source",
			parser: func(b *Builder) {
				b.BeginRoot()
				b.BeginSourceSection(0, 1)
			},
			sentinel: errz.ErrUnbalancedNesting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(testModel(t), bytecode.Default, tt.parser)
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.sentinel), "unexpected error: %v", err)
			var se *errz.StructuredError
			require.True(t, errors.As(err, &se))
			require.True(t, se.Kind.IsAuthoring() || se.Kind == errz.ErrDefinition)
			if tt.code != "" {
				require.Equal(t, tt.code, se.Code)
			}
			if tt.message != "" {
				require.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestYieldRequiresDefinitionFlag(t *testing.T) {
	def := testDefinition()
	def.EnableYield = false
	model := operation.MustGenerate(def)
	_, err := Create(model, bytecode.Default, func(b *Builder) {
		b.BeginRoot()
		b.BeginYield()
	})
	require.Error(t, err)
	var se *errz.StructuredError
	require.True(t, errors.As(err, &se))
	require.Equal(t, errz.E1010, se.Code)
}

func TestParserPanicsAreRecovered(t *testing.T) {
	_, err := Create(testModel(t), bytecode.Default, func(b *Builder) {
		panic("boom")
	})
	require.ErrorIs(t, err, errz.ErrInternalInvariant)
	require.Contains(t, err.Error(), "boom")
}
