package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/bytecodedsl/op"
)

func w(codes ...any) []uint16 {
	out := make([]uint16, 0, len(codes))
	for _, c := range codes {
		switch c := c.(type) {
		case op.Code:
			out = append(out, uint16(c))
		case int:
			out = append(out, uint16(c))
		}
	}
	return out
}

func TestNewCodeImmutability(t *testing.T) {
	// Create input slices
	instructions := w(op.LoadConstant, 0, op.Return)
	constants := []any{int64(42), "hello"}
	handlers := []ExceptionHandler{{Start: 0, End: 2, Handler: 2}}
	localNames := []string{"x"}

	code := NewCode(CodeParams{
		Name:         "test_code",
		Instructions: instructions,
		Constants:    constants,
		Handlers:     handlers,
		LocalNames:   localNames,
		LocalCount:   1,
		MaxStack:     1,
	})

	// Modify the original slices
	instructions[0] = uint16(op.Pop)
	constants[0] = int64(99)
	handlers[0] = ExceptionHandler{Start: 999}
	localNames[0] = "modified"

	// Verify the code was not affected by the modifications
	if code.OpcodeAt(0) != op.LoadConstant {
		t.Errorf("expected instruction 0 to be LoadConstant, got %v", code.OpcodeAt(0))
	}
	if code.ConstantAt(0) != int64(42) {
		t.Errorf("expected constant 0 to be 42, got %v", code.ConstantAt(0))
	}
	if code.HandlerAt(0).Start != 0 {
		t.Errorf("expected handler 0 Start to be 0, got %v", code.HandlerAt(0).Start)
	}
	if code.LocalNameAt(0) != "x" {
		t.Errorf("expected local name 0 to be 'x', got %v", code.LocalNameAt(0))
	}

	copied := code.Instructions()
	copied[0] = uint16(op.Pop)
	require.Equal(t, op.LoadConstant, code.OpcodeAt(0))
}

func TestCodeAccessors(t *testing.T) {
	src := NewSource("main.calc", "let x = 42\nreturn x")
	code := NewCode(CodeParams{
		Name:         "main",
		Instructions: w(op.LoadConstant, 0, op.StoreLocal, 0, op.LoadLocal, 0, op.Return),
		Constants:    []any{int64(42)},
		LocalCount:   1,
		MaxStack:     1,
		LocalNames:   []string{"x"},
		Sources:      []*Source{src},
		SourceMap: []SourceMapEntry{
			{Start: 0, End: 7, SourceIndex: 0, CharStart: 0, CharLength: 19},
			{Start: 4, End: 7, SourceIndex: 0, CharStart: 11, CharLength: 8},
		},
		WithSource: true,
	})

	require.Equal(t, "main", code.Name())
	require.Equal(t, 7, code.InstructionCount())
	require.Equal(t, op.StoreLocal, code.OpcodeAt(2))
	require.Equal(t, 0, code.ImmediateAt(2, 0))
	require.Equal(t, 2, code.FrameSize())
	require.Equal(t, "x", code.LocalNameAt(0))
	require.Equal(t, "", code.LocalNameAt(5))
	require.True(t, code.HasSourceInfo())
	require.False(t, code.HasInstrumentation())

	section, ok := code.SourceSectionAt(4)
	require.True(t, ok)
	require.Equal(t, "return x", section.Text())
	require.Equal(t, SourceLocation{Line: 2, Column: 1}, section.Location())
	require.Equal(t, "main.calc:2:1", section.String())

	section, ok = code.SourceSectionAt(0)
	require.True(t, ok)
	require.Equal(t, 0, section.Start)

	_, ok = code.SourceSectionAt(100)
	require.False(t, ok)
}

func TestFindHandlerInnermostFirst(t *testing.T) {
	code := NewCode(CodeParams{
		Handlers: []ExceptionHandler{
			{Start: 4, End: 8, Handler: 20},
			{Start: 0, End: 12, Handler: 30},
		},
	})
	h, ok := code.FindHandler(5)
	require.True(t, ok)
	require.Equal(t, 20, h.Handler)
	h, ok = code.FindHandler(10)
	require.True(t, ok)
	require.Equal(t, 30, h.Handler)
	_, ok = code.FindHandler(12)
	require.False(t, ok)
}

func TestGetStats(t *testing.T) {
	inner := NewUnit(0, NewCode(CodeParams{Name: "inner"}), nil)
	code := NewCode(CodeParams{
		Instructions: w(op.LoadConstant, 0, op.Pop, op.LoadConstant, 1, op.Return),
		Constants:    []any{inner, nil},
		MaxStack:     1,
	})
	stats := GetStats(code)
	require.Equal(t, 4, stats.InstructionCount)
	require.Equal(t, 6, stats.WordCount)
	require.Equal(t, 2, stats.ConstantCount)
	require.Equal(t, 1, stats.UnitCount)
	require.Equal(t, 1, stats.FrameSize)
}
