package calc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/bytecodedsl/builder"
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/vm"
)

var tiers = []struct {
	name      string
	threshold int
}{
	{"uncached", 1 << 30},
	{"cached", 0},
}

func run(t *testing.T, threshold int, nodes *builder.Nodes, args ...any) (any, error) {
	t.Helper()
	it := vm.New(Model(), vm.WithThreshold(threshold))
	return it.Invoke(context.Background(), nodes.Last(), args...)
}

func TestPrograms(t *testing.T) {
	tests := []struct {
		name     string
		args     []any
		expected any
	}{
		{"count", []any{int64(3)}, int64(3)},
		{"count", []any{int64(0)}, int64(0)},
		{"sum", []any{int64(100)}, int64(5050)},
		{"closure", []any{int64(2), int64(3)}, int64(5)},
		{"closure", []any{int64(40), int64(2)}, int64(42)},
		{"trycatch", nil, int64(2)},
		{"finally", nil, int64(111)},
	}
	for _, tier := range tiers {
		for _, tt := range tests {
			t.Run(tier.name+"/"+tt.name, func(t *testing.T) {
				nodes, err := Build(tt.name, bytecode.Default)
				require.NoError(t, err)
				result, err := run(t, tier.threshold, nodes, tt.args...)
				require.NoError(t, err)
				require.Equal(t, tt.expected, result)
			})
		}
	}
}

func TestProgramDefaults(t *testing.T) {
	for _, name := range Names() {
		p, ok := Lookup(name)
		require.True(t, ok)
		require.Equal(t, name, p.Name)
		require.NotEmpty(t, p.Description)
		nodes, err := Build(name, bytecode.Default)
		require.NoError(t, err)
		_, err = run(t, 0, nodes, p.Args...)
		require.NoError(t, err, name)
	}
}

func TestNames(t *testing.T) {
	require.Equal(t, []string{"closure", "count", "finally", "generator", "sum", "trycatch"}, Names())
}

func TestBuildUnknown(t *testing.T) {
	_, err := Build("nope", bytecode.Default)
	var unknown *UnknownProgramError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, "nope", unknown.Name)
	require.EqualError(t, err, "unknown program nope")
}

func TestGenerator(t *testing.T) {
	for _, tier := range tiers {
		t.Run(tier.name, func(t *testing.T) {
			nodes, err := Build("generator", bytecode.Default)
			require.NoError(t, err)
			result, err := run(t, tier.threshold, nodes, int64(42))
			require.NoError(t, err)
			cont, ok := result.(*vm.ContinuationResult)
			require.True(t, ok, "expected a continuation, got %T", result)
			require.Equal(t, int64(43), cont.Result())
			require.Same(t, nodes.Last(), cont.Unit())

			result, err = cont.Resume(context.Background(), int64(58))
			require.NoError(t, err)
			require.Equal(t, int64(100), result)
		})
	}
}

func TestCurrentBci(t *testing.T) {
	nodes, err := builder.Create(Model(), bytecode.Default, func(b *builder.Builder) {
		b.BeginRoot()
		x := b.CreateLocal()
		store(b, x, constant(b, int64(1)))
		b.BeginReturn()
		b.EmitCustom("CurrentBci")
		b.EndReturn()
		b.EndRoot()
	})
	require.NoError(t, err)
	result, err := run(t, 0, nodes)
	require.NoError(t, err)
	require.Equal(t, int64(4), result)
}

func TestFailIsCatchable(t *testing.T) {
	nodes, err := builder.Create(Model(), bytecode.Default, func(b *builder.Builder) {
		b.BeginRoot()
		ex := b.CreateLocalNamed("ex")
		b.BeginTryCatch(ex)
		b.BeginReturn()
		b.BeginCustom("Fail")
		b.EmitLoadConstant("bad input")
		b.EndCustom("Fail")
		b.EndReturn()
		b.BeginReturn()
		b.EmitLoadLocal(ex)
		b.EndReturn()
		b.EndTryCatch()
		b.EndRoot()
	})
	require.NoError(t, err)
	result, err := run(t, 0, nodes)
	require.NoError(t, err)
	caught, ok := result.(error)
	require.True(t, ok, "expected an error value, got %T", result)
	require.EqualError(t, caught, "bad input")
}

func TestUncaughtFail(t *testing.T) {
	nodes, err := builder.Create(Model(), bytecode.Default, func(b *builder.Builder) {
		b.BeginRoot()
		b.SetRootName("failing")
		b.BeginReturn()
		b.BeginCustom("Fail")
		b.EmitLoadConstant("bad input")
		b.EndCustom("Fail")
		b.EndReturn()
		b.EndRoot()
	})
	require.NoError(t, err)
	_, err = run(t, 0, nodes)
	require.Error(t, err)
	require.True(t, errors.Is(err, errz.ErrGuestException))
	var ge *vm.GuestError
	require.True(t, errors.As(err, &ge))
	require.Equal(t, 2, ge.Bci)
	require.Contains(t, err.Error(), "bad input")
}

func TestUnsupportedOperands(t *testing.T) {
	nodes, err := builder.Create(Model(), bytecode.Default, func(b *builder.Builder) {
		b.BeginRoot()
		b.BeginReturn()
		binary(b, "Sub", constant(b, "a"), constant(b, true))
		b.EndReturn()
		b.EndRoot()
	})
	require.NoError(t, err)
	_, err = run(t, 0, nodes)
	require.ErrorContains(t, err, "unsupported operand types for Sub: string and bool")
}

func shortCircuit(name string, values ...any) builder.Parser {
	return func(b *builder.Builder) {
		b.BeginRoot()
		b.BeginReturn()
		b.BeginShortCircuit(name)
		for _, v := range values {
			b.EmitLoadConstant(v)
		}
		b.EndShortCircuit(name)
		b.EndReturn()
		b.EndRoot()
	}
}

func TestShortCircuits(t *testing.T) {
	tests := []struct {
		name     string
		values   []any
		expected any
	}{
		{"And", []any{true, int64(1), "x"}, "x"},
		{"And", []any{true, int64(0), "x"}, int64(0)},
		{"And", []any{"", true}, ""},
		{"Or", []any{int64(0), "", int64(5)}, int64(5)},
		{"Or", []any{int64(0), int64(3), int64(5)}, int64(3)},
		{"Or", []any{false, false}, false},
	}
	for _, tier := range tiers {
		for _, tt := range tests {
			nodes, err := builder.Create(Model(), bytecode.Default, shortCircuit(tt.name, tt.values...))
			require.NoError(t, err)
			result, err := run(t, tier.threshold, nodes)
			require.NoError(t, err)
			require.Equal(t, tt.expected, result, "%s %s%v", tier.name, tt.name, tt.values)
		}
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		op       string
		a, b     any
		expected any
	}{
		{"Add", int64(2), int64(3), int64(5)},
		{"Add", 1.5, int64(2), 3.5},
		{"Add", "n=", int64(4), "n=4"},
		{"Sub", int64(2), int64(3), int64(-1)},
		{"Mul", 2.0, 4.0, 8.0},
		{"LessThan", "a", "b", true},
		{"LessThan", int64(3), 2.5, false},
		{"Equals", int64(2), 2.0, true},
		{"Equals", "x", "x", true},
		{"Equals", "x", int64(1), false},
	}
	for _, tt := range tests {
		nodes, err := builder.Create(Model(), bytecode.Default, func(b *builder.Builder) {
			b.BeginRoot()
			b.BeginReturn()
			binary(b, tt.op, constant(b, tt.a), constant(b, tt.b))
			b.EndReturn()
			b.EndRoot()
		})
		require.NoError(t, err)
		result, err := run(t, 0, nodes)
		require.NoError(t, err)
		require.Equal(t, tt.expected, result, "%s(%v, %v)", tt.op, tt.a, tt.b)
	}
}

func TestSerializedProgramsRun(t *testing.T) {
	ctx := context.Background()
	for _, name := range Names() {
		p, _ := Lookup(name)
		var buf bytes.Buffer
		require.NoError(t, builder.Serialize(ctx, Model(), &buf, nil, p.Parser), name)
		data := buf.Bytes()
		nodes, err := builder.Deserialize(ctx, Model(), bytecode.Default, func() (io.Reader, error) {
			return bytes.NewReader(data), nil
		}, nil)
		require.NoError(t, err, name)

		original, err := Build(name, bytecode.Default)
		require.NoError(t, err)
		require.Equal(t, original.Count(), nodes.Count(), name)
		require.Equal(t, original.Last().Code().Instructions(), nodes.Last().Code().Instructions(), name)

		expected, err := run(t, 0, original, p.Args...)
		require.NoError(t, err)
		result, err := run(t, 0, nodes, p.Args...)
		require.NoError(t, err)
		if cont, ok := expected.(*vm.ContinuationResult); ok {
			require.Equal(t, cont.Result(), result.(*vm.ContinuationResult).Result(), name)
			continue
		}
		require.Equal(t, expected, result, name)
	}
}
