package bytecodedsl

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/bytecodedsl/builder"
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/config"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/lang/calc"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
	"github.com/deepnoodle-ai/bytecodedsl/vm"
)

func TestCompileAndRun(t *testing.T) {
	prog, err := Compile(calc.Definition(), calc.Count)
	require.NoError(t, err)
	require.Equal(t, "count", prog.Entry().Name())
	require.Equal(t, 1, prog.Nodes().Count())

	result, err := prog.Run(context.Background(), int64(5))
	require.NoError(t, err)
	require.Equal(t, int64(5), result)
}

func TestRun(t *testing.T) {
	result, err := Run(context.Background(), calc.Definition(), calc.Sum, []any{int64(10)})
	require.NoError(t, err)
	require.Equal(t, int64(55), result)
}

func TestCompileModel(t *testing.T) {
	prog, err := CompileModel(calc.Model(), calc.ClosureProgram)
	require.NoError(t, err)
	require.Same(t, calc.Model(), prog.Interpreter().Model())
	result, err := prog.Run(context.Background(), int64(40), int64(2))
	require.NoError(t, err)
	require.Equal(t, int64(42), result)
}

func TestInvalidDefinition(t *testing.T) {
	_, err := Compile(operation.Definition{
		Name:       "broken",
		Operations: []operation.CustomOperation{{Name: "NoGeneric", Arity: 1}},
	}, calc.Count)
	require.Error(t, err)
	require.True(t, errors.Is(err, errz.ErrInvalidDefinition))
}

func TestBuildError(t *testing.T) {
	_, err := Compile(calc.Definition(), func(b *builder.Builder) {
		b.BeginRoot()
		b.BeginReturn()
		b.EndRoot()
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, errz.ErrUnbalancedNesting))
}

func TestWithConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tiering.Threshold = 0
	prog, err := Compile(calc.Definition(), calc.Count, WithConfig(cfg))
	require.NoError(t, err)
	_, err = prog.Run(context.Background(), int64(3))
	require.NoError(t, err)

	root, err := prog.Root()
	require.NoError(t, err)
	require.Equal(t, vm.Cached, root.Tier())
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	cfg := config.Default()
	cfg.Tiering.Threshold = 1
	prog, err := Compile(calc.Definition(), calc.Count, WithConfig(cfg), WithLogger(logger))
	require.NoError(t, err)
	_, err = prog.Run(context.Background(), int64(3))
	require.NoError(t, err)
	require.Contains(t, buf.String(), "count")
}

type probeCounter struct {
	vm.NoOpObserver
	enters atomic.Int64
}

func (p *probeCounter) OnEnter(vm.ProbeEvent) bool {
	p.enters.Add(1)
	return true
}

func TestWithObserver(t *testing.T) {
	counter := &probeCounter{}
	prog, err := Compile(calc.Definition(), calc.Sum,
		WithReparseConfig(bytecode.WithInstrumentation),
		WithObserver(counter))
	require.NoError(t, err)
	require.True(t, prog.Nodes().HasInstrumentation())

	result, err := prog.Run(context.Background(), int64(4))
	require.NoError(t, err)
	require.Equal(t, int64(10), result)
	require.Equal(t, int64(4), counter.enters.Load())
}

func TestYieldingEntry(t *testing.T) {
	prog, err := Compile(calc.Definition(), calc.Generator)
	require.NoError(t, err)
	result, err := prog.Run(context.Background(), int64(1))
	require.NoError(t, err)
	cont, ok := result.(*vm.ContinuationResult)
	require.True(t, ok)
	require.Equal(t, int64(2), cont.Result())

	result, err = cont.Resume(context.Background(), int64(9))
	require.NoError(t, err)
	require.Equal(t, int64(10), result)
}
