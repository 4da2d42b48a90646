package vm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/bytecodedsl/builder"
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// testDefinition is a small instruction set with the features the
// interpreter tests exercise. Add has int64 and float64 fast paths.
func testDefinition() operation.Definition {
	return operation.Definition{
		Name:                   "vmtest",
		EnableUncached:         true,
		EnableYield:            true,
		EnableSerialization:    true,
		EnableInstrumentation:  true,
		EnableQuickening:       true,
		StoreBciInFrame:        true,
		AllowUnsafe:            true,
		BoxingEliminationKinds: []operation.ValueKind{operation.Int64, operation.Float64, operation.Bool},
		Operations: []operation.CustomOperation{
			{
				Name:  "Add",
				Arity: 2,
				Specializations: []operation.Specialization{
					{
						Name:      "AddInt64s",
						Signature: []operation.ValueKind{operation.Int64, operation.Int64},
						Fn: func(ctx context.Context, args []any) (any, error) {
							return args[0].(int64) + args[1].(int64), nil
						},
					},
					{
						Name:      "AddFloat64s",
						Signature: []operation.ValueKind{operation.Float64, operation.Float64},
						Fn: func(ctx context.Context, args []any) (any, error) {
							return args[0].(float64) + args[1].(float64), nil
						},
					},
				},
				Generic: func(ctx context.Context, args []any) (any, error) {
					if a, ok := args[0].(int64); ok {
						if b, ok := args[1].(int64); ok {
							return a + b, nil
						}
					}
					a, aok := toFloat(args[0])
					b, bok := toFloat(args[1])
					if !aok || !bok {
						return nil, fmt.Errorf("cannot add %T and %T", args[0], args[1])
					}
					return a + b, nil
				},
			},
			{
				Name:  "LessThan",
				Arity: 2,
				Specializations: []operation.Specialization{
					{
						Name:      "LessThanInt64s",
						Signature: []operation.ValueKind{operation.Int64, operation.Int64},
						Fn: func(ctx context.Context, args []any) (any, error) {
							return args[0].(int64) < args[1].(int64), nil
						},
					},
				},
				Generic: func(ctx context.Context, args []any) (any, error) {
					a, _ := toFloat(args[0])
					b, _ := toFloat(args[1])
					return a < b, nil
				},
			},
			{
				Name:  "ToBool",
				Arity: 1,
				Generic: func(ctx context.Context, args []any) (any, error) {
					return operation.Truthy(args[0]), nil
				},
			},
			{
				Name:     "Call",
				Arity:    1,
				Variadic: true,
				Generic: func(ctx context.Context, args []any) (any, error) {
					return Call(ctx, args[0].(*bytecode.Unit), args[1:]...)
				},
			},
			{
				Name: "Bci",
				Generic: func(ctx context.Context, args []any) (any, error) {
					f, ok := FrameFromContext(ctx)
					if !ok {
						return nil, fmt.Errorf("no frame")
					}
					bci, err := f.Bci()
					if err != nil {
						return nil, err
					}
					return int64(bci), nil
				},
			},
			{
				Name:  "Panic",
				Arity: 0,
				Generic: func(ctx context.Context, args []any) (any, error) {
					panic("custom operation panicked")
				},
			},
		},
		ShortCircuits: []operation.ShortCircuitOperation{
			{Name: "And", ContinueWhen: true, Converter: "ToBool"},
			{Name: "Or", ContinueWhen: false, Converter: "ToBool"},
		},
	}
}

var testModel = operation.MustGenerate(testDefinition())

// fixture configures an interpreter for one tier.
type fixture struct {
	name string
	tier Tier
	opts []Option
}

var fixtures = []fixture{
	{"uncached", Uncached, []Option{WithThreshold(1 << 30)}},
	{"cached", Cached, []Option{WithThreshold(0)}},
	{"instrumented", Instrumented, []Option{WithThreshold(0), WithObserver(NoOpObserver{})}},
}

func forEachTier(t *testing.T, fn func(t *testing.T, fx fixture)) {
	for _, fx := range fixtures {
		t.Run(fx.name, func(t *testing.T) {
			fn(t, fx)
		})
	}
}

func create(t *testing.T, parser builder.Parser) *builder.Nodes {
	t.Helper()
	return createWith(t, testModel, parser)
}

func createWith(t *testing.T, model *operation.Model, parser builder.Parser) *builder.Nodes {
	t.Helper()
	nodes, err := builder.Create(model, bytecode.Default, parser)
	require.NoError(t, err)
	return nodes
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

func returns(b *builder.Builder, value func()) {
	b.BeginReturn()
	value()
	b.EndReturn()
}

// countParser counts a local up to argument 0 and returns it.
func countParser(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("count")
	i := b.CreateLocalNamed("i")
	store(b, i, constant(b, int64(0)))
	b.BeginWhile()
	binary(b, "LessThan", load(b, i), argument(b, 0))
	store(b, i, func() { binary(b, "Add", load(b, i), constant(b, int64(1))) })
	b.EndWhile()
	returns(b, load(b, i))
	b.EndRoot()
}

// generatorParser yields argument 0 plus one and returns argument 0 plus
// the resume value.
func generatorParser(b *builder.Builder) {
	b.BeginRoot()
	b.SetRootName("generator")
	y := b.CreateLocalNamed("y")
	store(b, y, func() {
		b.BeginYield()
		binary(b, "Add", argument(b, 0), constant(b, int64(1)))
		b.EndYield()
	})
	returns(b, func() { binary(b, "Add", argument(b, 0), load(b, y)) })
	b.EndRoot()
}

// siteIndex returns the index of the nth call site of the named operation.
func siteIndex(t *testing.T, code *bytecode.Code, name string, nth int) int {
	t.Helper()
	for i := 0; i < code.SiteCount(); i++ {
		if code.SiteAt(i).Operation.Name != name {
			continue
		}
		if nth == 0 {
			return i
		}
		nth--
	}
	require.FailNow(t, "site not found", name)
	return -1
}

// recordingObserver counts steps and records probe events. It halts once
// haltAfter steps were observed, when haltAfter is positive.
type recordingObserver struct {
	cfg       ObserverConfig
	haltAfter int64

	steps  atomic.Int64
	enters []ProbeEvent
	leaves []ProbeEvent
}

func (o *recordingObserver) Config() ObserverConfig {
	return o.cfg
}

func (o *recordingObserver) OnStep(StepEvent) bool {
	n := o.steps.Add(1)
	return o.haltAfter <= 0 || n < o.haltAfter
}

func (o *recordingObserver) OnEnter(e ProbeEvent) bool {
	o.enters = append(o.enters, e)
	return true
}

func (o *recordingObserver) OnLeave(e ProbeEvent) bool {
	o.leaves = append(o.leaves, e)
	return true
}
