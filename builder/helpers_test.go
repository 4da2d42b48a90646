package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/op"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

func int64s(args []any) (int64, int64) {
	return args[0].(int64), args[1].(int64)
}

func testDefinition() operation.Definition {
	return operation.Definition{
		Name:                  "test",
		EnableYield:           true,
		EnableSerialization:   true,
		EnableInstrumentation: true,
		Operations: []operation.CustomOperation{
			{
				Name:  "Add",
				Arity: 2,
				Generic: func(ctx context.Context, args []any) (any, error) {
					a, b := int64s(args)
					return a + b, nil
				},
			},
			{
				Name:  "LessThan",
				Arity: 2,
				Generic: func(ctx context.Context, args []any) (any, error) {
					a, b := int64s(args)
					return a < b, nil
				},
			},
			{
				Name:  "Print",
				Arity: 1,
				Void:  true,
				Generic: func(ctx context.Context, args []any) (any, error) {
					return nil, nil
				},
			},
			{
				Name:  "ToBool",
				Arity: 1,
				Generic: func(ctx context.Context, args []any) (any, error) {
					return operation.Truthy(args[0]), nil
				},
			},
		},
		ShortCircuits: []operation.ShortCircuitOperation{
			{Name: "And", ContinueWhen: true, Converter: "ToBool"},
		},
	}
}

func testModel(t *testing.T) *operation.Model {
	t.Helper()
	m, err := operation.Generate(testDefinition())
	require.NoError(t, err)
	return m
}

func build(t *testing.T, parser Parser) *Nodes {
	t.Helper()
	nodes, err := Create(testModel(t), bytecode.Default, parser)
	require.NoError(t, err)
	return nodes
}

func words(codes ...any) []uint16 {
	out := make([]uint16, 0, len(codes))
	for _, c := range codes {
		switch c := c.(type) {
		case int:
			out = append(out, uint16(c))
		case op.Code:
			out = append(out, uint16(c))
		}
	}
	return out
}

func emitAdd(b *Builder, x, y int64) {
	b.BeginCustom("Add")
	b.EmitLoadConstant(x)
	b.EmitLoadConstant(y)
	b.EndCustom("Add")
}

// countParser stores 0 into a local, increments it while it is below the
// first argument and returns it.
func countParser(b *Builder) {
	b.BeginRoot()
	b.SetRootName("count")
	i := b.CreateLocalNamed("i")
	b.BeginStoreLocal(i)
	b.EmitLoadConstant(int64(0))
	b.EndStoreLocal()

	b.BeginWhile()
	b.BeginCustom("LessThan")
	b.EmitLoadLocal(i)
	b.EmitLoadArgument(0)
	b.EndCustom("LessThan")

	b.BeginStoreLocal(i)
	b.BeginCustom("Add")
	b.EmitLoadLocal(i)
	b.EmitLoadConstant(int64(1))
	b.EndCustom("Add")
	b.EndStoreLocal()
	b.EndWhile()

	b.BeginReturn()
	b.EmitLoadLocal(i)
	b.EndReturn()
	b.EndRoot()
}
