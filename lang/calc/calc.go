// Package calc is a small instruction set over int64, float64, bool and
// string values. It is used by the command line tool and by tests that need
// a realistic guest language.
package calc

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
	"github.com/deepnoodle-ai/bytecodedsl/vm"
)

// Closure pairs a unit with the frame it captured. The unit receives the
// frame as argument 0, followed by the call arguments.
type Closure struct {
	Unit  *bytecode.Unit
	Frame *vm.Frame
}

func (c *Closure) String() string {
	return fmt.Sprintf("closure(%s)", c.Unit)
}

var model = sync.OnceValue(func() *operation.Model {
	return operation.MustGenerate(Definition())
})

// Model returns the generated calc model. It is created once.
func Model() *operation.Model {
	return model()
}

// Definition returns the calc instruction set.
func Definition() operation.Definition {
	return operation.Definition{
		Name:                   "calc",
		EnableUncached:         true,
		EnableYield:            true,
		EnableSerialization:    true,
		EnableInstrumentation:  true,
		EnableQuickening:       true,
		StoreBciInFrame:        true,
		AllowUnsafe:            true,
		BoxingEliminationKinds: []operation.ValueKind{operation.Int64, operation.Float64, operation.Bool},
		Operations: []operation.CustomOperation{
			arithmetic("Add", func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b }),
			arithmetic("Sub", func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }),
			arithmetic("Mul", func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b }),
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
				Generic: lessThan,
			},
			{
				Name:    "Equals",
				Arity:   2,
				Generic: equals,
			},
			{
				Name:  "Not",
				Arity: 1,
				Generic: func(ctx context.Context, args []any) (any, error) {
					return !operation.Truthy(args[0]), nil
				},
			},
			{
				Name:  "ToBool",
				Arity: 1,
				Specializations: []operation.Specialization{
					{
						Name:      "ToBoolBool",
						Signature: []operation.ValueKind{operation.Bool},
						Fn: func(ctx context.Context, args []any) (any, error) {
							return args[0], nil
						},
					},
				},
				Generic: func(ctx context.Context, args []any) (any, error) {
					return operation.Truthy(args[0]), nil
				},
			},
			{
				Name:    "MakeClosure",
				Arity:   2,
				Generic: makeClosure,
			},
			{
				Name:     "Invoke",
				Arity:    1,
				Variadic: true,
				Generic:  invoke,
			},
			{
				Name:    "CurrentBci",
				Generic: currentBci,
			},
			{
				Name:  "Fail",
				Arity: 1,
				Generic: func(ctx context.Context, args []any) (any, error) {
					return nil, fmt.Errorf("%v", args[0])
				},
			},
		},
		ShortCircuits: []operation.ShortCircuitOperation{
			{Name: "And", ContinueWhen: true, Converter: "ToBool"},
			{Name: "Or", ContinueWhen: false, Converter: "ToBool"},
		},
	}
}

// arithmetic declares a binary numeric operation with int64 and float64
// fast paths. Mixed operands are computed in float64.
func arithmetic(name string, ints func(a, b int64) int64, floats func(a, b float64) float64) operation.CustomOperation {
	return operation.CustomOperation{
		Name:  name,
		Arity: 2,
		Specializations: []operation.Specialization{
			{
				Name:      name + "Int64s",
				Signature: []operation.ValueKind{operation.Int64, operation.Int64},
				Fn: func(ctx context.Context, args []any) (any, error) {
					return ints(args[0].(int64), args[1].(int64)), nil
				},
			},
			{
				Name:      name + "Float64s",
				Signature: []operation.ValueKind{operation.Float64, operation.Float64},
				Fn: func(ctx context.Context, args []any) (any, error) {
					return floats(args[0].(float64), args[1].(float64)), nil
				},
			},
		},
		Generic: func(ctx context.Context, args []any) (any, error) {
			if a, ok := args[0].(int64); ok {
				if b, ok := args[1].(int64); ok {
					return ints(a, b), nil
				}
			}
			if name == "Add" {
				if a, ok := args[0].(string); ok {
					return a + fmt.Sprint(args[1]), nil
				}
			}
			a, aok := toFloat(args[0])
			b, bok := toFloat(args[1])
			if !aok || !bok {
				return nil, fmt.Errorf("unsupported operand types for %s: %T and %T", name, args[0], args[1])
			}
			return floats(a, b), nil
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func lessThan(ctx context.Context, args []any) (any, error) {
	if a, ok := args[0].(string); ok {
		if b, ok := args[1].(string); ok {
			return a < b, nil
		}
	}
	a, aok := toFloat(args[0])
	b, bok := toFloat(args[1])
	if !aok || !bok {
		return nil, fmt.Errorf("unsupported operand types for LessThan: %T and %T", args[0], args[1])
	}
	return a < b, nil
}

func equals(ctx context.Context, args []any) (any, error) {
	a, aok := toFloat(args[0])
	b, bok := toFloat(args[1])
	if aok && bok {
		return a == b, nil
	}
	for _, v := range args {
		if v != nil && !reflect.TypeOf(v).Comparable() {
			return false, nil
		}
	}
	return args[0] == args[1], nil
}

func makeClosure(ctx context.Context, args []any) (any, error) {
	unit, ok := args[0].(*bytecode.Unit)
	if !ok {
		return nil, fmt.Errorf("MakeClosure expects a unit, got %T", args[0])
	}
	frame, ok := args[1].(*vm.Frame)
	if !ok {
		return nil, fmt.Errorf("MakeClosure expects a frame, got %T", args[1])
	}
	return &Closure{Unit: unit, Frame: frame}, nil
}

func invoke(ctx context.Context, args []any) (any, error) {
	switch fn := args[0].(type) {
	case *Closure:
		callArgs := make([]any, 0, len(args))
		callArgs = append(callArgs, fn.Frame)
		callArgs = append(callArgs, args[1:]...)
		return vm.Call(ctx, fn.Unit, callArgs...)
	case *bytecode.Unit:
		return vm.Call(ctx, fn, args[1:]...)
	default:
		return nil, fmt.Errorf("%T is not callable", args[0])
	}
}

func currentBci(ctx context.Context, args []any) (any, error) {
	frame, ok := vm.FrameFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("CurrentBci called outside of an invocation")
	}
	bci, err := frame.Bci()
	if err != nil {
		return nil, err
	}
	return int64(bci), nil
}
