package vm

import (
	"context"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

type contextKey int

const (
	interpreterKey contextKey = iota
	frameKey
)

func withInterpreter(ctx context.Context, it *Interpreter) context.Context {
	if cur, ok := ctx.Value(interpreterKey).(*Interpreter); ok && cur == it {
		return ctx
	}
	return context.WithValue(ctx, interpreterKey, it)
}

func withFrame(ctx context.Context, f *Frame) context.Context {
	return context.WithValue(ctx, frameKey, f)
}

// InterpreterFromContext returns the interpreter running the custom
// operation that received ctx.
func InterpreterFromContext(ctx context.Context) (*Interpreter, bool) {
	it, ok := ctx.Value(interpreterKey).(*Interpreter)
	return it, ok
}

// FrameFromContext returns the frame of the invocation running the custom
// operation that received ctx.
func FrameFromContext(ctx context.Context) (*Frame, bool) {
	f, ok := ctx.Value(frameKey).(*Frame)
	return f, ok
}

// Call invokes unit on the interpreter carried by ctx. Custom operations use
// it to call other units, such as closures.
func Call(ctx context.Context, unit *bytecode.Unit, args ...any) (any, error) {
	it, ok := InterpreterFromContext(ctx)
	if !ok {
		return nil, errz.NewCoded(errz.ErrInternal, errz.E3006, unit.String(),
			"no interpreter in context")
	}
	return it.Invoke(ctx, unit, args...)
}

// Run invokes unit on a new interpreter for model and returns the result.
func Run(ctx context.Context, model *operation.Model, unit *bytecode.Unit, args []any, opts ...Option) (any, error) {
	return New(model, opts...).Invoke(ctx, unit, args...)
}
