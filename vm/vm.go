// Package vm provides a tiered Interpreter that executes bytecode units.
//
// Each unit gets a Root holding its runtime state. Roots start in the
// uncached tier when the instruction set enables it and are promoted to the
// cached tier once their invocations plus loop back-edges reach a
// threshold. The cached tier specializes custom call sites on the kinds of
// their arguments and keeps primitive locals unboxed. Attaching an observer
// moves a root to the instrumented tier until it is detached.
package vm

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/config"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Interpreter executes units built for one operation model. It is safe for
// concurrent use.
type Interpreter struct {
	model  *operation.Model
	logger zerolog.Logger

	threshold     int
	checkInterval int
	trusted       bool
	observer      Observer

	roots sync.Map // *bytecode.Unit -> *Root
}

// New creates an Interpreter for units built with model.
func New(model *operation.Model, opts ...Option) *Interpreter {
	it := &Interpreter{
		model:         model,
		logger:        zerolog.Nop(),
		threshold:     config.DefaultThreshold,
		checkInterval: config.DefaultContextCheckInterval,
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Model returns the operation model the interpreter executes.
func (it *Interpreter) Model() *operation.Model {
	return it.model
}

// Trusted reports whether the dispatch loop skips its explicit operand
// checks. It requires both an instruction set allowing it and a
// configuration asking for it.
func (it *Interpreter) Trusted() bool {
	return it.trusted && it.model.Definition().AllowUnsafe
}

// Root returns the runtime state of unit, creating it on first use. When
// two goroutines resolve the same unit concurrently the first stored root
// wins.
func (it *Interpreter) Root(unit *bytecode.Unit) (*Root, error) {
	if unit == nil {
		return nil, errz.NewCoded(errz.ErrInternal, errz.E3006, "", "nil unit")
	}
	if r, ok := it.roots.Load(unit); ok {
		return r.(*Root), nil
	}
	actual, loaded := it.roots.LoadOrStore(unit, newRoot(it, unit))
	r := actual.(*Root)
	if !loaded && it.observer != nil {
		if err := r.Instrument(it.observer); err != nil {
			it.roots.CompareAndDelete(unit, r)
			return nil, err
		}
	}
	return r, nil
}

// Invoke runs unit with the given arguments.
func (it *Interpreter) Invoke(ctx context.Context, unit *bytecode.Unit, args ...any) (any, error) {
	r, err := it.Root(unit)
	if err != nil {
		return nil, err
	}
	return r.Invoke(ctx, args...)
}

// Instrument attaches observer to unit's root.
func (it *Interpreter) Instrument(unit *bytecode.Unit, observer Observer) error {
	r, err := it.Root(unit)
	if err != nil {
		return err
	}
	return r.Instrument(observer)
}

// Detach removes the observer from unit's root, if any.
func (it *Interpreter) Detach(unit *bytecode.Unit) {
	if r, ok := it.roots.Load(unit); ok {
		r.(*Root).Detach()
	}
}
