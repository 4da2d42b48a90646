package vm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Tier identifies how a root executes custom operations.
type Tier uint32

const (
	// Uncached calls the generic implementation of every custom operation
	// and keeps no per-site state.
	Uncached Tier = iota
	// Cached specializes custom call sites and unboxes primitive locals.
	Cached
	// Instrumented is Cached plus probe and step callbacks to an observer.
	Instrumented
)

func (t Tier) String() string {
	switch t {
	case Uncached:
		return "uncached"
	case Cached:
		return "cached"
	case Instrumented:
		return "instrumented"
	default:
		return "unknown"
	}
}

// Root is the runtime state of one unit within an Interpreter. It is safe
// for concurrent use: every invocation runs on its own frame.
type Root struct {
	interp *Interpreter
	unit   *bytecode.Unit
	log    zerolog.Logger

	tier       atomic.Uint32
	countdown  atomic.Int64
	promotions atomic.Int32
	observer   atomic.Pointer[attachedObserver]
	loaded     atomic.Pointer[loadedCode]

	invocations atomic.Uint64
}

func newRoot(it *Interpreter, unit *bytecode.Unit) *Root {
	r := &Root{
		interp: it,
		unit:   unit,
		log: it.logger.With().
			Str("unit", unit.String()).
			Stringer("unit_id", unit.ID()).
			Logger(),
	}
	r.countdown.Store(int64(it.threshold))
	if !it.model.Definition().EnableUncached {
		r.tier.Store(uint32(Cached))
	}
	return r
}

// Unit returns the unit this root executes.
func (r *Root) Unit() *bytecode.Unit {
	return r.unit
}

// Tier returns the root's current tier.
func (r *Root) Tier() Tier {
	return Tier(r.tier.Load())
}

func (r *Root) logger() *zerolog.Logger {
	return &r.log
}

// tick counts invocations and back-edges toward promotion. It reports
// whether the root left the uncached tier.
func (r *Root) tick(n int64) bool {
	if r.Tier() != Uncached {
		return false
	}
	if r.countdown.Add(-n) > 0 {
		return false
	}
	r.promote()
	return true
}

// promote moves the root from the uncached to the cached tier. Concurrent
// callers race on a compare-and-swap, so the tier state is installed once.
func (r *Root) promote() {
	if !r.tier.CompareAndSwap(uint32(Uncached), uint32(Cached)) {
		return
	}
	r.promotions.Add(1)
	r.logger().Debug().
		Int("threshold", r.interp.threshold).
		Msg("promoted to cached tier")
}

// load returns the runtime state for code. Only the unit's current build is
// installed; frames running an older build get private state.
func (r *Root) load(code *bytecode.Code) *loadedCode {
	if l := r.loaded.Load(); l != nil && l.Code == code {
		return l
	}
	l := loadCode(r, code)
	for {
		cur := r.loaded.Load()
		if cur != nil && cur.Code == code {
			return cur
		}
		if code != r.unit.Code() {
			return l
		}
		if r.loaded.CompareAndSwap(cur, l) {
			return l
		}
	}
}

// Invoke runs the unit with the given arguments. The result is the value
// returned by the unit, or a *ContinuationResult when it yielded.
func (r *Root) Invoke(ctx context.Context, args ...any) (any, error) {
	code := r.unit.Code()
	if code == nil {
		return nil, errz.NewCoded(errz.ErrInternal, errz.E3006, r.unit.String(), "cannot invoke a placeholder unit")
	}
	r.invocations.Add(1)
	r.tick(1)
	def := r.interp.model.Definition()
	f := newFrame(r.unit, code, args, r.interp.model.HasBoxingElimination(), def.StoreBciInFrame)
	return r.run(ctx, f, 0, 0)
}

// run executes f from bci with sp values on the operand stack until the
// unit returns or yields. Panics raised while executing are converted to
// internal errors.
func (r *Root) run(ctx context.Context, f *Frame, bci, sp int) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			if e, ok := p.(error); ok {
				err = errz.New(errz.ErrInternal, r.unit.String(), "interpreter panicked").WithCause(e)
			} else {
				err = errz.New(errz.ErrInternal, r.unit.String(), "interpreter panicked: %v", p)
			}
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := r.load(f.code)
	ctx = withFrame(withInterpreter(ctx, r.interp), f)
	for {
		state, err := r.execute(ctx, l, f, r.Tier(), bci, sp)
		if err != nil {
			return nil, err
		}
		nbci, nsp, kind := decodeState(state)
		switch kind {
		case stateReturn:
			return f.slots[l.LocalCount()+nsp], nil
		case stateYield:
			return &ContinuationResult{
				root:   r,
				frame:  f.Copy(),
				bci:    nbci,
				sp:     nsp,
				result: f.slots[l.LocalCount()+nsp],
			}, nil
		case stateTransfer:
			bci, sp = nbci, nsp
		default:
			return nil, errz.New(errz.ErrInternal, r.unit.String(), "unknown loop state %#x", state)
		}
	}
}

// resume continues a suspended frame, writing value into the slot the
// yield instruction left for it.
func (r *Root) resume(ctx context.Context, f *Frame, bci, sp int, value any) (any, error) {
	if f.unit != r.unit {
		return nil, errz.NewCoded(errz.ErrContinuation, errz.E3006, r.unit.String(),
			"frame belongs to %s", f.unit)
	}
	f.slots[f.code.LocalCount()+sp] = value
	return r.run(ctx, f, bci, sp+1)
}

// Instrument attaches observer and moves the root to the instrumented tier.
// The unit is reparsed with probes first if necessary.
func (r *Root) Instrument(observer Observer) error {
	if observer == nil {
		return errz.NewCoded(errz.ErrInternal, errz.E3006, r.unit.String(), "nil observer")
	}
	if !r.interp.model.Definition().EnableInstrumentation {
		return errz.NewCoded(errz.ErrDefinition, errz.E1010, r.unit.String(),
			"instrumentation requires a definition with EnableInstrumentation")
	}
	if err := r.unit.EnsureInstrumentation(); err != nil {
		return err
	}
	r.observer.Store(attach(observer))
	prev := Tier(r.tier.Swap(uint32(Instrumented)))
	r.logger().Debug().
		Str("from", prev.String()).
		Msg("attached observer")
	return nil
}

// Detach removes the observer and returns the root to the cached tier.
func (r *Root) Detach() {
	if !r.tier.CompareAndSwap(uint32(Instrumented), uint32(Cached)) {
		return
	}
	r.observer.Store(nil)
	r.logger().Debug().Msg("detached observer")
}

// Site returns a snapshot of the cache of a custom call site in the current
// build.
func (r *Root) Site(index int) SiteInfo {
	l := r.loaded.Load()
	if l == nil || index < 0 || index >= len(l.sites) {
		return SiteInfo{}
	}
	return l.sites[index].info()
}

// LocalKind reports the representation chosen for a local in the current
// build: the primitive kind it is specialized to, or operation.Any. deopt
// is true once the local was deoptimized.
func (r *Root) LocalKind(index int) (kind operation.ValueKind, deopt bool) {
	l := r.loaded.Load()
	if l == nil || index < 0 || index >= l.LocalCount() {
		return operation.Any, false
	}
	return l.localKind(index)
}

// RootStats summarizes a root's execution.
type RootStats struct {
	Tier        Tier
	Invocations uint64
	Promotions  int
}

// Stats returns a snapshot of the root's counters.
func (r *Root) Stats() RootStats {
	return RootStats{
		Tier:        r.Tier(),
		Invocations: r.invocations.Load(),
		Promotions:  int(r.promotions.Load()),
	}
}

func (r *Root) String() string {
	return fmt.Sprintf("root(%s, %s)", r.unit, r.Tier())
}
