package vm

import (
	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/bytecodedsl/config"
)

// Option is a configuration function for an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger used for tier promotions, site invalidations,
// local deopts and instrumentation changes.
func WithLogger(logger zerolog.Logger) Option {
	return func(it *Interpreter) {
		it.logger = logger
	}
}

// WithThreshold sets the number of invocations plus loop back-edges after
// which a root is promoted from the uncached to the cached tier. A value of
// 0 promotes on the first invocation.
func WithThreshold(threshold int) Option {
	return func(it *Interpreter) {
		it.threshold = max(threshold, 0)
	}
}

// WithContextCheckInterval sets how often the dispatch loop checks
// ctx.Done(). The interval is specified in number of instructions. A value
// of 0 disables the periodic check; the context is still checked when an
// invocation starts. The default is config.DefaultContextCheckInterval.
//
// Lower values provide more responsive cancellation but add overhead to
// every instruction.
func WithContextCheckInterval(interval int) Option {
	return func(it *Interpreter) {
		it.checkInterval = max(interval, 0)
	}
}

// WithConfig applies the tiering and interpreter sections of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(it *Interpreter) {
		if cfg == nil {
			return
		}
		it.threshold = max(cfg.Tiering.Threshold, 0)
		it.checkInterval = max(cfg.Interpreter.ContextCheckInterval, 0)
		it.trusted = cfg.Interpreter.Trusted
	}
}

// WithObserver instruments every root the interpreter resolves and reports
// its execution to observer.
//
// Observer methods are called synchronously during execution, so
// implementations should be fast. Returning false from any observer method
// halts execution with errz.ErrHalted.
func WithObserver(observer Observer) Option {
	return func(it *Interpreter) {
		it.observer = observer
	}
}
