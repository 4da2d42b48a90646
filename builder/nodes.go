package builder

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Option is a configuration function for Create and Deserialize.
type Option func(*Nodes)

// WithLogger sets the logger used for build and reparse events.
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Nodes) {
		n.logger = logger
	}
}

// Nodes is the set of units produced by one parser. It retains the parser
// so the units can be rebuilt with source maps or instrumentation on demand.
type Nodes struct {
	model  *operation.Model
	parser Parser
	logger zerolog.Logger

	units []*bytecode.Unit
	cfg   atomic.Uint32

	mu    sync.Mutex
	group singleflight.Group
}

func newNodes(model *operation.Model, parser Parser, opts ...Option) *Nodes {
	n := &Nodes{
		model:  model,
		parser: parser,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Model returns the operation model the units were built for.
func (n *Nodes) Model() *operation.Model {
	return n.model
}

// Units returns the units in build index order.
func (n *Nodes) Units() []*bytecode.Unit {
	out := make([]*bytecode.Unit, len(n.units))
	copy(out, n.units)
	return out
}

// Unit returns the unit with the given build index.
func (n *Nodes) Unit(index int) *bytecode.Unit {
	return n.units[index]
}

// Last returns the last unit built, which is the outermost root of a typical
// parser.
func (n *Nodes) Last() *bytecode.Unit {
	return n.units[len(n.units)-1]
}

// Count returns the number of units.
func (n *Nodes) Count() int {
	return len(n.units)
}

// Config returns the side tables currently built.
func (n *Nodes) Config() bytecode.ReparseConfig {
	return bytecode.ReparseConfig(n.cfg.Load())
}

// HasSources reports whether the units carry source maps.
func (n *Nodes) HasSources() bool {
	return n.Config().Has(bytecode.WithSource)
}

// HasInstrumentation reports whether the units carry probes.
func (n *Nodes) HasInstrumentation() bool {
	return n.Config().Has(bytecode.WithInstrumentation)
}

// UpdateConfiguration reparses if cfg requests side tables that are not yet
// built. It reports whether a reparse happened.
func (n *Nodes) UpdateConfiguration(cfg bytecode.ReparseConfig) (bool, error) {
	if n.Config().Has(cfg) {
		return false, nil
	}
	return true, n.Reparse(cfg)
}

// Reparse rebuilds every unit with at least the requested side tables.
// Concurrent requests for the same configuration share one reparse. The new
// code is installed into the existing units only after the parser finished
// successfully.
func (n *Nodes) Reparse(cfg bytecode.ReparseConfig) error {
	_, err, _ := n.group.Do(cfg.String(), func() (any, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		current := n.Config()
		if current.Has(cfg) {
			return nil, nil
		}
		target := current | cfg
		b := newBuilder(n, target, true)
		if err := b.run(n.parser); err != nil {
			return nil, err
		}
		if len(b.pending) != len(n.units) {
			return nil, errz.New(errz.ErrInternal, "", "reparse produced %d roots, expected %d",
				len(b.pending), len(n.units))
		}
		for i, code := range b.pending {
			n.units[i].Install(code)
		}
		n.cfg.Store(uint32(target))
		n.logger.Debug().
			Str("model", n.model.Name()).
			Str("from", current.String()).
			Str("to", target.String()).
			Msg("reparsed units")
		return nil, nil
	})
	return err
}
