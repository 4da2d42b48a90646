// Package builder turns begin/end/emit calls into validated bytecode units.
//
// A Parser drives a Builder exactly the way a front end walks its syntax
// tree. Every structural mistake fails at the offending call: the Builder
// panics with an *errz.StructuredError which Create, Serialize and
// Deserialize recover into a returned error. Parsers must therefore not
// recover panics themselves.
package builder

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Parser builds one or more roots by calling Builder methods. It may be
// invoked again later to reparse with richer side tables, so it must issue
// the same calls every time.
type Parser func(b *Builder)

// Builder is the stateful code generator handed to a Parser. It is not safe
// for concurrent use.
type Builder struct {
	model  *operation.Model
	nodes  *Nodes
	cfg    bytecode.ReparseConfig
	logger zerolog.Logger

	withSource          bool
	withInstrumentation bool

	rs *rootState

	// built holds the units ended so far, in build index order.
	built []*bytecode.Unit
	// pending holds the codes of a reparse until the parser succeeds.
	pending []*bytecode.Code
	reparse bool

	ser *recorder
}

func newBuilder(nodes *Nodes, cfg bytecode.ReparseConfig, reparse bool) *Builder {
	def := nodes.model.Definition()
	return &Builder{
		model:               nodes.model,
		nodes:               nodes,
		cfg:                 cfg,
		logger:              nodes.logger,
		withSource:          cfg.Has(bytecode.WithSource),
		withInstrumentation: cfg.Has(bytecode.WithInstrumentation) && def.EnableInstrumentation,
		reparse:             reparse,
	}
}

// Model returns the operation model the builder emits for.
func (b *Builder) Model() *operation.Model {
	return b.model
}

// run invokes the parser and converts authoring panics into errors.
func (b *Builder) run(parser Parser) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch r := r.(type) {
			case *errz.StructuredError:
				err = r
			case error:
				err = errz.New(errz.ErrInternal, "", "parser panicked").WithCause(r)
			default:
				err = errz.New(errz.ErrInternal, "", "parser panicked: %v", r)
			}
		}
	}()
	parser(b)
	if b.rs != nil {
		if top := b.rs.top(); top != nil {
			return errz.New(errz.ErrNesting, top.op.Name,
				"parser returned with operation %s still open", top.op.Name)
		}
	}
	if b.ser != nil && b.ser.openRoots > 0 {
		return errz.New(errz.ErrNesting, "Root", "parser returned with a root still open")
	}
	return nil
}

// Create runs parser once and returns the built units. The configuration
// selects which optional side tables are built up front; more can be added
// later through Nodes.UpdateConfiguration.
func Create(model *operation.Model, cfg bytecode.ReparseConfig, parser Parser, opts ...Option) (*Nodes, error) {
	if model == nil {
		return nil, errz.NewCoded(errz.ErrInternal, errz.E3006, "", "nil model")
	}
	n := newNodes(model, parser, opts...)
	b := newBuilder(n, cfg, false)
	if err := b.run(parser); err != nil {
		return nil, err
	}
	n.units = b.built
	n.cfg.Store(uint32(cfg))
	n.logger.Debug().
		Str("model", model.Name()).
		Int("units", len(n.units)).
		Str("config", cfg.String()).
		Msg("built units")
	return n, nil
}

func (b *Builder) fail(kind errz.ErrorKind, operation string, format string, args ...any) {
	panic(errz.New(kind, operation, format, args...))
}

func (b *Builder) failCoded(kind errz.ErrorKind, code errz.ErrorCode, operation string, format string, args ...any) {
	panic(errz.NewCoded(kind, code, operation, format, args...))
}

// requireRoot returns the open root or fails naming the operation.
func (b *Builder) requireRoot(name string) *rootState {
	if b.rs == nil || len(b.rs.ops) == 0 {
		b.fail(errz.ErrNesting, name, "unexpected operation %s outside of a root, call BeginRoot first", name)
	}
	return b.rs
}

func (b *Builder) lookup(name string, kinds ...operation.Kind) *operation.Operation {
	o, ok := b.model.Lookup(name)
	if ok {
		for _, k := range kinds {
			if o.Kind == k {
				return o
			}
		}
	}
	panic(errz.New(errz.ErrDefinition, name, "%s is not a %s operation of %q", name, kindNames(kinds), b.model.Name()))
}

func kindNames(kinds []operation.Kind) string {
	if len(kinds) == 1 && kinds[0] == operation.KindShortCircuit {
		return "short circuit"
	}
	return "custom"
}

func (b *Builder) checkLocal(l *Local, o *operation.Operation, materialized bool) {
	if l == nil {
		b.fail(errz.ErrLocal, o.Name, "nil local")
	}
	if materialized {
		if !l.root.encloses(b.rs) {
			b.fail(errz.ErrLocal, o.Name, "local %d does not belong to this root or an enclosing root", l.index)
		}
		return
	}
	if l.root != b.rs {
		b.failCoded(errz.ErrLocal, errz.E1008, o.Name,
			"local %d belongs to a different root, access it through a materialized frame", l.index)
	}
}

func (b *Builder) String() string {
	if b.rs == nil {
		return "builder(idle)"
	}
	return fmt.Sprintf("builder(depth=%d, bci=%d, stack=%d)", len(b.rs.ops), b.rs.buf.bci, b.rs.curStack)
}
