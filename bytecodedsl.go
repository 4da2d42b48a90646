// Package bytecodedsl generates bytecode interpreters from declarative
// instruction set definitions.
//
// An instruction set is described as data with an operation.Definition.
// Programs are authored against it with a builder.Parser, which produces
// immutable bytecode units, and the units are executed by a tiered
// vm.Interpreter. This package ties those steps together:
//
//	prog, err := bytecodedsl.Compile(def, parser)
//	result, err := prog.Run(ctx, args...)
//
// Use the subpackages directly for serialization, reparsing and
// continuations.
package bytecodedsl

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/bytecodedsl/builder"
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/config"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
	"github.com/deepnoodle-ai/bytecodedsl/vm"
)

// Option configures a compilation or execution.
type Option func(*options)

type options struct {
	reparse  bytecode.ReparseConfig
	logger   *zerolog.Logger
	config   *config.Config
	observer vm.Observer
}

func collectOptions(opts ...Option) *options {
	o := &options{reparse: bytecode.Default}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func (o *options) builderOpts() []builder.Option {
	var opts []builder.Option
	if o.logger != nil {
		opts = append(opts, builder.WithLogger(*o.logger))
	}
	return opts
}

func (o *options) vmOpts() []vm.Option {
	var opts []vm.Option
	if o.config != nil {
		opts = append(opts, vm.WithConfig(o.config))
	}
	if o.logger != nil {
		opts = append(opts, vm.WithLogger(*o.logger))
	}
	if o.observer != nil {
		opts = append(opts, vm.WithObserver(o.observer))
	}
	return opts
}

// WithReparseConfig selects the metadata units are built with. Units can be
// reparsed with more metadata later.
func WithReparseConfig(cfg bytecode.ReparseConfig) Option {
	return func(o *options) {
		o.reparse = cfg
	}
}

// WithLogger sets the logger used by the builder and the interpreter.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithConfig applies interpreter settings loaded with the config package.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithObserver attaches an observer to every unit the program runs. The
// instruction set must enable instrumentation.
func WithObserver(observer vm.Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// Program is a set of built units together with the interpreter that runs
// them. It is safe for concurrent use.
type Program struct {
	nodes  *builder.Nodes
	interp *vm.Interpreter
}

// Nodes returns the built units.
func (p *Program) Nodes() *builder.Nodes {
	return p.nodes
}

// Interpreter returns the interpreter that runs the program.
func (p *Program) Interpreter() *vm.Interpreter {
	return p.interp
}

// Entry returns the entry point, which is the last unit the parser built.
func (p *Program) Entry() *bytecode.Unit {
	return p.nodes.Last()
}

// Root returns the runtime state of the entry point.
func (p *Program) Root() (*vm.Root, error) {
	return p.interp.Root(p.Entry())
}

// Run invokes the entry point with args. The result is a
// *vm.ContinuationResult when the entry point yields.
func (p *Program) Run(ctx context.Context, args ...any) (any, error) {
	return p.interp.Invoke(ctx, p.Entry(), args...)
}

// Compile generates the model of def and builds the units of parser.
func Compile(def operation.Definition, parser builder.Parser, opts ...Option) (*Program, error) {
	model, err := operation.Generate(def)
	if err != nil {
		return nil, err
	}
	return CompileModel(model, parser, opts...)
}

// CompileModel builds the units of parser for an already generated model.
func CompileModel(model *operation.Model, parser builder.Parser, opts ...Option) (*Program, error) {
	o := collectOptions(opts...)
	nodes, err := builder.Create(model, o.reparse, parser, o.builderOpts()...)
	if err != nil {
		return nil, err
	}
	return &Program{
		nodes:  nodes,
		interp: vm.New(model, o.vmOpts()...),
	}, nil
}

// Run is a convenience function that compiles and runs a program.
// It is equivalent to Compile() followed by Program.Run().
func Run(ctx context.Context, def operation.Definition, parser builder.Parser, args []any, opts ...Option) (any, error) {
	prog, err := Compile(def, parser, opts...)
	if err != nil {
		return nil, err
	}
	return prog.Run(ctx, args...)
}
