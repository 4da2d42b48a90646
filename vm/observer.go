package vm

import (
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/op"
)

// StepMode selects which instructions are reported to OnStep.
type StepMode uint8

const (
	// StepAll reports every instruction of an instrumented root.
	StepAll StepMode = iota

	// StepNone reports no instructions. Probe events are still delivered
	// when ObserveProbes is set.
	StepNone

	// StepSampled reports one instruction out of every SampleInterval.
	StepSampled
)

// ObserverConfig is read once when an observer is attached.
type ObserverConfig struct {
	StepMode StepMode

	// SampleInterval applies to StepSampled. Values <= 0 mean 1.
	SampleInterval int

	// ObserveProbes delivers OnEnter and OnLeave for tagged operations.
	ObserveProbes bool
}

// NewObserverConfig returns a config for mode with probes enabled and a
// sample interval of 1000.
func NewObserverConfig(mode StepMode) ObserverConfig {
	return ObserverConfig{
		StepMode:       mode,
		SampleInterval: 1000,
		ObserveProbes:  true,
	}
}

// NormalizeConfig clamps the sample interval.
func NormalizeConfig(cfg ObserverConfig) ObserverConfig {
	if cfg.StepMode == StepSampled && cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 1
	}
	return cfg
}

// Observer receives execution events from roots in the instrumented tier.
// Implementations can embed NoOpObserver to provide default no-op
// implementations for methods they don't need.
//
// Observer methods are called synchronously during execution and may be
// called from several goroutines at once when a unit is invoked
// concurrently.
type Observer interface {
	// Config returns the observer's configuration. It is read once when the
	// observer is attached.
	Config() ObserverConfig

	// OnStep is called based on the StepMode in the observer's config.
	// Returns false to halt execution.
	OnStep(event StepEvent) bool

	// OnEnter is called before a tagged operation runs.
	// Returns false to halt execution.
	OnEnter(event ProbeEvent) bool

	// OnLeave is called after a tagged operation completed normally.
	// Returns false to halt execution.
	OnLeave(event ProbeEvent) bool
}

// StepEvent contains information about a single instruction step.
type StepEvent struct {
	Unit *bytecode.Unit

	// Bci is the index of the instruction about to execute.
	Bci int

	Opcode     op.Code
	OpcodeName string

	// StackDepth is the current depth of the operand stack.
	StackDepth int
}

// ProbeEvent describes entering or leaving a tagged operation.
type ProbeEvent struct {
	Unit *bytecode.Unit
	Bci  int
	Tag  string

	// Value is the value produced by the tagged operation. It is only set by
	// OnLeave, and only when HasValue is true.
	Value    any
	HasValue bool
}

// NoOpObserver is an Observer implementation that does nothing.
// Embed this in your observer to provide default implementations
// for methods you don't need.
//
// NoOpObserver uses StepNone with probes enabled. Override Config() in your
// observer to step through instructions.
type NoOpObserver struct{}

func (NoOpObserver) Config() ObserverConfig {
	return NewObserverConfig(StepNone)
}

func (NoOpObserver) OnStep(StepEvent) bool   { return true }
func (NoOpObserver) OnEnter(ProbeEvent) bool { return true }
func (NoOpObserver) OnLeave(ProbeEvent) bool { return true }

var _ Observer = NoOpObserver{}

// attachedObserver caches the observer's normalized config so the dispatch
// loop does not call Config on every instruction.
type attachedObserver struct {
	Observer
	cfg ObserverConfig
}

func attach(o Observer) *attachedObserver {
	return &attachedObserver{Observer: o, cfg: NormalizeConfig(o.Config())}
}

// stepping reports whether OnStep should be called for the n-th instruction
// of an invocation.
func (a *attachedObserver) stepping(n int) bool {
	switch a.cfg.StepMode {
	case StepAll:
		return true
	case StepSampled:
		return n%a.cfg.SampleInterval == 0
	default:
		return false
	}
}
