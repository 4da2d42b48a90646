package bytecode

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gofrs/uuid"

	"github.com/deepnoodle-ai/bytecodedsl/errz"
)

// ReparseConfig requests optional side tables for already built units.
type ReparseConfig uint8

const (
	// WithSource requests source maps.
	WithSource ReparseConfig = 1 << iota
	// WithInstrumentation requests probe instructions for Tag operations.
	WithInstrumentation

	// Default builds neither side table.
	Default ReparseConfig = 0
	// Complete builds both side tables.
	Complete = WithSource | WithInstrumentation
)

// Has reports whether every flag in other is set.
func (c ReparseConfig) Has(other ReparseConfig) bool {
	return c&other == other
}

// String returns a readable flag list.
func (c ReparseConfig) String() string {
	var parts []string
	if c.Has(WithSource) {
		parts = append(parts, "source")
	}
	if c.Has(WithInstrumentation) {
		parts = append(parts, "instrumentation")
	}
	if len(parts) == 0 {
		return "default"
	}
	return strings.Join(parts, "+")
}

// Reparser rebuilds units with richer side tables by re-running the parser
// that created them.
type Reparser interface {
	Reparse(cfg ReparseConfig) error
}

// Unit is a built root. Its identity is stable: a reparse installs new code
// into the existing unit rather than creating a new one, so references held
// by callers and by other units' constants stay valid.
//
// Code is swapped atomically. An execution that already loaded a Code keeps
// running against it; only later loads observe the new build.
type Unit struct {
	id       uuid.UUID
	index    int
	code     atomic.Pointer[Code]
	reparser Reparser
}

// NewUnit creates a unit with the given build index and initial code.
func NewUnit(index int, code *Code, reparser Reparser) *Unit {
	u := &Unit{
		id:       uuid.Must(uuid.NewV4()),
		index:    index,
		reparser: reparser,
	}
	if code != nil {
		u.code.Store(code)
	}
	return u
}

// NewPlaceholder creates a code-less unit that only carries a build index.
// Serializers hand these out in place of real units.
func NewPlaceholder(index int) *Unit {
	return NewUnit(index, nil, nil)
}

// ID returns the unit's unique identity.
func (u *Unit) ID() uuid.UUID {
	return u.id
}

// BuildIndex returns the position of the unit in the order roots were ended.
func (u *Unit) BuildIndex() int {
	return u.index
}

// IsPlaceholder reports whether the unit has no code.
func (u *Unit) IsPlaceholder() bool {
	return u.code.Load() == nil
}

// Code returns the current build of the unit.
func (u *Unit) Code() *Code {
	return u.code.Load()
}

// Name returns the root name of the current build.
func (u *Unit) Name() string {
	if c := u.code.Load(); c != nil {
		return c.Name()
	}
	return ""
}

// Install atomically replaces the unit's code.
func (u *Unit) Install(code *Code) {
	if code == nil {
		panic("bytecode: install of nil code")
	}
	u.code.Store(code)
}

// SetReparser sets the reparser used by EnsureSourceInfo and
// EnsureInstrumentation. It must be called before the unit is shared.
func (u *Unit) SetReparser(r Reparser) {
	u.reparser = r
}

func (u *Unit) ensure(cfg ReparseConfig, present func(*Code) bool) error {
	if c := u.code.Load(); c != nil && present(c) {
		return nil
	}
	if u.reparser == nil {
		return errz.NewCoded(errz.ErrInternal, errz.E3006, u.String(), "unit cannot be reparsed")
	}
	return u.reparser.Reparse(cfg)
}

// EnsureSourceInfo reparses the unit if it was built without a source map.
func (u *Unit) EnsureSourceInfo() error {
	return u.ensure(WithSource, (*Code).HasSourceInfo)
}

// EnsureInstrumentation reparses the unit if it was built without probes.
func (u *Unit) EnsureInstrumentation() error {
	return u.ensure(WithInstrumentation, (*Code).HasInstrumentation)
}

// SourceSectionAt returns the source section covering bci in the current
// build.
func (u *Unit) SourceSectionAt(bci int) (SourceSection, bool) {
	c := u.code.Load()
	if c == nil {
		return SourceSection{}, false
	}
	return c.SourceSectionAt(bci)
}

// String returns a short description of the unit.
func (u *Unit) String() string {
	name := u.Name()
	if name == "" {
		name = "<anonymous>"
	}
	return fmt.Sprintf("unit(%s#%d)", name, u.index)
}
