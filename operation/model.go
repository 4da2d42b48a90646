package operation

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/op"
)

// Definition is the declarative description of an instruction set. It is the
// input to Generate.
type Definition struct {
	Name string

	EnableUncached        bool
	EnableYield           bool
	EnableSerialization   bool
	EnableInstrumentation bool
	EnableQuickening      bool
	StoreBciInFrame       bool
	AllowUnsafe           bool

	// BoxingEliminationKinds lists the primitive kinds locals may hold
	// unboxed. Empty disables boxing elimination.
	BoxingEliminationKinds []ValueKind

	Operations    []CustomOperation
	ShortCircuits []ShortCircuitOperation
}

// Model is the validated, immutable operation vocabulary generated from a
// Definition.
type Model struct {
	def        Definition
	operations []*Operation
	byName     map[string]*Operation
	byKind     map[Kind]*Operation
	boxing     [8]bool
}

func builtins() []*Operation {
	return []*Operation{
		{Kind: KindRoot, Name: "Root", IsVoid: true, IsVariadic: true, ChildrenMustBeValues: []bool{false}},
		{Kind: KindBlock, Name: "Block", IsTransparent: true, IsVariadic: true, ChildrenMustBeValues: []bool{false}},
		{Kind: KindIfThen, Name: "IfThen", IsVoid: true, NumChildren: 2, ChildrenMustBeValues: []bool{true, false}},
		{Kind: KindIfThenElse, Name: "IfThenElse", IsVoid: true, NumChildren: 3, ChildrenMustBeValues: []bool{true, false, false}},
		{Kind: KindConditional, Name: "Conditional", NumChildren: 3, ChildrenMustBeValues: []bool{true, true, true}},
		{Kind: KindWhile, Name: "While", IsVoid: true, NumChildren: 2, ChildrenMustBeValues: []bool{true, false}},
		{Kind: KindTryCatch, Name: "TryCatch", IsVoid: true, NumChildren: 2, ChildrenMustBeValues: []bool{false, false}},
		{Kind: KindFinallyTry, Name: "FinallyTry", IsVoid: true, NumChildren: 2, ChildrenMustBeValues: []bool{false, false}},
		{Kind: KindFinallyTryNoExcept, Name: "FinallyTryNoExcept", IsVoid: true, NumChildren: 2, ChildrenMustBeValues: []bool{false, false}},
		{Kind: KindLabel, Name: "Label", IsVoid: true},
		{Kind: KindBranch, Name: "Branch", IsVoid: true, Instruction: op.Branch},
		{Kind: KindLoadConstant, Name: "LoadConstant", Instruction: op.LoadConstant},
		{Kind: KindLoadArgument, Name: "LoadArgument", Instruction: op.LoadArgument},
		{Kind: KindLoadLocal, Name: "LoadLocal", Instruction: op.LoadLocal},
		{Kind: KindStoreLocal, Name: "StoreLocal", IsVoid: true, NumChildren: 1, ChildrenMustBeValues: []bool{true}, Instruction: op.StoreLocal},
		{Kind: KindLoadLocalMaterialized, Name: "LoadLocalMaterialized", NumChildren: 1, ChildrenMustBeValues: []bool{true}, Instruction: op.LoadLocalMaterialized},
		{Kind: KindStoreLocalMaterialized, Name: "StoreLocalMaterialized", IsVoid: true, NumChildren: 2, ChildrenMustBeValues: []bool{true, true}, Instruction: op.StoreLocalMaterialized},
		{Kind: KindLoadFrame, Name: "LoadFrame", Instruction: op.LoadFrame},
		{Kind: KindReturn, Name: "Return", IsVoid: true, NumChildren: 1, ChildrenMustBeValues: []bool{true}, Instruction: op.Return},
		{Kind: KindYield, Name: "Yield", NumChildren: 1, ChildrenMustBeValues: []bool{true}, Instruction: op.Yield},
		{Kind: KindThrow, Name: "Throw", IsVoid: true, NumChildren: 1, ChildrenMustBeValues: []bool{true}, Instruction: op.Throw},
		{Kind: KindSource, Name: "Source", IsTransparent: true, IsVariadic: true, ChildrenMustBeValues: []bool{false}},
		{Kind: KindSourceSection, Name: "SourceSection", IsTransparent: true, IsVariadic: true, ChildrenMustBeValues: []bool{false}},
		{Kind: KindTag, Name: "Tag", IsTransparent: true, NumChildren: 1, ChildrenMustBeValues: []bool{false}},
	}
}

// Generate validates def and builds its Model. Operation IDs are assigned
// deterministically: builtins first, then custom operations, then short
// circuits, each in declaration order.
func Generate(def Definition) (*Model, error) {
	def.Operations = append([]CustomOperation(nil), def.Operations...)
	def.ShortCircuits = append([]ShortCircuitOperation(nil), def.ShortCircuits...)
	def.BoxingEliminationKinds = append([]ValueKind(nil), def.BoxingEliminationKinds...)
	m := &Model{
		def:    def,
		byName: map[string]*Operation{},
		byKind: map[Kind]*Operation{},
	}
	var result *multierror.Error
	add := func(o *Operation) {
		if _, dup := m.byName[o.Name]; dup {
			result = multierror.Append(result, errz.New(errz.ErrDefinition, o.Name, "duplicate operation name"))
			return
		}
		o.ID = len(m.operations)
		m.operations = append(m.operations, o)
		m.byName[o.Name] = o
	}
	for _, o := range builtins() {
		add(o)
		m.byKind[o.Kind] = o
	}

	customs := map[string]*CustomOperation{}
	for i := range def.Operations {
		c := &def.Operations[i]
		if err := validateCustom(c); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		mustBeValues := make([]bool, c.Arity)
		for j := range mustBeValues {
			mustBeValues[j] = true
		}
		if c.Variadic {
			mustBeValues = append(mustBeValues, true)
		}
		customs[c.Name] = c
		add(&Operation{
			Kind:                 KindCustom,
			Name:                 c.Name,
			IsVoid:               c.Void,
			IsVariadic:           c.Variadic,
			NumChildren:          c.Arity,
			ChildrenMustBeValues: mustBeValues,
			Instruction:          op.Custom,
			Custom:               c,
		})
	}

	for i := range def.ShortCircuits {
		sc := &def.ShortCircuits[i]
		if sc.Name == "" {
			result = multierror.Append(result, errz.New(errz.ErrDefinition, "", "short circuit operation without a name"))
			continue
		}
		if sc.ReturnConvertedValue && sc.Converter == "" {
			result = multierror.Append(result, errz.New(errz.ErrDefinition, sc.Name,
				"returning the converted value requires a converter"))
			continue
		}
		if sc.Converter != "" {
			conv, ok := customs[sc.Converter]
			if !ok {
				result = multierror.Append(result, errz.New(errz.ErrDefinition, sc.Name,
					"converter %q is not a custom operation", sc.Converter))
				continue
			}
			if conv.Arity != 1 || conv.Variadic || conv.Void {
				result = multierror.Append(result, errz.New(errz.ErrDefinition, sc.Name,
					"converter %q must take exactly one value and produce a value", sc.Converter))
				continue
			}
			sc.converter = conv
		}
		add(&Operation{
			Kind:                 KindShortCircuit,
			Name:                 sc.Name,
			IsVariadic:           true,
			NumChildren:          1,
			ChildrenMustBeValues: []bool{true},
			Instruction:          op.CustomShortCircuit,
			ShortCircuit:         sc,
		})
	}

	for _, kind := range def.BoxingEliminationKinds {
		if !kind.IsPrimitive() {
			result = multierror.Append(result, errz.New(errz.ErrDefinition, "",
				"boxing elimination kind %s is not primitive", kind))
			continue
		}
		m.boxing[kind] = true
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return m, nil
}

func validateCustom(c *CustomOperation) error {
	switch {
	case c.Name == "":
		return errz.New(errz.ErrDefinition, "", "custom operation without a name")
	case c.Generic == nil:
		return errz.New(errz.ErrDefinition, c.Name, "custom operation has no generic implementation")
	case c.Arity < 0:
		return errz.New(errz.ErrDefinition, c.Name, "negative arity %d", c.Arity)
	}
	for _, s := range c.Specializations {
		if s.Fn == nil {
			return errz.New(errz.ErrDefinition, c.Name, "specialization %q has no implementation", s.Name)
		}
		if !c.Variadic && len(s.Signature) != c.Arity {
			return errz.New(errz.ErrDefinition, c.Name,
				"specialization %q has %d kinds for arity %d", s.Name, len(s.Signature), c.Arity)
		}
	}
	return nil
}

// MustGenerate is like Generate but panics on an invalid definition. It is
// intended for package-level instruction sets.
func MustGenerate(def Definition) *Model {
	m, err := Generate(def)
	if err != nil {
		panic(fmt.Sprintf("operation: invalid definition %q: %v", def.Name, err))
	}
	return m
}

// Definition returns the definition the model was generated from.
func (m *Model) Definition() Definition {
	return m.def
}

// Name returns the instruction set name.
func (m *Model) Name() string {
	return m.def.Name
}

// Operations returns every operation in ID order.
func (m *Model) Operations() []*Operation {
	out := make([]*Operation, len(m.operations))
	copy(out, m.operations)
	return out
}

// Operation returns the operation with the given ID.
func (m *Model) Operation(id int) (*Operation, bool) {
	if id < 0 || id >= len(m.operations) {
		return nil, false
	}
	return m.operations[id], true
}

// Lookup returns the operation with the given name.
func (m *Model) Lookup(name string) (*Operation, bool) {
	o, ok := m.byName[name]
	return o, ok
}

// Builtin returns the builtin operation of the given kind. It panics for the
// custom kinds, which have one operation per declaration.
func (m *Model) Builtin(kind Kind) *Operation {
	o, ok := m.byKind[kind]
	if !ok {
		panic(fmt.Sprintf("operation: no builtin of kind %d", kind))
	}
	return o
}

// BoxingEliminated reports whether locals of the given kind may be held
// unboxed.
func (m *Model) BoxingEliminated(kind ValueKind) bool {
	return int(kind) < len(m.boxing) && m.boxing[kind]
}

// HasBoxingElimination reports whether any kind is boxing-eliminated.
func (m *Model) HasBoxingElimination() bool {
	for _, ok := range m.boxing {
		if ok {
			return true
		}
	}
	return false
}
