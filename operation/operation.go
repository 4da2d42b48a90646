// Package operation describes the tree-shaped authoring vocabulary of an
// instruction set and generates a validated Model from a Definition.
package operation

import (
	"context"

	"github.com/deepnoodle-ai/bytecodedsl/op"
)

// Kind identifies the structural shape of an operation.
type Kind uint8

const (
	KindRoot Kind = iota + 1
	KindBlock
	KindIfThen
	KindIfThenElse
	KindConditional
	KindWhile
	KindTryCatch
	KindFinallyTry
	KindFinallyTryNoExcept
	KindLabel
	KindBranch
	KindLoadConstant
	KindLoadArgument
	KindLoadLocal
	KindStoreLocal
	KindLoadLocalMaterialized
	KindStoreLocalMaterialized
	KindLoadFrame
	KindReturn
	KindYield
	KindThrow
	KindSource
	KindSourceSection
	KindTag
	KindCustom
	KindShortCircuit
)

// Operation is one node type of the authoring tree.
type Operation struct {
	ID            int
	Kind          Kind
	Name          string
	IsTransparent bool
	IsVoid        bool
	IsVariadic    bool
	// NumChildren is the fixed child count, or the minimum for variadic
	// operations.
	NumChildren int
	// ChildrenMustBeValues holds one entry per child position. For variadic
	// operations the last entry applies to every remaining position.
	ChildrenMustBeValues []bool
	Instruction          op.Code

	Custom       *CustomOperation
	ShortCircuit *ShortCircuitOperation
}

// ChildMustBeValue reports whether the child at position i must produce a
// value.
func (o *Operation) ChildMustBeValue(i int) bool {
	n := len(o.ChildrenMustBeValues)
	if n == 0 {
		return false
	}
	if i >= n {
		return o.ChildrenMustBeValues[n-1]
	}
	return o.ChildrenMustBeValues[i]
}

// AcceptsChildren reports whether count children satisfy the declared arity.
func (o *Operation) AcceptsChildren(count int) bool {
	if o.IsVariadic {
		return count >= o.NumChildren
	}
	return count == o.NumChildren
}

// String returns the operation name.
func (o *Operation) String() string {
	return o.Name
}

// Func implements a custom operation. Implementations receive the evaluated
// children in order and return the produced value, or nil for void
// operations.
type Func func(ctx context.Context, args []any) (any, error)

// Specialization is a fast path of a custom operation guarded by the kinds of
// its arguments.
type Specialization struct {
	Name string
	// Signature lists one kind per argument. Any matches every value. A
	// variadic operation's last entry applies to the remaining arguments.
	Signature []ValueKind
	Fn        Func
}

// Accepts reports whether args satisfy the signature.
func (s *Specialization) Accepts(args []any) bool {
	n := len(s.Signature)
	for i, arg := range args {
		var kind ValueKind
		switch {
		case i < n:
			kind = s.Signature[i]
		case n > 0:
			kind = s.Signature[n-1]
		}
		if !kind.Matches(arg) {
			return false
		}
	}
	return true
}

// CustomOperation declares a guest operation. Specializations must agree
// with Generic on every input they accept.
type CustomOperation struct {
	Name            string
	Arity           int
	Variadic        bool
	Void            bool
	Specializations []Specialization
	Generic         Func
}

// Select returns the index of the first specialization accepting args, or
// -1.
func (c *CustomOperation) Select(args []any) int {
	for i := range c.Specializations {
		if c.Specializations[i].Accepts(args) {
			return i
		}
	}
	return -1
}

// ShortCircuitOperation declares a boolean chain such as And or Or. Operands
// are evaluated left to right while their converted value equals
// ContinueWhen.
type ShortCircuitOperation struct {
	Name                 string
	ContinueWhen         bool
	ReturnConvertedValue bool
	// Converter names an arity-1 custom operation producing a bool. When
	// empty, Truthy is used.
	Converter string

	converter *CustomOperation
}

// Convert applies the operation's boolean conversion.
func (s *ShortCircuitOperation) Convert(ctx context.Context, v any) (bool, error) {
	if s.converter == nil {
		return Truthy(v), nil
	}
	out, err := s.converter.Generic(ctx, []any{v})
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// ConverterOperation returns the resolved converter, or nil.
func (s *ShortCircuitOperation) ConverterOperation() *CustomOperation {
	return s.converter
}
