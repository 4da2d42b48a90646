package vm

import (
	"sync/atomic"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// Local kind states. A local starts unset, is specialized to the first
// primitive kind stored into it and is deoptimized to generic for good as
// soon as a store observes a different kind.
const (
	kindUnset   uint32 = 0
	kindGeneric uint32 = 0xff
)

// loadedCode is the runtime state of one build of a root: a private copy of
// the instruction stream plus the cached tier's side tables. It is created
// per root and per build, so specialization state is never shared between
// units and a reparse starts from a clean slate.
type loadedCode struct {
	*bytecode.Code
	root  *Root
	insns []uint16

	quicken bool
	boxing  bool

	sites  []siteCache
	locals []atomic.Uint32
}

func loadCode(r *Root, code *bytecode.Code) *loadedCode {
	def := r.interp.model.Definition()
	l := &loadedCode{
		Code:    code,
		root:    r,
		insns:   code.Instructions(),
		quicken: def.EnableQuickening,
		boxing:  r.interp.model.HasBoxingElimination(),
		sites:   make([]siteCache, code.SiteCount()),
	}
	for i := range l.sites {
		l.sites[i].index = i
		site := code.SiteAt(i)
		switch {
		case site.Operation.Custom != nil:
			l.sites[i].op = site.Operation.Custom
		case site.Operation.ShortCircuit != nil:
			l.sites[i].op = site.Operation.ShortCircuit.ConverterOperation()
		}
	}
	if l.boxing {
		l.locals = make([]atomic.Uint32, code.LocalCount())
	}
	return l
}

// storeLocal writes v into a local of f. In the cached tiers primitive
// values are kept unboxed while the local's kind is stable.
func (l *loadedCode) storeLocal(f *Frame, tier Tier, index int, v any) {
	if !l.boxing || tier == Uncached {
		f.SetLocal(index, v)
		return
	}
	bits, kind, ok := operation.EncodePrimitive(v)
	if !ok || !l.root.interp.model.BoxingEliminated(kind) {
		kind = operation.Any
	}
	if l.specializeLocal(index, kind) {
		f.setPrimitive(index, bits, kind)
		return
	}
	f.SetLocal(index, v)
}

// specializeLocal reports whether a local may hold a value of kind unboxed.
// Any other kind than the one recorded deoptimizes the local permanently.
func (l *loadedCode) specializeLocal(index int, kind operation.ValueKind) bool {
	cell := &l.locals[index]
	for {
		cur := cell.Load()
		switch {
		case cur == kindGeneric:
			return false
		case cur == uint32(kind) && kind != operation.Any:
			return true
		case cur == kindUnset && kind != operation.Any:
			if cell.CompareAndSwap(kindUnset, uint32(kind)) {
				return true
			}
		default:
			if cell.CompareAndSwap(cur, kindGeneric) {
				l.root.logger().Debug().
					Int("local", index).
					Str("name", l.LocalNameAt(index)).
					Str("kind", kind.String()).
					Msg("deoptimized local")
				return false
			}
		}
	}
}

// localKind returns the specialization state of a local: operation.Any
// when it is generic or not yet specialized, else its primitive kind.
func (l *loadedCode) localKind(index int) (operation.ValueKind, bool) {
	if !l.boxing {
		return operation.Any, false
	}
	switch cur := l.locals[index].Load(); cur {
	case kindUnset:
		return operation.Any, false
	case kindGeneric:
		return operation.Any, true
	default:
		return operation.ValueKind(cur), false
	}
}
