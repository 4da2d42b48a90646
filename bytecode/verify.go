package bytecode

import (
	"fmt"
	"reflect"

	"github.com/hashicorp/go-multierror"

	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/op"
)

// Verify simulates the operand stack over every reachable path, including
// exception handler entries, and reports every violation it finds: unknown
// opcodes, out-of-range immediates, underflow, depth above MaxStack,
// inconsistent depths where paths merge, and a final Return that does not
// consume exactly one value.
func Verify(c *Code) error {
	v := &verifier{code: c, n: len(c.instructions)}
	v.decode()
	if v.result.ErrorOrNil() != nil {
		return v.result
	}
	v.simulate()
	return v.result.ErrorOrNil()
}

type verifier struct {
	code   *Code
	n      int
	starts []bool
	depth  []int
	work   []int
	last   int
	result *multierror.Error
}

func (v *verifier) fail(bci int, operation string, format string, args ...any) {
	v.result = multierror.Append(v.result,
		errz.New(errz.ErrInternal, operation, format, args...).AtBci(bci))
}

func (v *verifier) decode() {
	c := v.code
	v.starts = make([]bool, v.n+1)
	v.last = -1
	for bci := 0; bci < v.n; {
		code := op.Code(c.instructions[bci])
		info := op.GetInfo(code)
		if !info.Valid() {
			v.fail(bci, "", "unknown opcode %d", code)
			return
		}
		if bci+info.Length() > v.n {
			v.fail(bci, info.Name, "truncated instruction")
			return
		}
		v.starts[bci] = true
		v.last = bci
		for i, kind := range info.Immediates {
			imm := int(c.instructions[bci+1+i])
			var limit int
			switch kind {
			case op.ImmConstant:
				limit = len(c.constants)
			case op.ImmLocal:
				limit = c.localCount
			case op.ImmSite:
				limit = len(c.sites)
			case op.ImmProbe:
				limit = len(c.probes)
			default:
				continue
			}
			if imm >= limit {
				v.fail(bci, info.Name, "%s immediate %d out of range (%d)", kind, imm, limit)
			}
		}
		bci += info.Length()
	}
	v.starts[v.n] = false
	c.Walk(func(bci int, code op.Code, info op.Info) bool {
		for i, kind := range info.Immediates {
			if kind != op.ImmBranchTarget {
				continue
			}
			if t := int(c.instructions[bci+1+i]); t >= v.n || !v.starts[t] {
				v.fail(bci, info.Name, "branch target %d is not an instruction", t)
			}
		}
		return true
	})
	for i, h := range c.handlers {
		if h.Start < 0 || h.Start >= h.End || h.End > v.n {
			v.fail(h.Handler, "", "handler %d has invalid range [%d, %d)", i, h.Start, h.End)
		}
		if h.Handler < 0 || h.Handler >= v.n || !v.starts[h.Handler] {
			v.fail(h.Handler, "", "handler %d entry is not an instruction", i)
		}
		if h.ExceptionLocal < 0 || h.ExceptionLocal >= c.localCount {
			v.fail(h.Handler, "", "handler %d binds local %d out of range", i, h.ExceptionLocal)
		}
	}
	if v.last < 0 || op.Code(c.instructions[v.last]) != op.Return {
		v.fail(v.last, "", "code does not end with RETURN")
	}
}

func (v *verifier) edge(from, to, depth int) {
	if to >= v.n {
		v.fail(from, "", "control falls off the end of the code")
		return
	}
	switch v.depth[to] {
	case -1:
		v.depth[to] = depth
		v.work = append(v.work, to)
	case depth:
	default:
		v.fail(to, "", "stack depth mismatch at merge: %d and %d (from %d)", v.depth[to], depth, from)
	}
}

func (v *verifier) simulate() {
	c := v.code
	v.depth = make([]int, v.n)
	for i := range v.depth {
		v.depth[i] = -1
	}
	v.edge(0, 0, 0)
	for _, h := range c.handlers {
		v.edge(h.Handler, h.Handler, h.StackDepth)
	}
	for len(v.work) > 0 {
		bci := v.work[len(v.work)-1]
		v.work = v.work[:len(v.work)-1]
		d := v.depth[bci]
		code := op.Code(c.instructions[bci])
		info := op.GetInfo(code)
		pops, pushes := info.Pops, info.Pushes
		if code == op.Custom {
			site := c.sites[c.instructions[bci+1]]
			pops, pushes = site.Pops, site.Pushes
		}
		if d < pops {
			v.fail(bci, info.Name, "stack underflow: depth %d, pops %d", d, pops)
			continue
		}
		nd := d - pops + pushes
		if d > c.maxStack || nd > c.maxStack {
			v.fail(bci, info.Name, "stack depth %d exceeds max %d", max(d, nd), c.maxStack)
		}
		next := bci + info.Length()
		switch code {
		case op.Return:
			if bci == v.last && d != 1 {
				v.fail(bci, info.Name, "final return at depth %d", d)
			}
		case op.Throw:
		case op.Branch:
			v.edge(bci, int(c.instructions[bci+1]), d)
		case op.BranchFalse:
			v.edge(bci, int(c.instructions[bci+1]), nd)
			v.edge(bci, next, nd)
		case op.CustomShortCircuit:
			v.edge(bci, int(c.instructions[bci+2]), d)
			v.edge(bci, next, nd)
		default:
			v.edge(bci, next, nd)
		}
	}
}

// Compare reports every difference between two builds that matters for
// round trips: instructions, constants and handler tables. Nested units are
// compared by name, since independently built units are never identical.
func Compare(a, b *Code) error {
	var result *multierror.Error
	diff := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}
	if !reflect.DeepEqual(a.instructions, b.instructions) {
		diff("instructions differ: %v != %v", a.instructions, b.instructions)
	}
	if len(a.constants) != len(b.constants) {
		diff("constant count differs: %d != %d", len(a.constants), len(b.constants))
	} else {
		for i := range a.constants {
			if !constantsEqual(a.constants[i], b.constants[i]) {
				diff("constant %d differs: %v != %v", i, a.constants[i], b.constants[i])
			}
		}
	}
	if !reflect.DeepEqual(a.handlers, b.handlers) {
		diff("handlers differ: %v != %v", a.handlers, b.handlers)
	}
	return result.ErrorOrNil()
}

func constantsEqual(a, b any) bool {
	ua, aok := a.(*Unit)
	ub, bok := b.(*Unit)
	if aok || bok {
		return aok && bok && ua.Name() == ub.Name()
	}
	return reflect.DeepEqual(a, b)
}
