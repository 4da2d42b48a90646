package vm

import (
	"context"

	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/op"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

// The dispatch loop leaves by returning a state word packing the bci, the
// stack pointer and the reason it stopped. For stateReturn and stateYield
// the stack pointer is the slot holding the result.
const (
	stateReturn   uint16 = 0xffff
	stateTransfer uint16 = 0xfffe
	stateYield    uint16 = 0xfffd
)

func encodeState(bci, sp int, kind uint16) uint64 {
	return uint64(uint16(bci))<<48 | uint64(uint32(sp))<<16 | uint64(kind)
}

func decodeState(state uint64) (bci, sp int, kind uint16) {
	return int(state >> 48), int(uint32(state >> 16)), uint16(state)
}

// execute runs the dispatch loop over l starting at bci with sp values on
// the operand stack. Every instruction either sets bci to a branch target
// or advances it past its own immediates.
func (r *Root) execute(ctx context.Context, l *loadedCode, f *Frame, tier Tier, bci, sp int) (uint64, error) {
	insns := l.insns
	nlocals := l.LocalCount()
	stack := f.slots[nlocals:]
	checked := !r.interp.Trusted()

	var obs *attachedObserver
	if tier == Instrumented {
		obs = r.observer.Load()
	}
	var steps int

	// Instruction counter for deterministic context checking
	var instructionCount int
	checkInterval := r.interp.checkInterval
	doneChan := ctx.Done()

	for {
		if checkInterval > 0 && doneChan != nil {
			instructionCount++
			if instructionCount >= checkInterval {
				instructionCount = 0
				select {
				case <-doneChan:
					return 0, ctx.Err()
				default:
				}
			}
		}

		opcode := op.Code(insns[bci])

		if obs != nil {
			steps++
			if obs.stepping(steps) {
				event := StepEvent{
					Unit:       r.unit,
					Bci:        bci,
					Opcode:     opcode,
					OpcodeName: opcode.String(),
					StackDepth: sp,
				}
				if !obs.OnStep(event) {
					return 0, r.halted(bci)
				}
			}
		}

		var err error
		switch opcode {
		case op.LoadConstant:
			idx := int(insns[bci+1])
			if checked && idx >= l.ConstantCount() {
				return 0, r.invalid(bci, "constant %d out of range", idx)
			}
			stack[sp] = l.ConstantAt(idx)
			sp++
			bci += 2
		case op.LoadArgument:
			idx := int(insns[bci+1])
			if idx >= len(f.args) {
				err = errz.NewCoded(errz.ErrGuest, errz.E3006, r.unit.String(),
					"argument %d not provided (%d given)", idx, len(f.args))
				break
			}
			stack[sp] = f.args[idx]
			sp++
			bci += 2
		case op.LoadLocal:
			idx := int(insns[bci+1])
			if checked && idx >= nlocals {
				return 0, r.invalid(bci, "local %d out of range", idx)
			}
			stack[sp] = f.Local(idx)
			sp++
			bci += 2
		case op.StoreLocal:
			idx := int(insns[bci+1])
			if checked && idx >= nlocals {
				return 0, r.invalid(bci, "local %d out of range", idx)
			}
			sp--
			l.storeLocal(f, tier, idx, stack[sp])
			stack[sp] = nil
			bci += 2
		case op.LoadLocalMaterialized:
			idx := int(insns[bci+1])
			frame, ok := stack[sp-1].(*Frame)
			if !ok {
				err = r.typeError(bci, "expected a frame, got %T", stack[sp-1])
				break
			}
			if idx >= frame.LocalCount() {
				err = r.typeError(bci, "%s has no local %d", frame, idx)
				break
			}
			stack[sp-1] = frame.Local(idx)
			bci += 2
		case op.StoreLocalMaterialized:
			idx := int(insns[bci+1])
			frame, ok := stack[sp-2].(*Frame)
			if !ok {
				err = r.typeError(bci, "expected a frame, got %T", stack[sp-2])
				break
			}
			if idx >= frame.LocalCount() {
				err = r.typeError(bci, "%s has no local %d", frame, idx)
				break
			}
			frame.SetLocal(idx, stack[sp-1])
			stack[sp-1], stack[sp-2] = nil, nil
			sp -= 2
			bci += 2
		case op.LoadFrame:
			stack[sp] = f
			sp++
			bci++
		case op.Branch:
			target := int(insns[bci+1])
			if checked && target >= len(insns) {
				return 0, r.invalid(bci, "branch target %d out of range", target)
			}
			if target <= bci && tier == Uncached && r.tick(1) {
				return encodeState(target, sp, stateTransfer), nil
			}
			bci = target
		case op.BranchFalse:
			target := int(insns[bci+1])
			if checked && target >= len(insns) {
				return 0, r.invalid(bci, "branch target %d out of range", target)
			}
			sp--
			v := stack[sp]
			stack[sp] = nil
			if operation.Truthy(v) {
				bci += 2
			} else {
				bci = target
			}
		case op.Pop:
			sp--
			stack[sp] = nil
			bci++
		case op.Return:
			return encodeState(bci, sp-1, stateReturn), nil
		case op.Yield:
			if f.storeBci {
				f.bci = bci
			}
			return encodeState(bci+1, sp-1, stateYield), nil
		case op.Throw:
			sp--
			err = &GuestError{Value: stack[sp], Unit: r.unit, Bci: bci}
			stack[sp] = nil
		case op.Custom:
			idx := int(insns[bci+1])
			if checked && idx >= len(l.sites) {
				return 0, r.invalid(bci, "site %d out of range", idx)
			}
			site := l.SiteAt(idx)
			args := make([]any, site.Pops)
			copy(args, stack[sp-site.Pops:sp])
			clear(stack[sp-site.Pops : sp])
			sp -= site.Pops
			if f.storeBci {
				f.bci = bci
			}
			var v any
			if tier == Uncached {
				v, err = site.Operation.Custom.Generic(ctx, args)
			} else {
				v, err = l.sites[idx].call(ctx, l, args)
			}
			if err != nil {
				break
			}
			if site.Pushes > 0 {
				stack[sp] = v
				sp++
			}
			bci += 2
		case op.CustomShortCircuit:
			idx := int(insns[bci+1])
			if checked && idx >= len(l.sites) {
				return 0, r.invalid(bci, "site %d out of range", idx)
			}
			sc := l.SiteAt(idx).Operation.ShortCircuit
			if f.storeBci {
				f.bci = bci
			}
			var ok bool
			ok, err = r.convert(ctx, l, tier, idx, sc, stack[sp-1])
			if err != nil {
				break
			}
			if ok == sc.ContinueWhen {
				sp--
				stack[sp] = nil
				bci += 3
				break
			}
			if sc.ReturnConvertedValue {
				stack[sp-1] = ok
			}
			bci = int(insns[bci+2])
		case op.InstrumentationEnter, op.InstrumentationLeave:
			idx := int(insns[bci+1])
			if checked && idx >= l.ProbeCount() {
				return 0, r.invalid(bci, "probe %d out of range", idx)
			}
			if obs != nil && obs.cfg.ObserveProbes {
				probe := l.ProbeAt(idx)
				event := ProbeEvent{Unit: r.unit, Bci: bci, Tag: probe.Tag}
				var cont bool
				if opcode == op.InstrumentationEnter {
					cont = obs.OnEnter(event)
				} else {
					if !probe.Void {
						event.Value, event.HasValue = stack[sp-1], true
					}
					cont = obs.OnLeave(event)
				}
				if !cont {
					return 0, r.halted(bci)
				}
			}
			bci += 2
		default:
			return 0, r.invalid(bci, "unknown opcode %d", opcode)
		}

		if err == nil {
			continue
		}
		if !catchable(err) {
			return 0, err
		}
		ge := r.guestError(err, bci)
		h, ok := l.FindHandler(bci)
		if !ok {
			return 0, ge
		}
		clear(stack[h.StackDepth:sp])
		sp = h.StackDepth
		f.SetLocal(h.ExceptionLocal, ge.Value)
		bci = h.Handler
	}
}

// convert applies a short circuit operation's boolean conversion. The
// cached tiers run the converter through the site's cache.
func (r *Root) convert(ctx context.Context, l *loadedCode, tier Tier, site int, sc *operation.ShortCircuitOperation, v any) (bool, error) {
	if tier == Uncached || l.sites[site].op == nil {
		return sc.Convert(ctx, v)
	}
	out, err := l.sites[site].call(ctx, l, []any{v})
	if err != nil {
		return false, err
	}
	return operation.Truthy(out), nil
}

// invalid reports a broken invariant of the instruction stream.
func (r *Root) invalid(bci int, format string, args ...any) error {
	return errz.NewCoded(errz.ErrInternal, errz.E3005, r.unit.String(), format, args...).AtBci(bci)
}

func (r *Root) halted(bci int) error {
	return errz.NewCoded(errz.ErrInternal, errz.E3004, r.unit.String(), "execution halted by observer").AtBci(bci)
}

func (r *Root) typeError(bci int, format string, args ...any) error {
	return errz.New(errz.ErrGuest, r.unit.String(), format, args...).AtBci(bci)
}
