package builder

import (
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/op"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

type ifData struct {
	elseFixup int
	endFixup  int
}

type whileData struct {
	start    int
	endFixup int
}

// tryData tracks a protected region. Return and Branch split the region so
// that the finally copies they emit are not protected by it.
type tryData struct {
	local      *Local
	depth      int
	rangeStart int
	ranges     [][2]int
	endFixup   int

	// finally handler recording
	seg        *segment
	saved      *codeBuffer
	savedStack int
	savedMax   int
}

func (d *tryData) open(bci int) {
	d.rangeStart = bci
}

func (d *tryData) close(bci int) {
	if d.rangeStart >= 0 && bci > d.rangeStart {
		d.ranges = append(d.ranges, [2]int{d.rangeStart, bci})
	}
	d.rangeStart = -1
}

type shortCircuitData struct {
	fixups []int
}

type sectionData struct {
	bci    int
	start  int
	length int
}

// begin pushes a frame for o after notifying the enclosing operation.
// Callers record positions only after begin returns, since the enclosing
// operation may emit code for the new child.
func (b *Builder) begin(o *operation.Operation) *opFrame {
	rs := b.requireRoot(o.Name)
	b.beforeChild()
	f := &opFrame{op: o}
	rs.ops = append(rs.ops, f)
	return f
}

// end pops the frame of o, validating nesting, arity and labels.
func (b *Builder) end(o *operation.Operation) *opFrame {
	rs := b.requireRoot(o.Name)
	top := rs.top()
	if top.op != o {
		b.failCoded(errz.ErrNesting, errz.E1001, o.Name,
			"unexpected operation end, expected End%s, but got End%s", top.op.Name, o.Name)
	}
	if !o.AcceptsChildren(top.childCount) {
		if o.IsVariadic {
			b.fail(errz.ErrArity, o.Name, "operation %s expected at least %d children, but got %d",
				o.Name, o.NumChildren, top.childCount)
		}
		b.fail(errz.ErrArity, o.Name, "operation %s expected exactly %d children, but got %d",
			o.Name, o.NumChildren, top.childCount)
	}
	for _, l := range top.labels {
		if !l.defined {
			b.failCoded(errz.ErrLabel, errz.E1006, o.Name,
				"label %d declared in %s was never emitted", l.id, o.Name)
		}
	}
	rs.ops = rs.ops[:len(rs.ops)-1]
	return top
}

// beforeChild runs before every child of the operation on top of the stack.
func (b *Builder) beforeChild() {
	f := b.rs.top()
	if f == nil {
		return
	}
	idx := f.childCount
	if !f.op.IsVariadic && idx >= f.op.NumChildren {
		b.fail(errz.ErrArity, f.op.Name, "operation %s expected exactly %d children, but got more",
			f.op.Name, f.op.NumChildren)
	}
	switch f.op.Kind {
	case operation.KindBlock, operation.KindSource, operation.KindSourceSection:
		if idx > 0 && f.produced {
			b.emit(op.Pop)
			f.produced = false
		}
	case operation.KindFinallyTry, operation.KindFinallyTryNoExcept:
		if idx == 0 {
			b.beginSegment(f.data.(*tryData))
		}
	case operation.KindShortCircuit:
		if idx > 0 {
			d := f.data.(*shortCircuitData)
			site := b.addSite(f.op, 1, 0)
			d.fixups = append(d.fixups, b.emitForward(op.CustomShortCircuit, site))
		}
	}
}

// afterChild runs after every child of the operation on top of the stack.
func (b *Builder) afterChild(produced bool) {
	f := b.rs.top()
	if f == nil {
		return
	}
	idx := f.childCount
	mustBeValue := f.op.ChildMustBeValue(idx)
	if mustBeValue && !produced {
		b.failCoded(errz.ErrVoidValue, errz.E1003, f.op.Name,
			"operation %s expected a value-producing child at position %d, but a void one was provided",
			f.op.Name, idx)
	}
	if !mustBeValue && produced && !f.op.IsTransparent {
		b.emit(op.Pop)
		produced = false
	}

	switch f.op.Kind {
	case operation.KindIfThen:
		if idx == 0 {
			f.data.(*ifData).endFixup = b.emitForward(op.BranchFalse)
		}
	case operation.KindIfThenElse, operation.KindConditional:
		d := f.data.(*ifData)
		switch idx {
		case 0:
			d.elseFixup = b.emitForward(op.BranchFalse)
		case 1:
			d.endFixup = b.emitForward(op.Branch)
			if f.op.Kind == operation.KindConditional {
				// the then-value is not on the stack along the else path
				b.adjustStack(-1)
			}
			b.patch(d.elseFixup)
		}
	case operation.KindWhile:
		d := f.data.(*whileData)
		switch idx {
		case 0:
			d.endFixup = b.emitForward(op.BranchFalse)
		case 1:
			b.emit(op.Branch, d.start)
		}
	case operation.KindTryCatch:
		if idx == 0 {
			d := f.data.(*tryData)
			d.close(b.rs.buf.bci)
			d.endFixup = b.emitForward(op.Branch)
			b.addHandlers(d, b.rs.buf.bci)
		}
	case operation.KindFinallyTry, operation.KindFinallyTryNoExcept:
		if idx == 0 {
			d := f.data.(*tryData)
			b.endSegment(d)
			d.depth = b.rs.curStack
			d.open(b.rs.buf.bci)
		}
	}

	f.produced = produced
	f.childCount++
}

func (b *Builder) addHandlers(d *tryData, handler int) {
	buf := b.rs.buf
	for _, r := range d.ranges {
		buf.handlers = append(buf.handlers, bytecode.ExceptionHandler{
			Start:          r[0],
			End:            r[1],
			Handler:        handler,
			StackDepth:     d.depth,
			ExceptionLocal: d.local.index,
		})
	}
}

// beginSegment redirects emission into a fresh buffer for a finally handler.
func (b *Builder) beginSegment(d *tryData) {
	rs := b.rs
	d.saved = rs.buf
	d.savedStack = rs.curStack
	d.savedMax = rs.maxStack
	rs.buf = newCodeBuffer()
	rs.curStack = 0
	rs.maxStack = 0
	rs.segments++
}

// endSegment captures the finally handler and restores the outer buffer.
func (b *Builder) endSegment(d *tryData) {
	rs := b.rs
	buf := rs.buf
	d.seg = &segment{
		bc:        append([]uint16(nil), buf.bc[:buf.bci]...),
		handlers:  buf.handlers,
		sourceMap: buf.sourceMap,
		targets:   buf.targets,
		siteRefs:  buf.siteRefs,
		maxStack:  rs.maxStack,
	}
	rs.buf = d.saved
	rs.curStack = d.savedStack
	rs.maxStack = d.savedMax
	rs.segments--
	d.saved = nil
}

// inline copies a finally handler at the current position, relocating its
// branch targets, handler table and source map. Every copy after the first
// gets its own call sites.
func (b *Builder) inline(seg *segment) {
	rs := b.rs
	buf := rs.buf
	base := buf.bci
	depth := rs.curStack
	buf.grow(len(seg.bc))
	copy(buf.bc[base:], seg.bc)
	buf.bci += len(seg.bc)
	for _, pos := range seg.targets {
		buf.bc[base+pos] = narrow(int(seg.bc[pos])+base, "branch target")
		buf.targets = append(buf.targets, base+pos)
	}
	for _, pos := range seg.siteRefs {
		site := int(seg.bc[pos])
		if seg.copies > 0 {
			s := rs.sites[site]
			site = b.addSite(s.Operation, s.Pops, s.Pushes)
		}
		buf.bc[base+pos] = narrow(site, "site")
		buf.siteRefs = append(buf.siteRefs, base+pos)
	}
	for _, h := range seg.handlers {
		h.Start += base
		h.End += base
		h.Handler += base
		h.StackDepth += depth
		buf.handlers = append(buf.handlers, h)
	}
	for _, e := range seg.sourceMap {
		e.Start += base
		e.End += base
		buf.sourceMap = append(buf.sourceMap, e)
	}
	if depth+seg.maxStack > rs.maxStack {
		rs.maxStack = depth + seg.maxStack
	}
	seg.copies++
}

// exitTo prepares a jump out of every operation above the frame at index
// stop: protected ranges are closed and finally handlers are copied,
// innermost first. The returned regions must be reopened after the jump.
func (b *Builder) exitTo(stop int) []*tryData {
	rs := b.rs
	var reopen []*tryData
	for i := len(rs.ops) - 1; i > stop; i-- {
		f := rs.ops[i]
		d, ok := f.data.(*tryData)
		if !ok {
			continue
		}
		switch f.op.Kind {
		case operation.KindTryCatch:
			if f.childCount == 0 {
				d.close(rs.buf.bci)
				reopen = append(reopen, d)
			}
		case operation.KindFinallyTry, operation.KindFinallyTryNoExcept:
			if f.childCount == 1 {
				d.close(rs.buf.bci)
				reopen = append(reopen, d)
				b.inline(d.seg)
			}
		}
	}
	return reopen
}

func (b *Builder) reopen(regions []*tryData) {
	for _, d := range regions {
		d.open(b.rs.buf.bci)
	}
}

// finishFinally emits the normal exit and, unless exceptions are excluded,
// the exceptional path of a FinallyTry.
func (b *Builder) finishFinally(d *tryData) {
	d.close(b.rs.buf.bci)
	b.inline(d.seg)
	if d.local == nil {
		return
	}
	end := b.emitForward(op.Branch)
	b.addHandlers(d, b.rs.buf.bci)
	b.inline(d.seg)
	b.emit(op.LoadLocal, d.local.index)
	b.emit(op.Throw)
	b.patch(end)
}

// enclosingSource returns the source index of the innermost open Source.
func (b *Builder) enclosingSource() (int, bool) {
	rs := b.rs
	for i := len(rs.ops) - 1; i >= 0; i-- {
		if rs.ops[i].op.Kind == operation.KindSource {
			idx, _ := rs.ops[i].data.(int)
			return idx, true
		}
	}
	return -1, false
}
