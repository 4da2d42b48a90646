package builder

import (
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/op"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
)

func (b *Builder) builtin(kind operation.Kind) *operation.Operation {
	return b.model.Builtin(kind)
}

// BeginRoot starts a new root. A root begun while another is open is a
// nested root: it is built independently and does not count as a child of
// the enclosing operation.
func (b *Builder) BeginRoot() {
	if b.ser != nil {
		b.ser.beginRoot(b.builtin(operation.KindRoot))
		return
	}
	b.rs = newRootState(b.rs)
	b.rs.ops = append(b.rs.ops, &opFrame{op: b.builtin(operation.KindRoot)})
}

// EndRoot finishes the current root and returns its unit.
func (b *Builder) EndRoot() *bytecode.Unit {
	o := b.builtin(operation.KindRoot)
	if b.ser != nil {
		return b.ser.endRoot(o)
	}
	if b.rs == nil || len(b.rs.ops) == 0 {
		b.fail(errz.ErrNesting, o.Name, "unexpected EndRoot without BeginRoot")
	}
	b.end(o)
	rs := b.rs

	b.emit(op.LoadConstant, b.addConstant(nil))
	b.emit(op.Return)
	if rs.curStack != 0 {
		b.fail(errz.ErrInternal, o.Name, "operand stack depth %d at end of root", rs.curStack)
	}
	if rs.buf.bci > MaxCodeWords {
		panic(errz.NewCoded(errz.ErrNesting, errz.E1009, o.Name,
			"root %q has %d instruction words, the limit is %d", rs.name, rs.buf.bci, MaxCodeWords))
	}

	code := bytecode.NewCode(bytecode.CodeParams{
		Name:                rs.name,
		Instructions:        rs.buf.bc[:rs.buf.bci],
		Constants:           rs.constants,
		Handlers:            rs.buf.handlers,
		Sites:               rs.sites,
		Probes:              rs.probes,
		LocalCount:          rs.numLocals,
		MaxStack:            rs.maxStack,
		LocalNames:          rs.localNames,
		Sources:             rs.sources,
		SourceMap:           rs.buf.sourceMap,
		WithSource:          b.withSource,
		WithInstrumentation: b.cfg.Has(bytecode.WithInstrumentation),
	})
	if err := bytecode.Verify(code); err != nil {
		panic(errz.New(errz.ErrInternal, o.Name, "generated code for %q failed verification", rs.name).WithCause(err))
	}

	index := len(b.built)
	var unit *bytecode.Unit
	if b.reparse {
		if index >= len(b.nodes.units) {
			b.fail(errz.ErrInternal, o.Name, "reparse produced more roots than the original parse")
		}
		unit = b.nodes.units[index]
		b.pending = append(b.pending, code)
	} else {
		unit = bytecode.NewUnit(index, code, b.nodes)
	}
	b.built = append(b.built, unit)
	b.rs = rs.parent

	b.logger.Debug().
		Str("root", rs.name).
		Stringer("unit_id", unit.ID()).
		Int("index", index).
		Int("words", code.InstructionCount()).
		Int("max_stack", code.MaxStack()).
		Msg("built root")
	return unit
}

// SetRootName names the current root.
func (b *Builder) SetRootName(name string) {
	if b.ser != nil {
		b.ser.setRootName(name)
		return
	}
	b.requireRoot("SetRootName").name = name
}

// CreateLocal allocates a new frame slot in the current root.
func (b *Builder) CreateLocal() *Local {
	return b.CreateLocalNamed("")
}

// CreateLocalNamed allocates a new frame slot with a debug name.
func (b *Builder) CreateLocalNamed(name string) *Local {
	if b.ser != nil {
		return b.ser.createLocal(name)
	}
	rs := b.requireRoot("CreateLocal")
	l := &Local{index: rs.numLocals, name: name, root: rs}
	rs.numLocals++
	rs.localNames = append(rs.localNames, name)
	return l
}

// CreateLabel creates a label owned by the innermost open operation.
func (b *Builder) CreateLabel() *Label {
	if b.ser != nil {
		return b.ser.createLabel()
	}
	rs := b.requireRoot("CreateLabel")
	owner := rs.top()
	l := &Label{id: rs.numLabels, root: rs, owner: owner, buf: rs.buf}
	rs.numLabels++
	owner.labels = append(owner.labels, l)
	return l
}

func (b *Builder) BeginBlock() {
	o := b.builtin(operation.KindBlock)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	b.begin(o)
}

func (b *Builder) EndBlock() {
	o := b.builtin(operation.KindBlock)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	b.afterChild(f.childCount > 0 && f.produced)
}

func (b *Builder) BeginIfThen() {
	b.beginIf(operation.KindIfThen)
}

func (b *Builder) EndIfThen() {
	b.endIf(operation.KindIfThen, false)
}

func (b *Builder) BeginIfThenElse() {
	b.beginIf(operation.KindIfThenElse)
}

func (b *Builder) EndIfThenElse() {
	b.endIf(operation.KindIfThenElse, false)
}

// BeginConditional starts a value-producing if-then-else.
func (b *Builder) BeginConditional() {
	b.beginIf(operation.KindConditional)
}

func (b *Builder) EndConditional() {
	b.endIf(operation.KindConditional, true)
}

func (b *Builder) beginIf(kind operation.Kind) {
	o := b.builtin(kind)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	f := b.begin(o)
	f.data = &ifData{elseFixup: -1, endFixup: -1}
}

func (b *Builder) endIf(kind operation.Kind, produced bool) {
	o := b.builtin(kind)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	b.patch(f.data.(*ifData).endFixup)
	b.afterChild(produced)
}

func (b *Builder) BeginWhile() {
	o := b.builtin(operation.KindWhile)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	f := b.begin(o)
	f.data = &whileData{start: b.rs.buf.bci, endFixup: -1}
}

func (b *Builder) EndWhile() {
	o := b.builtin(operation.KindWhile)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	b.patch(f.data.(*whileData).endFixup)
	b.afterChild(false)
}

// BeginTryCatch starts a protected body (child 0) and its handler
// (child 1). The thrown value is stored into local before the handler runs.
func (b *Builder) BeginTryCatch(local *Local) {
	o := b.builtin(operation.KindTryCatch)
	if b.ser != nil {
		b.ser.record(o, false, local)
		return
	}
	b.requireRoot(o.Name)
	b.checkLocal(local, o, false)
	f := b.begin(o)
	f.data = &tryData{local: local, depth: b.rs.curStack, rangeStart: b.rs.buf.bci, endFixup: -1}
}

func (b *Builder) EndTryCatch() {
	o := b.builtin(operation.KindTryCatch)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	b.patch(f.data.(*tryData).endFixup)
	b.afterChild(false)
}

// BeginFinallyTry starts a finally handler (child 0) followed by the body it
// protects (child 1). The handler runs on every exit from the body; on an
// exceptional exit the exception is stored into local and rethrown after
// the handler.
func (b *Builder) BeginFinallyTry(local *Local) {
	o := b.builtin(operation.KindFinallyTry)
	if b.ser != nil {
		b.ser.record(o, false, local)
		return
	}
	b.requireRoot(o.Name)
	b.checkLocal(local, o, false)
	f := b.begin(o)
	f.data = &tryData{local: local, rangeStart: -1, endFixup: -1}
}

func (b *Builder) EndFinallyTry() {
	b.endFinally(operation.KindFinallyTry)
}

// BeginFinallyTryNoExcept is like BeginFinallyTry but the handler does not
// run when the body throws.
func (b *Builder) BeginFinallyTryNoExcept() {
	o := b.builtin(operation.KindFinallyTryNoExcept)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	f := b.begin(o)
	f.data = &tryData{rangeStart: -1, endFixup: -1}
}

func (b *Builder) EndFinallyTryNoExcept() {
	b.endFinally(operation.KindFinallyTryNoExcept)
}

func (b *Builder) endFinally(kind operation.Kind) {
	o := b.builtin(kind)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	b.finishFinally(f.data.(*tryData))
	b.afterChild(false)
}

// EmitLabel defines label at the current position.
func (b *Builder) EmitLabel(label *Label) {
	o := b.builtin(operation.KindLabel)
	if b.ser != nil {
		b.ser.record(o, false, label)
		return
	}
	rs := b.requireRoot(o.Name)
	b.checkLabel(label, o)
	if label.defined {
		b.failCoded(errz.ErrLabel, errz.E1004, o.Name, "label %d must not be emitted twice", label.id)
	}
	if rs.top() != label.owner {
		b.failCoded(errz.ErrLabel, errz.E1005, o.Name,
			"label %d must be emitted inside the same operation it was created in", label.id)
	}
	b.beforeChild()
	if label.buf != rs.buf {
		b.failCoded(errz.ErrLabel, errz.E1005, o.Name,
			"label %d must not be emitted inside a finally handler it was not created in", label.id)
	}
	label.defined = true
	label.bci = rs.buf.bci
	label.depth = rs.curStack
	for _, fx := range label.fixups {
		if fx.depth != rs.curStack {
			b.failCoded(errz.ErrLabel, errz.E1007, o.Name,
				"branch to label %d at stack depth %d, but the label is at depth %d", label.id, fx.depth, rs.curStack)
		}
		rs.buf.bc[fx.pos] = narrow(rs.buf.bci, "branch target")
	}
	label.fixups = nil
	b.afterChild(false)
}

// EmitBranch jumps to label. The label must belong to an operation that
// encloses the branch. Finally handlers of every region left are run first.
func (b *Builder) EmitBranch(label *Label) {
	o := b.builtin(operation.KindBranch)
	if b.ser != nil {
		b.ser.record(o, false, label)
		return
	}
	rs := b.requireRoot(o.Name)
	b.checkLabel(label, o)
	stop := rs.frameIndex(label.owner)
	if stop < 0 {
		b.failCoded(errz.ErrLabel, errz.E1005, o.Name,
			"branch must be inside the operation that created label %d", label.id)
	}
	// the enclosing operation may start recording a finally handler
	b.beforeChild()
	if label.buf != rs.buf {
		b.failCoded(errz.ErrLabel, errz.E1005, o.Name,
			"branch to label %d leaves a finally handler", label.id)
	}
	regions := b.exitTo(stop)
	if label.defined {
		if label.depth != rs.curStack {
			b.failCoded(errz.ErrLabel, errz.E1007, o.Name,
				"branch to label %d at stack depth %d, but the label is at depth %d", label.id, rs.curStack, label.depth)
		}
		b.emit(op.Branch, label.bci)
	} else {
		pos := b.emitForward(op.Branch)
		label.fixups = append(label.fixups, fixup{pos: pos, depth: rs.curStack})
	}
	b.reopen(regions)
	b.afterChild(false)
}

func (b *Builder) checkLabel(label *Label, o *operation.Operation) {
	if label == nil {
		b.fail(errz.ErrLabel, o.Name, "nil label")
	}
	if label.root != b.rs {
		b.failCoded(errz.ErrLabel, errz.E1005, o.Name, "label %d belongs to a different root", label.id)
	}
}

// EmitLoadConstant pushes v. Units built earlier may be used as constants.
func (b *Builder) EmitLoadConstant(v any) {
	o := b.builtin(operation.KindLoadConstant)
	if b.ser != nil {
		b.ser.record(o, false, object{v})
		return
	}
	b.requireRoot(o.Name)
	b.beforeChild()
	b.emit(op.LoadConstant, b.addConstant(v))
	b.afterChild(true)
}

// EmitLoadArgument pushes the invocation argument at index.
func (b *Builder) EmitLoadArgument(index int) {
	o := b.builtin(operation.KindLoadArgument)
	if b.ser != nil {
		b.ser.record(o, false, index)
		return
	}
	b.requireRoot(o.Name)
	if index < 0 {
		b.failCoded(errz.ErrNesting, errz.E1009, o.Name, "negative argument index %d", index)
	}
	b.beforeChild()
	b.emit(op.LoadArgument, index)
	b.afterChild(true)
}

func (b *Builder) EmitLoadLocal(local *Local) {
	o := b.builtin(operation.KindLoadLocal)
	if b.ser != nil {
		b.ser.record(o, false, local)
		return
	}
	b.requireRoot(o.Name)
	b.checkLocal(local, o, false)
	b.beforeChild()
	b.emit(op.LoadLocal, local.index)
	b.afterChild(true)
}

func (b *Builder) BeginStoreLocal(local *Local) {
	b.beginLocal(operation.KindStoreLocal, local, false)
}

func (b *Builder) EndStoreLocal() {
	b.endLocal(operation.KindStoreLocal, op.StoreLocal, false)
}

// BeginLoadLocalMaterialized reads local out of the frame produced by the
// single child, which is usually LoadFrame or a captured frame.
func (b *Builder) BeginLoadLocalMaterialized(local *Local) {
	b.beginLocal(operation.KindLoadLocalMaterialized, local, true)
}

func (b *Builder) EndLoadLocalMaterialized() {
	b.endLocal(operation.KindLoadLocalMaterialized, op.LoadLocalMaterialized, true)
}

// BeginStoreLocalMaterialized writes the second child into local of the
// frame produced by the first child.
func (b *Builder) BeginStoreLocalMaterialized(local *Local) {
	b.beginLocal(operation.KindStoreLocalMaterialized, local, true)
}

func (b *Builder) EndStoreLocalMaterialized() {
	b.endLocal(operation.KindStoreLocalMaterialized, op.StoreLocalMaterialized, false)
}

func (b *Builder) beginLocal(kind operation.Kind, local *Local, materialized bool) {
	o := b.builtin(kind)
	if b.ser != nil {
		b.ser.record(o, false, local)
		return
	}
	b.requireRoot(o.Name)
	b.checkLocal(local, o, materialized)
	f := b.begin(o)
	f.data = local
}

func (b *Builder) endLocal(kind operation.Kind, code op.Code, produced bool) {
	o := b.builtin(kind)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	b.emit(code, f.data.(*Local).index)
	b.afterChild(produced)
}

// EmitLoadFrame pushes the current frame, materialized so it can outlive the
// invocation.
func (b *Builder) EmitLoadFrame() {
	o := b.builtin(operation.KindLoadFrame)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	b.requireRoot(o.Name)
	b.beforeChild()
	b.emit(op.LoadFrame)
	b.afterChild(true)
}

func (b *Builder) BeginReturn() {
	o := b.builtin(operation.KindReturn)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	b.begin(o)
}

func (b *Builder) EndReturn() {
	o := b.builtin(operation.KindReturn)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	b.end(o)
	if b.rs.segments > 0 {
		b.failCoded(errz.ErrNesting, errz.E1001, o.Name, "Return must not be used inside a finally handler")
	}
	regions := b.exitTo(0)
	b.emit(op.Return)
	b.reopen(regions)
	b.afterChild(false)
}

// BeginYield suspends execution with the child's value. The operation
// produces the value passed on resume.
func (b *Builder) BeginYield() {
	o := b.builtin(operation.KindYield)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	b.requireRoot(o.Name)
	if !b.model.Definition().EnableYield {
		b.failCoded(errz.ErrDefinition, errz.E1010, o.Name, "Yield requires a definition with EnableYield")
	}
	b.begin(o)
}

func (b *Builder) EndYield() {
	o := b.builtin(operation.KindYield)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	b.end(o)
	b.emit(op.Yield)
	b.afterChild(true)
}

func (b *Builder) BeginThrow() {
	o := b.builtin(operation.KindThrow)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	b.begin(o)
}

func (b *Builder) EndThrow() {
	o := b.builtin(operation.KindThrow)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	b.end(o)
	b.emit(op.Throw)
	b.afterChild(false)
}

// BeginSource associates the enclosed code with src.
func (b *Builder) BeginSource(src *bytecode.Source) {
	o := b.builtin(operation.KindSource)
	if b.ser != nil {
		b.ser.record(o, false, object{src})
		return
	}
	b.requireRoot(o.Name)
	if src == nil {
		b.fail(errz.ErrNesting, o.Name, "nil source")
	}
	f := b.begin(o)
	index := -1
	if b.withSource {
		rs := b.rs
		var ok bool
		if index, ok = rs.sourceIdx[src]; !ok {
			index = len(rs.sources)
			rs.sources = append(rs.sources, src)
			rs.sourceIdx[src] = index
		}
	}
	f.data = index
}

func (b *Builder) EndSource() {
	o := b.builtin(operation.KindSource)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	b.afterChild(f.childCount > 0 && f.produced)
}

// BeginSourceSection maps the enclosed code to a character range of the
// innermost Source.
func (b *Builder) BeginSourceSection(start, length int) {
	o := b.builtin(operation.KindSourceSection)
	if b.ser != nil {
		b.ser.record(o, false, start, length)
		return
	}
	b.requireRoot(o.Name)
	if _, ok := b.enclosingSource(); !ok {
		b.fail(errz.ErrNesting, o.Name, "SourceSection must be nested inside a Source")
	}
	if start < 0 || length < 0 {
		b.fail(errz.ErrNesting, o.Name, "invalid source section %d+%d", start, length)
	}
	f := b.begin(o)
	f.data = &sectionData{bci: b.rs.buf.bci, start: start, length: length}
}

func (b *Builder) EndSourceSection() {
	o := b.builtin(operation.KindSourceSection)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	d := f.data.(*sectionData)
	if b.withSource {
		buf := b.rs.buf
		src, _ := b.enclosingSource()
		if buf.bci > d.bci {
			buf.sourceMap = append(buf.sourceMap, bytecode.SourceMapEntry{
				Start:       d.bci,
				End:         buf.bci,
				SourceIndex: src,
				CharStart:   d.start,
				CharLength:  d.length,
			})
		}
	}
	b.afterChild(f.childCount > 0 && f.produced)
}

// BeginTag marks its single child for instrumentation. Probes are emitted
// only when the units are built with instrumentation.
func (b *Builder) BeginTag(tag string) {
	o := b.builtin(operation.KindTag)
	if b.ser != nil {
		b.ser.record(o, false, tag)
		return
	}
	f := b.begin(o)
	probe := -1
	if b.withInstrumentation {
		rs := b.rs
		probe = len(rs.probes)
		rs.probes = append(rs.probes, bytecode.Probe{Tag: tag})
		b.emit(op.InstrumentationEnter, probe)
	}
	f.data = probe
}

func (b *Builder) EndTag() {
	o := b.builtin(operation.KindTag)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	produced := f.childCount > 0 && f.produced
	if probe := f.data.(int); probe >= 0 {
		b.rs.probes[probe].Void = !produced
		b.emit(op.InstrumentationLeave, probe)
	}
	b.afterChild(produced)
}

// BeginCustom starts the custom operation called name. Its children are its
// arguments.
func (b *Builder) BeginCustom(name string) {
	o := b.lookup(name, operation.KindCustom)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	b.begin(o)
}

func (b *Builder) EndCustom(name string) {
	o := b.lookup(name, operation.KindCustom)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	pushes := 1
	if o.IsVoid {
		pushes = 0
	}
	b.emitCustom(o, f.childCount, pushes)
	b.afterChild(!o.IsVoid)
}

// EmitCustom emits a custom operation that takes no children.
func (b *Builder) EmitCustom(name string) {
	b.BeginCustom(name)
	b.EndCustom(name)
}

// BeginShortCircuit starts the short-circuit operation called name.
func (b *Builder) BeginShortCircuit(name string) {
	o := b.lookup(name, operation.KindShortCircuit)
	if b.ser != nil {
		b.ser.record(o, false)
		return
	}
	f := b.begin(o)
	f.data = &shortCircuitData{}
}

func (b *Builder) EndShortCircuit(name string) {
	o := b.lookup(name, operation.KindShortCircuit)
	if b.ser != nil {
		b.ser.record(o, true)
		return
	}
	f := b.end(o)
	sc := o.ShortCircuit
	if sc.ReturnConvertedValue {
		conv, _ := b.model.Lookup(sc.Converter)
		b.emitCustom(conv, 1, 1)
	}
	for _, pos := range f.data.(*shortCircuitData).fixups {
		b.patch(pos)
	}
	b.afterChild(true)
}
