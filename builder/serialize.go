package builder

import (
	"context"
	"io"
	"math"

	"fortio.org/safecast"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
	"github.com/deepnoodle-ai/bytecodedsl/serialization"
)

// Record codes. Operation records use opID<<1 | isEnd; the special records
// use negative codes.
const (
	codeCreateLocal  int16 = -1
	codeCreateLabel  int16 = -2
	codeCreateObject int16 = -3
	codeSetRootName  int16 = -4
	codeEndSerialize int16 = -5
)

const (
	streamMagic   = "BCDSL"
	streamVersion = uint16(1)
)

// object marks a builder argument that is written as an object reference.
type object struct {
	v any
}

type objectRef int

// recorder writes builder calls instead of emitting code.
type recorder struct {
	ctx   context.Context
	enc   *msgpack.Encoder
	codec serialization.Codec

	locals     map[*Local]int
	labels     map[*Label]int
	objects    map[any]int
	numObjects int

	openRoots int
	built     int
}

var _ serialization.SerializerContext = (*recorder)(nil)

// Serialize runs parser against a recording builder and writes the calls to
// w. The model must enable serialization. EndRoot returns placeholder units
// during serialization; they may be used as constants of later roots.
func Serialize(ctx context.Context, model *operation.Model, w io.Writer, codec serialization.Codec, parser Parser) error {
	if model == nil {
		return errz.NewCoded(errz.ErrInternal, errz.E3006, "", "nil model")
	}
	if !model.Definition().EnableSerialization {
		return errz.NewCoded(errz.ErrDefinition, errz.E1010, "",
			"instruction set %q does not enable serialization", model.Name())
	}
	if codec == nil {
		codec = serialization.StandardCodec{}
	}
	r := &recorder{
		ctx:     ctx,
		enc:     msgpack.NewEncoder(w),
		codec:   codec,
		locals:  map[*Local]int{},
		labels:  map[*Label]int{},
		objects: map[any]int{},
	}
	if err := writeAll(
		r.enc.EncodeString(streamMagic),
		r.enc.EncodeUint16(streamVersion),
		r.enc.EncodeString(model.Name()),
	); err != nil {
		return errz.New(errz.ErrSerialization, "", "write header").WithCause(err)
	}
	b := newBuilder(newNodes(model, parser), bytecode.Default, false)
	b.ser = r
	if err := b.run(parser); err != nil {
		return err
	}
	if err := r.enc.EncodeInt(int64(codeEndSerialize)); err != nil {
		return errz.New(errz.ErrSerialization, "", "write end of stream").WithCause(err)
	}
	return nil
}

func writeAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *recorder) check(err error) {
	if err == nil {
		return
	}
	if se, ok := err.(*errz.StructuredError); ok {
		panic(se)
	}
	panic(errz.New(errz.ErrSerialization, "", "write failed").WithCause(err))
}

func (r *recorder) code(c int16) {
	if err := r.ctx.Err(); err != nil {
		panic(errz.New(errz.ErrSerialization, "", "serialization canceled").WithCause(err))
	}
	r.check(r.enc.EncodeInt(int64(c)))
}

func (r *recorder) opCode(o *operation.Operation, end bool) int16 {
	id := o.ID << 1
	if end {
		id |= 1
	}
	c, err := safecast.Conv[int16](id)
	if err != nil {
		panic(errz.NewCoded(errz.ErrSerialization, errz.E2002, o.Name, "operation id %d out of range", o.ID))
	}
	return c
}

// record writes one operation record. Object arguments are written first
// so the record can refer to them by index.
func (r *recorder) record(o *operation.Operation, end bool, args ...any) {
	for i, a := range args {
		if obj, ok := a.(object); ok {
			args[i] = r.object(obj.v)
		}
	}
	r.code(r.opCode(o, end))
	for _, a := range args {
		switch a := a.(type) {
		case int:
			r.check(r.enc.EncodeInt(int64(a)))
		case objectRef:
			r.check(r.enc.EncodeInt(int64(a)))
		case string:
			r.check(r.enc.EncodeString(a))
		case *Local:
			idx, ok := r.locals[a]
			if !ok {
				panic(errz.New(errz.ErrLocal, o.Name, "local was not created by this builder"))
			}
			r.check(r.enc.EncodeInt(int64(idx)))
		case *Label:
			idx, ok := r.labels[a]
			if !ok {
				panic(errz.New(errz.ErrLabel, o.Name, "label was not created by this builder"))
			}
			r.check(r.enc.EncodeInt(int64(idx)))
		default:
			panic(errz.New(errz.ErrInternal, o.Name, "unsupported record argument %T", a))
		}
	}
}

// object writes v once and returns its index. Values of comparable types
// are written only on first use.
func (r *recorder) object(v any) objectRef {
	key, dedup := objectKey(v)
	if dedup {
		if idx, ok := r.objects[key]; ok {
			return objectRef(idx)
		}
	}
	r.code(codeCreateObject)
	if v == nil {
		r.check(r.enc.EncodeUint8(serialization.TagNil))
	} else {
		r.check(r.codec.Encode(r, r.enc, v))
	}
	idx := r.numObjects
	r.numObjects++
	if dedup {
		r.objects[key] = idx
	}
	return objectRef(idx)
}

type floatBits struct {
	bits  uint64
	width int
}

// objectKey returns the key v is deduplicated by. Floats are keyed by their
// bits so that -0.0 and 0.0 stay distinct objects.
func objectKey(v any) (any, bool) {
	switch f := v.(type) {
	case float64:
		return floatBits{bits: math.Float64bits(f), width: 64}, true
	case float32:
		return floatBits{bits: uint64(math.Float32bits(f)), width: 32}, true
	}
	return v, isComparable(v)
}

func isComparable(v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[any]struct{}{v: {}}
	return true
}

// WriteUnit writes a reference to a unit built earlier in the same stream.
func (r *recorder) WriteUnit(enc *msgpack.Encoder, unit *bytecode.Unit) error {
	if unit == nil || !unit.IsPlaceholder() || unit.BuildIndex() >= r.built {
		return errz.NewCoded(errz.ErrSerialization, errz.E2005, "",
			"only units created by the same serialization can be referenced")
	}
	return enc.EncodeInt(int64(unit.BuildIndex()))
}

func (r *recorder) beginRoot(o *operation.Operation) {
	r.openRoots++
	r.record(o, false)
}

func (r *recorder) endRoot(o *operation.Operation) *bytecode.Unit {
	if r.openRoots == 0 {
		panic(errz.New(errz.ErrNesting, o.Name, "unexpected EndRoot without BeginRoot"))
	}
	r.openRoots--
	r.record(o, true)
	u := bytecode.NewPlaceholder(r.built)
	r.built++
	return u
}

func (r *recorder) setRootName(name string) {
	r.code(codeSetRootName)
	r.check(r.enc.EncodeString(name))
}

func (r *recorder) createLocal(name string) *Local {
	r.code(codeCreateLocal)
	r.check(r.enc.EncodeString(name))
	l := &Local{index: len(r.locals), name: name}
	r.locals[l] = l.index
	return l
}

func (r *recorder) createLabel() *Label {
	r.code(codeCreateLabel)
	l := &Label{id: len(r.labels)}
	r.labels[l] = l.id
	return l
}
