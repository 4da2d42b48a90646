package builder

import (
	"context"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
	"github.com/deepnoodle-ai/bytecodedsl/operation"
	"github.com/deepnoodle-ai/bytecodedsl/serialization"
)

// Deserialize replays a stream written by Serialize through a real builder.
// input is called once per parse, so reparsing reads the stream again.
func Deserialize(
	ctx context.Context,
	model *operation.Model,
	cfg bytecode.ReparseConfig,
	input func() (io.Reader, error),
	codec serialization.Codec,
	opts ...Option,
) (*Nodes, error) {
	if codec == nil {
		codec = serialization.StandardCodec{}
	}
	parser := func(b *Builder) {
		rd, err := input()
		if err != nil {
			panic(errz.New(errz.ErrSerialization, "", "open input").WithCause(err))
		}
		p := &replayer{
			ctx:   ctx,
			b:     b,
			dec:   msgpack.NewDecoder(rd),
			codec: codec,
		}
		p.run()
	}
	return Create(model, cfg, parser, opts...)
}

// replayer reads records and issues the corresponding builder calls.
type replayer struct {
	ctx   context.Context
	b     *Builder
	dec   *msgpack.Decoder
	codec serialization.Codec

	locals  []*Local
	labels  []*Label
	objects []any
}

var _ serialization.DeserializerContext = (*replayer)(nil)

func (p *replayer) fail(code errz.ErrorCode, format string, args ...any) {
	panic(errz.NewCoded(errz.ErrSerialization, code, "", format, args...))
}

// check converts a decode failure into a malformed stream error.
func (p *replayer) check(err error) {
	if err == nil {
		return
	}
	var se *errz.StructuredError
	if errors.As(err, &se) {
		panic(se)
	}
	panic(errz.NewCoded(errz.ErrSerialization, errz.E2004, "", "malformed stream").WithCause(err))
}

func (p *replayer) int() int {
	n, err := p.dec.DecodeInt()
	p.check(err)
	return n
}

func (p *replayer) string() string {
	s, err := p.dec.DecodeString()
	p.check(err)
	return s
}

func (p *replayer) local() *Local {
	idx := p.int()
	if idx < 0 || idx >= len(p.locals) {
		p.fail(errz.E2004, "local %d is not defined", idx)
	}
	return p.locals[idx]
}

func (p *replayer) label() *Label {
	idx := p.int()
	if idx < 0 || idx >= len(p.labels) {
		p.fail(errz.E2004, "label %d is not defined", idx)
	}
	return p.labels[idx]
}

func (p *replayer) object() any {
	idx := p.int()
	if idx < 0 || idx >= len(p.objects) {
		p.fail(errz.E2004, "object %d is not defined", idx)
	}
	return p.objects[idx]
}

// ReadUnit resolves a reference to a root ended earlier in the stream.
func (p *replayer) ReadUnit(dec *msgpack.Decoder) (*bytecode.Unit, error) {
	idx, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(p.b.built) {
		return nil, errz.NewCoded(errz.ErrSerialization, errz.E2004, "", "unit %d is not defined", idx)
	}
	return p.b.built[idx], nil
}

func (p *replayer) header() {
	magic, err := p.dec.DecodeString()
	p.check(err)
	if magic != streamMagic {
		p.fail(errz.E2004, "not a serialized instruction stream")
	}
	version, err := p.dec.DecodeUint16()
	p.check(err)
	if version != streamVersion {
		p.fail(errz.E2004, "unsupported stream version %d", version)
	}
	if name := p.string(); name != p.b.model.Name() {
		p.fail(errz.E2004, "stream was written for instruction set %q, not %q", name, p.b.model.Name())
	}
}

func (p *replayer) run() {
	p.header()
	for {
		if err := p.ctx.Err(); err != nil {
			panic(errz.New(errz.ErrSerialization, "", "deserialization canceled").WithCause(err))
		}
		code, err := p.dec.DecodeInt16()
		p.check(err)
		switch code {
		case codeCreateLocal:
			p.locals = append(p.locals, p.b.CreateLocalNamed(p.string()))
		case codeCreateLabel:
			p.labels = append(p.labels, p.b.CreateLabel())
		case codeCreateObject:
			tag, err := p.dec.DecodeUint8()
			p.check(err)
			var v any
			if tag != serialization.TagNil {
				v, err = p.codec.Decode(p, tag, p.dec)
				p.check(err)
			}
			p.objects = append(p.objects, v)
		case codeSetRootName:
			p.b.SetRootName(p.string())
		case codeEndSerialize:
			return
		default:
			if code < 0 {
				p.fail(errz.E2002, "unknown record code %d", code)
			}
			o, ok := p.b.model.Operation(int(code >> 1))
			if !ok {
				p.fail(errz.E2002, "unknown operation id %d", code>>1)
			}
			p.replay(o, code&1 == 1)
		}
	}
}

func (p *replayer) replay(o *operation.Operation, end bool) {
	b := p.b
	switch o.Kind {
	case operation.KindRoot:
		if end {
			b.EndRoot()
		} else {
			b.BeginRoot()
		}
	case operation.KindBlock:
		pick(end, b.BeginBlock, b.EndBlock)
	case operation.KindIfThen:
		pick(end, b.BeginIfThen, b.EndIfThen)
	case operation.KindIfThenElse:
		pick(end, b.BeginIfThenElse, b.EndIfThenElse)
	case operation.KindConditional:
		pick(end, b.BeginConditional, b.EndConditional)
	case operation.KindWhile:
		pick(end, b.BeginWhile, b.EndWhile)
	case operation.KindTryCatch:
		if end {
			b.EndTryCatch()
		} else {
			b.BeginTryCatch(p.local())
		}
	case operation.KindFinallyTry:
		if end {
			b.EndFinallyTry()
		} else {
			b.BeginFinallyTry(p.local())
		}
	case operation.KindFinallyTryNoExcept:
		pick(end, b.BeginFinallyTryNoExcept, b.EndFinallyTryNoExcept)
	case operation.KindLabel:
		b.EmitLabel(p.label())
	case operation.KindBranch:
		b.EmitBranch(p.label())
	case operation.KindLoadConstant:
		b.EmitLoadConstant(p.object())
	case operation.KindLoadArgument:
		b.EmitLoadArgument(p.int())
	case operation.KindLoadLocal:
		b.EmitLoadLocal(p.local())
	case operation.KindStoreLocal:
		if end {
			b.EndStoreLocal()
		} else {
			b.BeginStoreLocal(p.local())
		}
	case operation.KindLoadLocalMaterialized:
		if end {
			b.EndLoadLocalMaterialized()
		} else {
			b.BeginLoadLocalMaterialized(p.local())
		}
	case operation.KindStoreLocalMaterialized:
		if end {
			b.EndStoreLocalMaterialized()
		} else {
			b.BeginStoreLocalMaterialized(p.local())
		}
	case operation.KindLoadFrame:
		b.EmitLoadFrame()
	case operation.KindReturn:
		pick(end, b.BeginReturn, b.EndReturn)
	case operation.KindYield:
		pick(end, b.BeginYield, b.EndYield)
	case operation.KindThrow:
		pick(end, b.BeginThrow, b.EndThrow)
	case operation.KindSource:
		if end {
			b.EndSource()
			return
		}
		src, ok := p.object().(*bytecode.Source)
		if !ok {
			p.fail(errz.E2004, "Source record does not refer to a source object")
		}
		b.BeginSource(src)
	case operation.KindSourceSection:
		if end {
			b.EndSourceSection()
			return
		}
		start := p.int()
		b.BeginSourceSection(start, p.int())
	case operation.KindTag:
		if end {
			b.EndTag()
		} else {
			b.BeginTag(p.string())
		}
	case operation.KindCustom:
		if end {
			b.EndCustom(o.Name)
		} else {
			b.BeginCustom(o.Name)
		}
	case operation.KindShortCircuit:
		if end {
			b.EndShortCircuit(o.Name)
		} else {
			b.BeginShortCircuit(o.Name)
		}
	default:
		p.fail(errz.E2002, "operation %s cannot be deserialized", o.Name)
	}
}

func pick(end bool, begin, finish func()) {
	if end {
		finish()
	} else {
		begin()
	}
}
