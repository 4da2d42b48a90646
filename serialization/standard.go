package serialization

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
)

// StandardCodec handles the value types built-in operations produce: int64,
// string, bool, []int64, float64, units and sources. Other integer types,
// plain int included, are rejected so that a decoded constant always has
// the type it was built with.
type StandardCodec struct{}

var _ Codec = StandardCodec{}

func (StandardCodec) Encode(ctx SerializerContext, enc *msgpack.Encoder, v any) error {
	switch v := v.(type) {
	case int64:
		return writeAll(enc.EncodeUint8(TagInt64), enc.EncodeInt(v))
	case string:
		return writeAll(enc.EncodeUint8(TagString), enc.EncodeString(v))
	case bool:
		return writeAll(enc.EncodeUint8(TagBool), enc.EncodeBool(v))
	case []int64:
		if err := writeAll(enc.EncodeUint8(TagInt64s), enc.EncodeArrayLen(len(v))); err != nil {
			return err
		}
		for _, n := range v {
			if err := enc.EncodeInt(n); err != nil {
				return err
			}
		}
		return nil
	case *bytecode.Unit:
		if err := enc.EncodeUint8(TagUnit); err != nil {
			return err
		}
		return ctx.WriteUnit(enc, v)
	case float64:
		return writeAll(enc.EncodeUint8(TagFloat64), enc.EncodeFloat64(v))
	case *bytecode.Source:
		return writeAll(enc.EncodeUint8(TagSource), enc.EncodeString(v.Name), enc.EncodeString(v.Content))
	default:
		return errz.NewCoded(errz.ErrSerialization, errz.E2005, "", "cannot encode constant of type %T", v)
	}
}

func (StandardCodec) Decode(ctx DeserializerContext, tag uint8, dec *msgpack.Decoder) (any, error) {
	switch tag {
	case TagInt64:
		return dec.DecodeInt64()
	case TagString:
		return dec.DecodeString()
	case TagBool:
		return dec.DecodeBool()
	case TagInt64s:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return []int64(nil), nil
		}
		out := make([]int64, n)
		for i := range out {
			if out[i], err = dec.DecodeInt64(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case TagUnit:
		return ctx.ReadUnit(dec)
	case TagFloat64:
		return dec.DecodeFloat64()
	case TagSource:
		name, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		content, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return bytecode.NewSource(name, content), nil
	default:
		return nil, errz.NewCoded(errz.ErrSerialization, errz.E2003, "", "unknown object tag %d", tag)
	}
}

// writeAll returns the first error of a sequence of encoder calls.
func writeAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
