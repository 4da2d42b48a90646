package serialization

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepnoodle-ai/bytecodedsl/errz"
)

// cborEncMode is canonical so equal values always serialize to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("serialization: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// CBORCodec extends StandardCodec with registered guest types, which are
// embedded as CBOR byte strings. Types are registered by value; decoding
// yields a value of the registered type, not a pointer.
type CBORCodec struct {
	StandardCodec
	byType map[reflect.Type]uint8
	byTag  map[uint8]reflect.Type
}

var _ Codec = (*CBORCodec)(nil)

// NewCBORCodec creates a codec without registered types.
func NewCBORCodec() *CBORCodec {
	return &CBORCodec{
		byType: map[reflect.Type]uint8{},
		byTag:  map[uint8]reflect.Type{},
	}
}

// Register assigns tag to the type of sample. Registration must happen
// before the codec is used.
func (c *CBORCodec) Register(tag uint8, sample any) error {
	if tag < FirstUserTag {
		return errz.NewCoded(errz.ErrSerialization, errz.E2005, "", "tag %d is reserved", tag)
	}
	if sample == nil {
		return errz.NewCoded(errz.ErrSerialization, errz.E2005, "", "cannot register nil")
	}
	if _, dup := c.byTag[tag]; dup {
		return errz.NewCoded(errz.ErrSerialization, errz.E2005, "", "tag %d already registered", tag)
	}
	t := reflect.TypeOf(sample)
	if _, dup := c.byType[t]; dup {
		return errz.NewCoded(errz.ErrSerialization, errz.E2005, "", "type %s already registered", t)
	}
	c.byType[t] = tag
	c.byTag[tag] = t
	return nil
}

func (c *CBORCodec) Encode(ctx SerializerContext, enc *msgpack.Encoder, v any) error {
	tag, ok := c.byType[reflect.TypeOf(v)]
	if !ok {
		return c.StandardCodec.Encode(ctx, enc, v)
	}
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return errz.NewCoded(errz.ErrSerialization, errz.E2005, "", "cbor encode %T", v).WithCause(err)
	}
	return writeAll(enc.EncodeUint8(tag), enc.EncodeBytes(data))
}

func (c *CBORCodec) Decode(ctx DeserializerContext, tag uint8, dec *msgpack.Decoder) (any, error) {
	t, ok := c.byTag[tag]
	if !ok {
		return c.StandardCodec.Decode(ctx, tag, dec)
	}
	data, err := dec.DecodeBytes()
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(t)
	if err := cbor.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, errz.NewCoded(errz.ErrSerialization, errz.E2004, "", "cbor decode %s", t).WithCause(err)
	}
	return ptr.Elem().Interface(), nil
}
