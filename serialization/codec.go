// Package serialization defines how constants are written into and read
// back from serialized builder streams.
//
// Streams are msgpack encoded. The builder owns the record framing; a Codec
// only handles the payload of one object. Tag 0 is reserved for nil and is
// handled by the builder, so codecs never see nil values.
package serialization

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
)

// Object tags written by StandardCodec. Custom codecs should use tags at or
// above FirstUserTag.
const (
	TagNil     uint8 = 0
	TagInt64   uint8 = 1
	TagString  uint8 = 2
	TagBool    uint8 = 3
	TagInt64s  uint8 = 4
	TagUnit    uint8 = 5
	TagFloat64 uint8 = 6
	TagSource  uint8 = 7

	FirstUserTag uint8 = 16
)

// SerializerContext is passed to codecs while writing. Units are written as
// references to roots of the same stream.
type SerializerContext interface {
	WriteUnit(enc *msgpack.Encoder, unit *bytecode.Unit) error
}

// DeserializerContext is passed to codecs while reading.
type DeserializerContext interface {
	ReadUnit(dec *msgpack.Decoder) (*bytecode.Unit, error)
}

// Codec encodes and decodes constant objects. Encode writes the tag followed
// by the payload. Decode receives the tag already read and consumes the
// payload.
type Codec interface {
	Encode(ctx SerializerContext, enc *msgpack.Encoder, v any) error
	Decode(ctx DeserializerContext, tag uint8, dec *msgpack.Decoder) (any, error)
}
