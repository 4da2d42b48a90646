package serialization

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/errz"
)

// unitTable resolves units by build index in both directions.
type unitTable struct {
	units []*bytecode.Unit
}

func (u *unitTable) WriteUnit(enc *msgpack.Encoder, unit *bytecode.Unit) error {
	return enc.EncodeInt(int64(unit.BuildIndex()))
}

func (u *unitTable) ReadUnit(dec *msgpack.Decoder) (*bytecode.Unit, error) {
	idx, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	return u.units[idx], nil
}

func roundTrip(t *testing.T, codec Codec, ctx *unitTable, v any) any {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, codec.Encode(ctx, enc, v))
	dec := msgpack.NewDecoder(&buf)
	tag, err := dec.DecodeUint8()
	require.NoError(t, err)
	out, err := codec.Decode(ctx, tag, dec)
	require.NoError(t, err)
	return out
}

func TestStandardCodec(t *testing.T) {
	unit := bytecode.NewPlaceholder(0)
	ctx := &unitTable{units: []*bytecode.Unit{unit}}
	codec := StandardCodec{}

	require.Equal(t, int64(-7), roundTrip(t, codec, ctx, int64(-7)))
	require.Equal(t, "hi", roundTrip(t, codec, ctx, "hi"))
	require.Equal(t, true, roundTrip(t, codec, ctx, true))
	require.Equal(t, 1.5, roundTrip(t, codec, ctx, 1.5))
	require.Equal(t, []int64{1, 2}, roundTrip(t, codec, ctx, []int64{1, 2}))
	require.Same(t, unit, roundTrip(t, codec, ctx, unit))

	src := roundTrip(t, codec, ctx, bytecode.NewSource("a", "b")).(*bytecode.Source)
	require.Equal(t, "a", src.Name)
	require.Equal(t, "b", src.Content)
}

func TestStandardCodecRejectsUnknownValues(t *testing.T) {
	var buf bytes.Buffer
	err := StandardCodec{}.Encode(&unitTable{}, msgpack.NewEncoder(&buf), struct{}{})
	require.ErrorIs(t, err, errz.ErrMalformedStream)

	for _, v := range []any{7, int32(7), uint64(7)} {
		err = StandardCodec{}.Encode(&unitTable{}, msgpack.NewEncoder(&buf), v)
		var se *errz.StructuredError
		require.ErrorAs(t, err, &se)
		require.Equal(t, errz.E2005, se.Code)
	}
	require.Zero(t, buf.Len())

	_, err = StandardCodec{}.Decode(&unitTable{}, 99, msgpack.NewDecoder(&buf))
	require.ErrorIs(t, err, errz.ErrUnknownTag)
}

type color struct {
	R, G, B uint8
}

func TestCBORCodecRegistration(t *testing.T) {
	codec := NewCBORCodec()
	require.Error(t, codec.Register(TagString, color{}))
	require.NoError(t, codec.Register(FirstUserTag, color{}))
	require.Error(t, codec.Register(FirstUserTag, 1.5))
	require.Error(t, codec.Register(FirstUserTag+1, color{}))

	ctx := &unitTable{}
	require.Equal(t, color{R: 1, G: 2, B: 3}, roundTrip(t, codec, ctx, color{R: 1, G: 2, B: 3}))
	require.Equal(t, "plain", roundTrip(t, codec, ctx, "plain"))
}
