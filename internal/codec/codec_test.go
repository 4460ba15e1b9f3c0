package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citrusdb/citrusdb-go/internal/constants"
	"github.com/citrusdb/citrusdb-go/internal/digest"
	"github.com/citrusdb/citrusdb-go/internal/value"
)

func TestIntWidthTable(t *testing.T) {
	cases := []struct {
		v     int64
		width int
	}{
		{-1, 8},
		{0, 1},
		{0x7F, 1},
		{0x80, 2},
		{0x7FFE, 2},
		{0x7FFF, 4},
		{0x7FFFFFFE, 4},
		{0x7FFFFFFF, 8},
		{1 << 40, 8},
	}
	for _, c := range cases {
		assert.Equalf(t, c.width, IntWidth(c.v), "v=%#x", c.v)
	}
}

func TestIntRoundTrip(t *testing.T) {
	values := []int64{0, 1, 0x7F, 0x80, 0x7FFE, 0x7FFF, 0x7FFFFFFE, 0x7FFFFFFF, 1 << 40, -1, -42}
	for _, v := range values {
		if v < 0 {
			// Negative values always round-trip exactly: width 8,
			// two's complement both ways.
			enc := EncodeInt(nil, v)
			require.Len(t, enc, 8)
			assert.Equal(t, v, DecodeInt(enc))
			continue
		}
		enc := EncodeInt(nil, v)
		assert.Len(t, enc, IntWidth(v))
		assert.Equal(t, v, DecodeInt(enc))
	}
}

func TestFloatRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.5, -1.5, 3.14159, 1e100} {
		enc := EncodeFloat(nil, v)
		require.Len(t, enc, 8)
		assert.Equal(t, v, DecodeFloat(enc))
	}
}

func encodeDecodeRoundTrip(t *testing.T, p RequestParams) Response {
	t.Helper()
	frame, _, err := EncodeRequest(p)
	require.NoError(t, err)

	proto, err := DecodeProtoHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(constants.ProtoVersion), proto.Version)
	assert.Equal(t, uint8(constants.ProtoTypeMsg), proto.Type)
	assert.Equal(t, uint64(len(frame)-constants.ProtoHeaderSize), proto.Size)

	resp, err := DecodeResponse(frame[constants.ProtoHeaderSize:], constants.SharedEpoch+100)
	require.NoError(t, err)
	assert.False(t, resp.Malformed)
	return resp
}

func TestRoundTripPut(t *testing.T) {
	key := value.Int(42)
	resp := encodeDecodeRoundTrip(t, RequestParams{
		Info2:     constants.Info2Write,
		Namespace: "test",
		Set:       "s",
		Key:       &key,
		Write:     &value.WriteParameters{ExpirationSeconds: 500},
		Ops: []value.Operation{
			{Kind: value.OpKindWrite, BinName: "value", Value: value.Int(7)},
			{Kind: value.OpKindWrite, BinName: "name", Value: value.String("bob")},
		},
	})
	require.Len(t, resp.Bins, 2)
	assert.Equal(t, "value", resp.Bins[0].Name)
	assert.True(t, resp.Bins[0].Value.Equal(value.Int(7)))
	assert.Equal(t, "name", resp.Bins[1].Name)
	assert.True(t, resp.Bins[1].Value.Equal(value.String("bob")))
}

func TestRoundTripGetByDigest(t *testing.T) {
	var d digest.Digest
	for i := range d {
		d[i] = byte(i)
	}
	resp := encodeDecodeRoundTrip(t, RequestParams{
		Info1:     constants.Info1Read | constants.Info1GetAll,
		Namespace: "test",
		Digest:    &d,
	})
	assert.Empty(t, resp.Bins)
}

func TestEncodeRequestRequiresKeyOrDigest(t *testing.T) {
	_, _, err := EncodeRequest(RequestParams{Namespace: "test"})
	assert.Error(t, err)
}

func TestEncodeRequestRejectsOversizeBinName(t *testing.T) {
	key := value.String("k1")
	_, _, err := EncodeRequest(RequestParams{
		Namespace: "test",
		Key:       &key,
		Ops: []value.Operation{
			{Kind: value.OpKindWrite, BinName: "this-name-is-way-too-long", Value: value.Int(1)},
		},
	})
	assert.Error(t, err)
}

func TestDecodeResponseMalformedOnOverrun(t *testing.T) {
	key := value.String("k1")
	frame, _, err := EncodeRequest(RequestParams{
		Namespace: "test",
		Key:       &key,
		Ops:       []value.Operation{{Kind: value.OpKindRead, BinName: "value"}},
	})
	require.NoError(t, err)
	body := frame[constants.ProtoHeaderSize:]
	truncated := body[:len(body)-2]
	resp, err := DecodeResponse(truncated, constants.SharedEpoch)
	require.NoError(t, err)
	assert.True(t, resp.Malformed)
}

func TestVoidTimeToTTL(t *testing.T) {
	now := constants.SharedEpoch + 1000
	assert.Equal(t, uint32(0), voidTimeToTTL(0, now))
	assert.Equal(t, uint32(500), voidTimeToTTL(1500, now))
	assert.Equal(t, uint32(0), voidTimeToTTL(500, now)) // already expired, clamps to 0
}
