package coapnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	msg := NewCoAPMessageId(CON, GET, 0x1234)
	msg.Token = []byte("A1")
	msg.SetURIPath("/file")
	msg.SetURIQuery("type", "image")
	msg.AddOption(OptionObserve, 0)
	msg.AddOption(OptionContentFormat, MediaTypeTextPlain)
	msg.AddOption(OptionBlock2, NewBlock(true, 3, 1024).ToInt())
	msg.SetStringPayload("hello")

	data, err := Serialize(msg)
	require.NoError(t, err)

	decoded, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1234), decoded.MessageID)
	assert.Equal(t, CON, decoded.Type)
	assert.Equal(t, GET, decoded.Code)
	assert.Equal(t, []byte("A1"), decoded.Token)
	assert.Equal(t, "/file", decoded.GetURIPath())
	assert.Equal(t, "image", decoded.GetURIQuery("type"))
	assert.Equal(t, "hello", decoded.Payload.String())

	obs, ok := decoded.GetObserve()
	assert.True(t, ok)
	assert.Equal(t, 0, obs)

	blk := decoded.GetBlock2()
	require.NotNil(t, blk)
	assert.Equal(t, 3, blk.BlockNumber)
	assert.True(t, blk.MoreBlocks)
	assert.Equal(t, 1024, blk.BlockSize)
}

func TestDeserializeCanonicalRoundTrip(t *testing.T) {
	msg := NewCoAPMessageId(ACK, CoapCodeContent, 0x2000)
	msg.Token = []byte("B2")
	msg.AddOption(OptionObserve, 5)
	msg.AddOption(OptionBlock2, NewBlock(false, 2, 1024).ToInt())
	msg.SetStringPayload("payload")

	first, err := Serialize(msg)
	require.NoError(t, err)

	decoded, err := Deserialize(first)
	require.NoError(t, err)

	second, err := Serialize(decoded)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDeserializeEmptyACK(t *testing.T) {
	data, err := Serialize(NewCoAPMessageId(ACK, CoapCodeEmpty, 42))
	require.NoError(t, err)
	require.Len(t, data, 4)

	msg, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, ACK, msg.Type)
	assert.Equal(t, CoapCodeEmpty, msg.Code)
	assert.Equal(t, uint16(42), msg.MessageID)
	assert.Equal(t, 0, msg.Payload.Length())
}

func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"too short", []byte{0x40, 0x01}, ErrPacketLengthLessThan4},
		{"bad version", []byte{0x80, 0x01, 0x00, 0x01}, ErrInvalidCoapVersion},
		{"token too long", []byte{0x49, 0x01, 0x00, 0x01}, ErrInvalidTokenLength},
		{"token truncated", []byte{0x44, 0x01, 0x00, 0x01, 0xAA}, ErrTruncatedMessage},
		{"option delta 15", []byte{0x40, 0x01, 0x00, 0x01, 0xF0}, ErrOptionDeltaUsesValue15},
		{"option length 15", []byte{0x40, 0x01, 0x00, 0x01, 0x6F}, ErrOptionLengthUsesValue15},
		{"option value truncated", []byte{0x40, 0x01, 0x00, 0x01, 0x63, 0x01}, ErrTruncatedMessage},
		{"marker without payload", []byte{0x40, 0x01, 0x00, 0x01, 0xFF}, ErrTruncatedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOptionsSortedOnWire(t *testing.T) {
	msg := NewCoAPMessageId(CON, GET, 1)
	// inserted out of numerical order
	msg.AddOption(OptionBlock2, 0x06)
	msg.AddOption(OptionURIPath, "file")
	msg.AddOption(OptionObserve, 1)

	data, err := Serialize(msg)
	require.NoError(t, err)

	decoded, err := Deserialize(data)
	require.NoError(t, err)

	var codes []OptionCode
	for _, opt := range decoded.Options {
		codes = append(codes, opt.Code)
	}
	assert.Equal(t, []OptionCode{OptionObserve, OptionURIPath, OptionBlock2}, codes)
}

func TestRepeatedURIPathSegments(t *testing.T) {
	msg := NewCoAPMessageId(CON, GET, 7)
	msg.SetURIPath("/a/b/c")

	data, err := Serialize(msg)
	require.NoError(t, err)

	decoded, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, decoded.GetURIPathSegments())
}

func TestIntOptionEncoding(t *testing.T) {
	tests := []struct {
		value int
		bytes int
	}{
		{0, 0},
		{1, 1},
		{255, 1},
		{256, 2},
		{65535, 2},
		{65536, 3},
	}

	for _, tt := range tests {
		enc := encodeInt(uint32(tt.value))
		assert.Len(t, enc, tt.bytes, "value %d", tt.value)

		dec, err := decodeInt(enc)
		require.NoError(t, err)
		assert.Equal(t, tt.value, dec)
	}
}

func TestSerializeRejectsLongToken(t *testing.T) {
	msg := NewCoAPMessageId(CON, GET, 1)
	msg.Token = []byte("123456789")

	_, err := Serialize(msg)
	assert.ErrorIs(t, err, ErrInvalidTokenLength)
}

func TestSerializeToBufferTooSmall(t *testing.T) {
	msg := NewCoAPMessageId(ACK, CoapCodeContent, 9)
	msg.SetStringPayload("a long enough payload")

	buf := make([]byte, 8)
	_, err := SerializeTo(msg, buf)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	big := make([]byte, 128)
	n, err := SerializeTo(msg, big)
	require.NoError(t, err)
	assert.Greater(t, n, 4)
}
