package protocol

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Header_accessors(t *testing.T) {
	b := make([]byte, HeaderSize)
	h := Header(b)
	h.SetLen(0x0102)
	h.SetFlags(FlagData | FlagPacked)

	assert.Equal(t, []byte{0x01, 0x02, 0x12}, b)
	assert.Equal(t, 0x0102, h.Len())
	assert.True(t, h.Has(FlagPacked))
	assert.False(t, h.Has(FlagCompressed))
}

func Test_ParseHeader_short(t *testing.T) {
	_, _, ok := ParseHeader([]byte{0x00, 0x05})
	assert.False(t, ok)

	length, flags, ok := ParseHeader([]byte{0x00, 0x05, FlagData, 'h'})
	assert.True(t, ok)
	assert.Equal(t, 5, length)
	assert.Equal(t, FlagData, flags)
}

func Test_PingFrame_isPing(t *testing.T) {
	length, _, ok := ParseHeader(PingFrame)
	require.True(t, ok)
	assert.True(t, IsPing(length))
	assert.Equal(t, []byte{0x00, 0x03, 0x02}, PingFrame)
}

func Test_EncodeFrame_roundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("a"),
		[]byte("hello market data"),
		bytes.Repeat([]byte{0xAB}, MaxPayloadLen),
	}
	for _, p := range payloads {
		frame, err := EncodeFrame(FlagData, p)
		require.NoError(t, err)
		assert.Equal(t, HeaderSize+len(p), Header(frame).Len())

		flags, got, n, err := DecodeFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, FlagData, flags)
		assert.Equal(t, len(frame), n)
		assert.True(t, bytes.Equal(p, got))

		// 重复编解码结果不变
		again, err := EncodeFrame(flags, got)
		require.NoError(t, err)
		assert.Equal(t, frame, again)
	}
}

func Test_EncodeFrame_tooLarge(t *testing.T) {
	_, err := EncodeFrame(FlagData, make([]byte, MaxPayloadLen+1))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func Test_DecodeFrame_errors(t *testing.T) {
	_, _, _, err := DecodeFrame([]byte{0x00})
	assert.Equal(t, ErrFrameTooShort, err)

	_, _, _, err = DecodeFrame([]byte{0x00, 0x02, FlagData})
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	_, _, _, err = DecodeFrame([]byte{0x00, 0x09, FlagData, 'x'})
	assert.Equal(t, ErrFrameTooShort, err)
}

func Test_Packed_entries(t *testing.T) {
	frame, err := EncodePacked([]byte("one"), []byte{}, []byte("three"))
	require.NoError(t, err)

	flags, payload, _, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FlagData|FlagPacked, flags)

	var got []string
	for off := 0; off < len(payload); {
		var e []byte
		e, off, err = NextPacked(payload, off)
		require.NoError(t, err)
		got = append(got, string(e))
	}
	assert.Equal(t, []string{"one", "", "three"}, got)
}

func Test_Packed_truncated(t *testing.T) {
	_, _, err := NextPacked([]byte{0x00}, 0)
	assert.True(t, errors.Is(err, ErrInvalidPacked))

	_, _, err = NextPacked([]byte{0x00, 0x05, 'a'}, 0)
	assert.True(t, errors.Is(err, ErrInvalidPacked))
}

func Test_Fragments_reassemble(t *testing.T) {
	msg := make([]byte, 1000)
	for i := range msg {
		msg[i] = byte(i)
	}
	frames, err := EncodeFragments(msg, 100, 7, FlagCompressed)
	require.NoError(t, err)
	require.True(t, len(frames) > 1)

	var out []byte
	for i, f := range frames {
		flags, payload, _, err := DecodeFrame(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(payload), 100)
		if i == 0 {
			assert.Equal(t, FlagData|FlagFragHeader|FlagCompressed, flags)
			total, id, data, err := ParseFragHeader(payload)
			require.NoError(t, err)
			assert.Equal(t, len(msg), total)
			assert.Equal(t, uint16(7), id)
			out = append(out, data...)
			continue
		}
		assert.Equal(t, FlagData|FlagFragment, flags)
		id, data, err := ParseFragment(payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(7), id)
		out = append(out, data...)
	}
	assert.Equal(t, msg, out)
}

func Test_Fragments_badSize(t *testing.T) {
	_, err := EncodeFragments([]byte("x"), FragHeaderSize, 1, 0)
	assert.Error(t, err)
}

func Test_Chunk_wrapUnwrap(t *testing.T) {
	frame, err := EncodeFrame(FlagData, []byte("tunnelled"))
	require.NoError(t, err)

	chunk := WrapChunk(frame)
	assert.Equal(t, len(frame)+ChunkOverhead, len(chunk))
	assert.Equal(t, "000C\r\n", string(chunk[:ChunkHeaderSize]))

	inner, n, err := UnwrapChunk(chunk)
	require.NoError(t, err)
	assert.Equal(t, len(chunk), n)
	assert.Equal(t, frame, inner)
}

func Test_Chunk_errors(t *testing.T) {
	_, err := ParseChunkHeader([]byte("00G1\r\n"))
	assert.True(t, errors.Is(err, ErrInvalidChunk))

	_, err = ParseChunkHeader([]byte("0001\n\n"))
	assert.True(t, errors.Is(err, ErrInvalidChunk))

	_, err = ParseChunkHeader([]byte("0000\r\n"))
	assert.Equal(t, ErrChunkEOF, err)

	_, _, err = UnwrapChunk([]byte("0001\r\nxZZ"))
	assert.True(t, errors.Is(err, ErrInvalidChunk))

	_, _, err = UnwrapChunk([]byte("0003\r\nab"))
	assert.Equal(t, ErrFrameTooShort, err)

	n, err := ParseChunkHeader([]byte("ffff\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 0xFFFF, n)
}
