package protocol

import (
	"github.com/pkg/errors"
)

/*
HTTP 隧道分块：
+--------------------+-------------------+--------+
|  ChunkHeader       |    RIPC Frame     | CRLF   |
|  4 位十六进制 + CRLF |  ChunkHeader 指定 | 2 bytes|
+--------------------+-------------------+--------+
每个分块恰好承载一个 RIPC 帧；长度为 0 的分块表示流结束。
*/

const (
	ChunkHeaderSize  = 6
	ChunkTrailerSize = 2
	ChunkOverhead    = ChunkHeaderSize + ChunkTrailerSize
)

var (
	ErrInvalidChunk = errors.New("invalid chunk framing")
	ErrChunkEOF     = errors.New("terminating chunk received")
)

const hexDigits = "0123456789ABCDEF"

// PutChunkHeader 写入分块头
func PutChunkHeader(b []byte, n int) {
	b[0] = hexDigits[(n>>12)&0xF]
	b[1] = hexDigits[(n>>8)&0xF]
	b[2] = hexDigits[(n>>4)&0xF]
	b[3] = hexDigits[n&0xF]
	b[4] = '\r'
	b[5] = '\n'
}

// PutChunkTrailer 写入分块尾
func PutChunkTrailer(b []byte) {
	b[0] = '\r'
	b[1] = '\n'
}

// ParseChunkHeader 解析分块头，返回内层字节数
func ParseChunkHeader(b []byte) (int, error) {
	if len(b) < ChunkHeaderSize {
		return 0, ErrFrameTooShort
	}
	if b[4] != '\r' || b[5] != '\n' {
		return 0, errors.Wrapf(ErrInvalidChunk, "header %q", b[:ChunkHeaderSize])
	}
	n := 0
	for _, c := range b[:4] {
		v, ok := unhex(c)
		if !ok {
			return 0, errors.Wrapf(ErrInvalidChunk, "header %q", b[:ChunkHeaderSize])
		}
		n = n<<4 | v
	}
	if n == 0 {
		return 0, ErrChunkEOF
	}
	return n, nil
}

// CheckChunkTrailer 校验分块尾
func CheckChunkTrailer(b []byte) error {
	if len(b) < ChunkTrailerSize || b[0] != '\r' || b[1] != '\n' {
		return errors.Wrap(ErrInvalidChunk, "missing chunk trailer")
	}
	return nil
}

// WrapChunk 为一个完整 RIPC 帧加上分块头尾
func WrapChunk(frame []byte) []byte {
	out := make([]byte, ChunkHeaderSize+len(frame)+ChunkTrailerSize)
	PutChunkHeader(out, len(frame))
	copy(out[ChunkHeaderSize:], frame)
	PutChunkTrailer(out[ChunkHeaderSize+len(frame):])
	return out
}

// UnwrapChunk 剥离分块头尾，返回内层帧与消耗的字节数
func UnwrapChunk(b []byte) (frame []byte, n int, err error) {
	inner, err := ParseChunkHeader(b)
	if err != nil {
		return nil, 0, err
	}
	total := ChunkHeaderSize + inner + ChunkTrailerSize
	if len(b) < total {
		return nil, 0, ErrFrameTooShort
	}
	if err := CheckChunkTrailer(b[ChunkHeaderSize+inner:]); err != nil {
		return nil, 0, err
	}
	return b[ChunkHeaderSize : ChunkHeaderSize+inner], total, nil
}

func unhex(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}
