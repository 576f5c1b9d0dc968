package transport

import (
	"github.com/pkg/errors"

	"github.com/qiminjie89/ripc/internal/protocol"
)

// framer 外层封装：普通套接字直接承载 RIPC 帧，HTTP 隧道用分块包裹每个帧
type framer interface {
	name() string
	// overhead 返回每帧额外的头部与尾部字节数
	overhead() (header, trailer int)
	// next 从 b 起始位置取出一个完整的 RIPC 帧；字节不足时返回 nil
	next(b []byte) (frame []byte, consumed int, err error)
	// want 返回 b 起始处的帧完整到达所需的总字节数
	want(b []byte) int
	// wrap 在 raw[at-header:at] 与 raw[at+n:] 处写入外层封装
	wrap(raw []byte, at, n int)
}

type socketFramer struct{}

func (socketFramer) name() string { return "socket" }

func (socketFramer) overhead() (int, int) { return 0, 0 }

func (socketFramer) next(b []byte) ([]byte, int, error) {
	length, _, ok := protocol.ParseHeader(b)
	if !ok {
		return nil, 0, nil
	}
	if length < protocol.HeaderSize {
		return nil, 0, errors.Wrapf(protocol.ErrInvalidFrame, "length %d below header size", length)
	}
	if len(b) < length {
		return nil, 0, nil
	}
	return b[:length], length, nil
}

func (socketFramer) want(b []byte) int {
	length, _, ok := protocol.ParseHeader(b)
	if !ok || length < protocol.HeaderSize {
		return protocol.HeaderSize
	}
	return length
}

func (socketFramer) wrap([]byte, int, int) {}

type httpFramer struct{}

func (httpFramer) name() string { return "http" }

func (httpFramer) overhead() (int, int) {
	return protocol.ChunkHeaderSize, protocol.ChunkTrailerSize
}

func (httpFramer) next(b []byte) ([]byte, int, error) {
	if len(b) < protocol.ChunkHeaderSize {
		return nil, 0, nil
	}
	n, err := protocol.ParseChunkHeader(b)
	if err != nil {
		return nil, 0, err
	}
	total := protocol.ChunkHeaderSize + n + protocol.ChunkTrailerSize
	if len(b) < total {
		return nil, 0, nil
	}
	if err := protocol.CheckChunkTrailer(b[protocol.ChunkHeaderSize+n:]); err != nil {
		return nil, 0, err
	}
	frame := b[protocol.ChunkHeaderSize : protocol.ChunkHeaderSize+n]
	length, _, ok := protocol.ParseHeader(frame)
	if !ok || length != n {
		return nil, 0, errors.Wrapf(protocol.ErrInvalidChunk, "chunk of %d bytes carries frame of %d", n, length)
	}
	return frame, total, nil
}

func (httpFramer) want(b []byte) int {
	n, err := protocol.ParseChunkHeader(b)
	if err != nil {
		return protocol.ChunkHeaderSize
	}
	return protocol.ChunkHeaderSize + n + protocol.ChunkTrailerSize
}

func (httpFramer) wrap(raw []byte, at, n int) {
	protocol.PutChunkHeader(raw[at-protocol.ChunkHeaderSize:], n)
	protocol.PutChunkTrailer(raw[at+n:])
}

// wrapFrame 为独立的帧字节分配带外层封装的副本
func wrapFrame(f framer, frame []byte) []byte {
	h, t := f.overhead()
	if h == 0 && t == 0 {
		return frame
	}
	out := make([]byte, h+len(frame)+t)
	copy(out[h:], frame)
	f.wrap(out, h, len(frame))
	return out
}
