// Package protocol 实现 RIPC 线路编码：帧头、打包、分片、HTTP 分块与握手消息
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

/*
RIPC 消息帧格式：
+----------+--------+------------------------------+
|  Length  | Flags  |           Payload            |
|  2 bytes | 1 byte |  Length - 3（或打包条目序列） |
+----------+--------+------------------------------+
Length 为大端序，包含帧头自身。Length == 3 的帧是心跳（ping）。
*/

const (
	HeaderSize    = 3      // 2 + 1
	PackedLenSize = 2      // 打包条目长度前缀
	MaxFrameLen   = 0xFFFF // Length 字段上限
	MaxPayloadLen = MaxFrameLen - HeaderSize
)

// 帧标志位
const (
	FlagNone       byte = 0x00 // 握手控制帧
	FlagFragHeader byte = 0x01 // 首个分片，携带总长度与分片 ID
	FlagData       byte = 0x02 // 普通数据
	FlagCompressed byte = 0x04 // 载荷已压缩
	FlagFragment   byte = 0x08 // 后续分片
	FlagPacked     byte = 0x10 // 打包帧
)

var (
	ErrFrameTooShort   = errors.New("frame shorter than header")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidFrame    = errors.New("invalid frame")
)

// PingFrame 心跳帧的完整字节
var PingFrame = []byte{0x00, HeaderSize, FlagData}

// Header 帧头视图，直接读写底层字节
type Header []byte

// Len 返回帧总长度
func (h Header) Len() int {
	return int(binary.BigEndian.Uint16(h[0:2]))
}

// Flags 返回标志位
func (h Header) Flags() byte {
	return h[2]
}

// SetLen 设置帧总长度
func (h Header) SetLen(n int) {
	binary.BigEndian.PutUint16(h[0:2], uint16(n))
}

// SetFlags 设置标志位
func (h Header) SetFlags(f byte) {
	h[2] = f
}

// Has 判断是否带有指定标志
func (h Header) Has(f byte) bool {
	return h[2]&f != 0
}

// PutHeader 在 b 的起始位置写入帧头
func PutHeader(b []byte, length int, flags byte) {
	binary.BigEndian.PutUint16(b[0:2], uint16(length))
	b[2] = flags
}

// ParseHeader 解析帧头；ok 为 false 表示字节不足
func ParseHeader(b []byte) (length int, flags byte, ok bool) {
	if len(b) < HeaderSize {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(b[0:2])), b[2], true
}

// IsPing 判断长度为 length 的帧是否为心跳
func IsPing(length int) bool {
	return length == HeaderSize
}

// EncodeFrame 编码一个完整的帧
func EncodeFrame(flags byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "encode frame: %d bytes", len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, len(buf), flags)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeFrame 从 data 起始位置解码一个完整帧，返回标志、载荷与消耗的字节数
func DecodeFrame(data []byte) (flags byte, payload []byte, n int, err error) {
	length, flags, ok := ParseHeader(data)
	if !ok {
		return 0, nil, 0, ErrFrameTooShort
	}
	if length < HeaderSize {
		return 0, nil, 0, errors.Wrapf(ErrInvalidFrame, "length %d below header size", length)
	}
	if len(data) < length {
		return 0, nil, 0, ErrFrameTooShort
	}
	return flags, data[HeaderSize:length], length, nil
}
