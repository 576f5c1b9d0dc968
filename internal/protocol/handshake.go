package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// 握手操作码，位于控制帧载荷的首字节
const (
	OpConnectAck byte = 0x01
	OpConnectNak byte = 0x02
	OpConnectReq byte = 0x03
)

// ConnVersion14 当前支持的连接版本
const ConnVersion14 uint32 = 0x0017

// 会话标志
const (
	SessionClientToServerPings byte = 0x01
	SessionServerToClientPings byte = 0x02
)

var (
	ErrNotHandshake   = errors.New("not a handshake frame")
	ErrHandshakeShort = errors.New("truncated handshake message")
)

// ConnectReq 客户端连接请求
type ConnectReq struct {
	Version          uint32
	CompressionMask  byte // 每种压缩类型占一位
	PingTimeout      byte // 秒
	SessionFlags     byte
	ProtocolType     byte
	MajorVersion     byte
	MinorVersion     byte
	Hostname         string
	IPAddress        string
	ComponentVersion string
}

// ConnectAck 服务端接受连接
type ConnectAck struct {
	Version          uint32
	MaxFragmentSize  uint16
	SessionFlags     byte
	PingTimeout      byte
	MajorVersion     byte
	MinorVersion     byte
	CompressionType  uint16
	CompressionLevel byte
	ComponentVersion string
}

// ConnectNak 服务端拒绝连接
type ConnectNak struct {
	Text string
}

// Encode 编码为完整帧
func (r *ConnectReq) Encode() ([]byte, error) {
	w := newHandshakeWriter(OpConnectReq)
	w.u32(r.Version)
	w.u8(r.CompressionMask)
	w.u8(r.PingTimeout)
	w.u8(r.SessionFlags)
	w.u8(r.ProtocolType)
	w.u8(r.MajorVersion)
	w.u8(r.MinorVersion)
	w.str8(r.Hostname)
	w.str8(r.IPAddress)
	w.str8(r.ComponentVersion)
	return w.frame()
}

// Encode 编码为完整帧
func (a *ConnectAck) Encode() ([]byte, error) {
	w := newHandshakeWriter(OpConnectAck)
	w.u32(a.Version)
	w.u16(a.MaxFragmentSize)
	w.u8(a.SessionFlags)
	w.u8(a.PingTimeout)
	w.u8(a.MajorVersion)
	w.u8(a.MinorVersion)
	w.u16(a.CompressionType)
	w.u8(a.CompressionLevel)
	w.str8(a.ComponentVersion)
	return w.frame()
}

// Encode 编码为完整帧
func (n *ConnectNak) Encode() ([]byte, error) {
	w := newHandshakeWriter(OpConnectNak)
	w.str16(n.Text)
	return w.frame()
}

// HandshakeOpcode 返回控制帧的操作码
func HandshakeOpcode(frame []byte) (byte, error) {
	flags, payload, _, err := DecodeFrame(frame)
	if err != nil {
		return 0, err
	}
	if flags != FlagNone || len(payload) == 0 {
		return 0, ErrNotHandshake
	}
	return payload[0], nil
}

// DecodeConnectReq 解码连接请求帧
func DecodeConnectReq(frame []byte) (*ConnectReq, error) {
	r, err := newHandshakeReader(frame, OpConnectReq)
	if err != nil {
		return nil, err
	}
	req := &ConnectReq{
		Version:         r.u32(),
		CompressionMask: r.u8(),
		PingTimeout:     r.u8(),
		SessionFlags:    r.u8(),
		ProtocolType:    r.u8(),
		MajorVersion:    r.u8(),
		MinorVersion:    r.u8(),
	}
	req.Hostname = r.str8()
	req.IPAddress = r.str8()
	req.ComponentVersion = r.str8()
	if r.err != nil {
		return nil, errors.Wrap(r.err, "decode connect request")
	}
	return req, nil
}

// DecodeConnectAck 解码连接确认帧
func DecodeConnectAck(frame []byte) (*ConnectAck, error) {
	r, err := newHandshakeReader(frame, OpConnectAck)
	if err != nil {
		return nil, err
	}
	ack := &ConnectAck{
		Version:          r.u32(),
		MaxFragmentSize:  r.u16(),
		SessionFlags:     r.u8(),
		PingTimeout:      r.u8(),
		MajorVersion:     r.u8(),
		MinorVersion:     r.u8(),
		CompressionType:  r.u16(),
		CompressionLevel: r.u8(),
	}
	ack.ComponentVersion = r.str8()
	if r.err != nil {
		return nil, errors.Wrap(r.err, "decode connect ack")
	}
	return ack, nil
}

// DecodeConnectNak 解码连接拒绝帧
func DecodeConnectNak(frame []byte) (*ConnectNak, error) {
	r, err := newHandshakeReader(frame, OpConnectNak)
	if err != nil {
		return nil, err
	}
	nak := &ConnectNak{Text: r.str16()}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "decode connect nak")
	}
	return nak, nil
}

type handshakeWriter struct {
	buf []byte
}

func newHandshakeWriter(op byte) *handshakeWriter {
	buf := make([]byte, HeaderSize, 64)
	return &handshakeWriter{buf: append(buf, op)}
}

func (w *handshakeWriter) u8(v byte) { w.buf = append(w.buf, v) }

func (w *handshakeWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *handshakeWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *handshakeWriter) str8(s string) {
	if len(s) > 0xFF {
		s = s[:0xFF]
	}
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *handshakeWriter) str16(s string) {
	if len(s) > 0xFFFF-HeaderSize-3 {
		s = s[:0xFFFF-HeaderSize-3]
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *handshakeWriter) frame() ([]byte, error) {
	if len(w.buf) > MaxFrameLen {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "handshake frame: %d bytes", len(w.buf))
	}
	PutHeader(w.buf, len(w.buf), FlagNone)
	return w.buf, nil
}

// handshakeReader 顺序读取握手字段，首个错误之后的读取均返回零值
type handshakeReader struct {
	b   []byte
	err error
}

func newHandshakeReader(frame []byte, op byte) (*handshakeReader, error) {
	got, err := HandshakeOpcode(frame)
	if err != nil {
		return nil, err
	}
	if got != op {
		return nil, errors.Wrapf(ErrNotHandshake, "opcode 0x%02x, want 0x%02x", got, op)
	}
	_, payload, _, _ := DecodeFrame(frame)
	return &handshakeReader{b: payload[1:]}, nil
}

func (r *handshakeReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrHandshakeShort
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *handshakeReader) u8() byte {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *handshakeReader) u16() uint16 {
	if v := r.take(2); v != nil {
		return binary.BigEndian.Uint16(v)
	}
	return 0
}

func (r *handshakeReader) u32() uint32 {
	if v := r.take(4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

func (r *handshakeReader) str8() string {
	n := int(r.u8())
	return string(r.take(n))
}

func (r *handshakeReader) str16() string {
	n := int(r.u16())
	return string(r.take(n))
}
