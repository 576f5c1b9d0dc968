package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/internal/protocol"
)

// fakeSocket 按脚本交付数据的套接字。reads 中的 nil 表示一次 would-block。
type fakeSocket struct {
	fd      int
	reads   [][]byte
	readErr error // reads 耗尽后返回，nil 表示 would-block

	written     bytes.Buffer
	writeBudget int // 剩余可写字节，-1 表示不限
	writeErr    error
	writeCalls  int

	closed bool
}

func newFakeSocket(reads ...[]byte) *fakeSocket {
	return &fakeSocket{fd: 42, reads: reads, writeBudget: -1}
}

func (s *fakeSocket) Fd() int { return s.fd }

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.reads) > 0 {
		d := s.reads[0]
		if d == nil {
			s.reads = s.reads[1:]
			return 0, ErrWouldBlock
		}
		n := copy(p, d)
		if n < len(d) {
			s.reads[0] = d[n:]
		} else {
			s.reads = s.reads[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, ErrWouldBlock
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.writeCalls++
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.writeBudget < 0 {
		s.written.Write(p)
		return len(p), nil
	}
	n := min(len(p), s.writeBudget)
	s.writeBudget -= n
	s.written.Write(p[:n])
	if n < len(p) {
		return n, ErrWouldBlock
	}
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func testLimits() limits {
	return limits{
		guaranteedOutput: DefaultGuaranteedOutputBuffers,
		maxOutput:        DefaultMaxOutputBuffers,
		numInput:         DefaultNumInputBuffers,
		highWaterMark:    DefaultHighWaterMark,
		flushStrategy:    DefaultFlushStrategy,
		initTimeout:      time.Minute,
	}
}

// newActiveChannel 构造已完成握手的通道
func newActiveChannel(t *testing.T, sock Socket, mods ...func(*Channel)) *Channel {
	t.Helper()
	c := newChannel(roleClient, sock, buffer.NewPool(0), testLimits())
	c.version = protocol.ConnVersion14
	c.maxFragmentSize = DefaultMaxFragmentSize
	c.pingTimeout = DefaultPingTimeout
	c.compressionThreshold = DefaultCompressionThreshold
	c.majorVersion, c.minorVersion = DefaultMajorVersion, DefaultMinorVersion
	for _, m := range mods {
		m(c)
	}
	c.init.started = time.Now()
	c.activate()
	t.Cleanup(func() { c.Close() })
	return c
}

func withHTTP(c *Channel) {
	c.framer = httpFramer{}
	c.connType = ConnTypeHTTP
}

func withCompression(t protocol.CompressionType) func(*Channel) {
	return func(c *Channel) {
		comp, err := protocol.NewCompressor(t, 0)
		if err != nil {
			panic(err)
		}
		c.compressor = comp
	}
}

func withMaxFragment(n int) func(*Channel) {
	return func(c *Channel) { c.maxFragmentSize = n }
}

func withLimits(fn func(*limits)) func(*Channel) {
	return func(c *Channel) { fn(&c.lim) }
}

func dataFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	frame, err := protocol.EncodeFrame(protocol.FlagData, payload)
	require.NoError(t, err)
	return frame
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// writeMessage 通过 GetBuffer/Write 写出一条消息
func writeMessage(t *testing.T, c *Channel, msg []byte, args *WriteArgs) ReturnCode {
	t.Helper()
	b, code, err := c.GetBuffer(len(msg), false)
	require.NoError(t, err)
	require.Equal(t, Success, code)
	_, err = b.Write(msg)
	require.NoError(t, err)
	code, err = c.Write(b, args)
	require.NoError(t, err)
	return code
}

// drain 从通道读出所有已缓冲的消息
func drain(t *testing.T, c *Channel) [][]byte {
	t.Helper()
	var out [][]byte
	for i := 0; i < 1000; i++ {
		b, code, err := c.Read(nil)
		require.NoError(t, err)
		if b != nil {
			out = append(out, append([]byte(nil), b.Bytes()...))
		}
		if code == ReadWouldBlock {
			return out
		}
	}
	t.Fatal("read did not settle")
	return nil
}
