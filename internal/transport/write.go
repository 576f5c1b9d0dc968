package transport

import (
	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

// WritePriority 写优先级
type WritePriority int

const (
	PriorityHigh WritePriority = iota
	PriorityMedium
	PriorityLow
)

func (p WritePriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// WriteFlags 写标志
type WriteFlags int

const (
	WriteDirectSocket  WriteFlags = 1 << iota // 排队后立即刷新
	WriteDoNotCompress                        // 不压缩
)

// WriteArgs 单次 Write 的参数与统计
type WriteArgs struct {
	Priority                 WritePriority
	Flags                    WriteFlags
	BytesWritten             int // 本次排队的原始字节，含帧头与隧道开销
	UncompressedBytesWritten int // 压缩前的帧字节
}

// outFrame 待发送的一个完整外层帧
type outFrame struct {
	buf  *buffer.Buffer // 发送完毕后归还，心跳帧为 nil
	data []byte
}

type writeState struct {
	queues       [3]*queue.Queue
	cur          *outFrame
	queuedBytes  int
	queuedFrames int
	outBuffers   int
	strategy     []WritePriority
	next         int
	fragID       uint16
	fragOwners   []*Buffer // 分片尚未全部排队的用户缓冲
}

func parseStrategy(s string) []WritePriority {
	out := make([]WritePriority, 0, len(s))
	for _, c := range s {
		switch c {
		case 'H':
			out = append(out, PriorityHigh)
		case 'M':
			out = append(out, PriorityMedium)
		case 'L':
			out = append(out, PriorityLow)
		}
	}
	if len(out) == 0 {
		out = append(out, PriorityHigh, PriorityMedium, PriorityLow)
	}
	return out
}

// Write 将缓冲中的消息排队发送，成功后缓冲归通道所有。
// 返回 Success 表示全部发出；正数为仍在队列中的字节数，需在可写时调用 Flush；
// WriteCallAgain 表示大消息仅部分排队，刷新后以同一缓冲再次调用；
// WriteFlushFailed 表示消息已排队但刷新失败，通道已关闭时附带错误；
// Failure 时缓冲仍归调用方所有，但分片途中通道关闭的缓冲由通道归还。
func (c *Channel) Write(b *Buffer, args *WriteArgs) (ReturnCode, error) {
	if args == nil {
		args = &WriteArgs{}
	}
	args.BytesWritten, args.UncompressedBytesWritten = 0, 0
	if st := c.State(); st != StateActive {
		return Failure, c.stateError("write", st)
	}
	if b == nil || b.ch != c || b.input || b.sent || b.Released() {
		return Failure, configError("buffer does not belong to this channel")
	}
	if args.Priority < PriorityHigh || args.Priority > PriorityLow {
		return Failure, configError("invalid write priority %d", args.Priority)
	}

	if b.frag == nil {
		payload := c.finalize(b)
		data, flags, err := c.compress(payload, protocol.FlagData, args.Flags)
		if err != nil {
			return Failure, protocolError(err, "compress")
		}
		if b.packed {
			flags |= protocol.FlagPacked
		}
		if len(data) <= c.maxFragmentSize {
			c.queueSingle(b, payload, data, flags, args)
			return c.afterQueue(args)
		}
		b.frag = &fragProgress{
			data:         data,
			flags:        flags,
			id:           c.nextFragID(),
			uncompressed: len(payload),
		}
		c.wr.fragOwners = append(c.wr.fragOwners, b)
	}

	if code, err := c.queueFragments(b, args); code != Success {
		return code, err
	}
	return c.afterQueue(args)
}

// finalize 写入最后一个打包条目的长度，返回帧载荷
func (c *Channel) finalize(b *Buffer) []byte {
	raw := b.Raw()
	start, end, _ := b.Bounds()
	frameEnd := end
	if b.packed && b.entryAt >= 0 {
		if end == start {
			frameEnd = b.entryAt
		} else {
			protocol.PutPackedLen(raw[b.entryAt:], end-start)
		}
	}
	if !b.packed {
		return raw[start:end]
	}
	return raw[b.frameAt+protocol.HeaderSize : frameEnd]
}

func (c *Channel) compress(payload []byte, flags byte, wf WriteFlags) ([]byte, byte, error) {
	if c.compressor == nil || wf&WriteDoNotCompress != 0 || len(payload) < c.compressionThreshold {
		return payload, flags, nil
	}
	out, err := c.compressor.Compress(payload)
	if err != nil {
		return nil, 0, err
	}
	if len(out) >= len(payload) {
		return payload, flags, nil
	}
	return out, flags | protocol.FlagCompressed, nil
}

// queueSingle 单帧排队：未压缩时直接在用户缓冲中写帧头，压缩后换用新缓冲
func (c *Channel) queueSingle(b *Buffer, payload, data []byte, flags byte, args *WriteArgs) {
	h, t := c.framer.overhead()
	frameLen := protocol.HeaderSize + len(data)
	var f *outFrame
	if flags&protocol.FlagCompressed == 0 {
		raw := b.Raw()
		protocol.PutHeader(raw[b.frameAt:], frameLen, flags)
		c.framer.wrap(raw, b.frameAt, frameLen)
		f = &outFrame{buf: b.Buffer, data: raw[b.frameAt-h : b.frameAt+frameLen+t]}
	} else {
		nb := c.pool.Get(h + frameLen + t)
		raw := nb.Raw()
		protocol.PutHeader(raw[h:], frameLen, flags)
		copy(raw[h+protocol.HeaderSize:], data)
		c.framer.wrap(raw, h, frameLen)
		f = &outFrame{buf: nb, data: raw[:h+frameLen+t]}
		c.wr.outBuffers++
		b.Buffer.Release()
		c.wr.outBuffers--
	}
	b.sent = true
	c.enqueue(f, args.Priority)
	args.BytesWritten += len(f.data)
	args.UncompressedBytesWritten += protocol.HeaderSize + len(payload)
}

// queueFragments 将大消息切分排队；排队帧数达到保证缓冲数时先刷新，仍无空间则返回 WriteCallAgain
func (c *Channel) queueFragments(b *Buffer, args *WriteArgs) (ReturnCode, error) {
	f := b.frag
	first, rest := protocol.FragmentCapacity(c.maxFragmentSize)
	h, t := c.framer.overhead()

	for !f.started || f.off < len(f.data) {
		if c.wr.queuedFrames >= c.lim.guaranteedOutput {
			if _, err := c.flushQueue(); err != nil {
				if !transient(err) {
					e := networkError(err, "flush")
					c.fail(e)
					return Failure, e
				}
				return WriteCallAgain, nil
			}
			if c.wr.queuedFrames >= c.lim.guaranteedOutput {
				return WriteCallAgain, nil
			}
		}

		var hdr, n int
		var flags byte
		if !f.started {
			hdr, n = protocol.FragHeaderSize, min(first, len(f.data))
			flags = f.flags | protocol.FlagFragHeader
		} else {
			hdr, n = protocol.FragIDSize, min(rest, len(f.data)-f.off)
			flags = protocol.FlagData | protocol.FlagFragment
		}
		frameLen := protocol.HeaderSize + hdr + n
		nb := c.pool.Get(h + frameLen + t)
		raw := nb.Raw()
		protocol.PutHeader(raw[h:], frameLen, flags)
		if !f.started {
			protocol.PutFragHeader(raw[h+protocol.HeaderSize:], len(f.data), f.id)
		} else {
			protocol.PutFragID(raw[h+protocol.HeaderSize:], f.id)
		}
		copy(raw[h+protocol.HeaderSize+hdr:], f.data[f.off:f.off+n])
		c.framer.wrap(raw, h, frameLen)

		c.wr.outBuffers++
		c.enqueue(&outFrame{buf: nb, data: raw[:h+frameLen+t]}, args.Priority)
		args.BytesWritten += h + frameLen + t
		f.off += n
		f.started = true
	}

	args.UncompressedBytesWritten += protocol.HeaderSize + f.uncompressed
	b.Buffer.Release()
	c.wr.outBuffers--
	b.sent = true
	c.dropFragOwner(b)
	return Success, nil
}

func (c *Channel) dropFragOwner(b *Buffer) {
	for i, o := range c.wr.fragOwners {
		if o == b {
			c.wr.fragOwners = append(c.wr.fragOwners[:i], c.wr.fragOwners[i+1:]...)
			return
		}
	}
}

func (c *Channel) nextFragID() uint16 {
	c.wr.fragID++
	if c.wr.fragID == 0 {
		c.wr.fragID = 1
	}
	return c.wr.fragID
}

func (c *Channel) enqueue(f *outFrame, p WritePriority) {
	c.wr.queues[p].Add(f)
	c.wr.queuedBytes += len(f.data)
	c.wr.queuedFrames++
	metrics.WriteQueueBytes.Add(float64(len(f.data)))
}

// afterQueue 显式要求或超过高水位时刷新
func (c *Channel) afterQueue(args *WriteArgs) (ReturnCode, error) {
	metrics.MessagesWritten.WithLabelValues(args.Priority.String()).Inc()
	metrics.BytesWritten.WithLabelValues("raw").Add(float64(args.BytesWritten))
	metrics.BytesWritten.WithLabelValues("uncompressed").Add(float64(args.UncompressedBytesWritten))

	if args.Flags&WriteDirectSocket == 0 && c.wr.queuedBytes < c.lim.highWaterMark {
		return pendingCode(c.wr.queuedBytes), nil
	}
	remaining, err := c.flushQueue()
	if err != nil {
		e := networkError(err, "flush")
		if !transient(err) {
			c.fail(e)
		}
		return WriteFlushFailed, e
	}
	return pendingCode(remaining), nil
}

// Flush 尽可能发送队列中的数据，返回仍在队列中的字节数
func (c *Channel) Flush() (ReturnCode, error) {
	switch st := c.State(); st {
	case StateInactive, StateInitializing:
		return Success, nil
	case StateClosed:
		return Failure, c.stateError("flush", st)
	}
	remaining, err := c.flushQueue()
	if err != nil {
		if transient(err) {
			c.log.Debug("flush deferred", zap.Error(err))
			return pendingCode(remaining), nil
		}
		e := networkError(err, "flush")
		c.fail(e)
		return Failure, e
	}
	return pendingCode(remaining), nil
}

// Ping 有待发数据时刷新队列，否则发送心跳帧
func (c *Channel) Ping() (ReturnCode, error) {
	if st := c.State(); st != StateActive {
		return Failure, c.stateError("ping", st)
	}
	if c.wr.queuedBytes > 0 {
		return c.Flush()
	}
	c.enqueue(&outFrame{data: c.pingFrame}, PriorityHigh)
	metrics.PingsSent.Inc()
	return c.Flush()
}

// flushQueue 按刷新策略轮询各优先级队列写出，直到队列为空或套接字不可写
func (c *Channel) flushQueue() (int, error) {
	for {
		if c.wr.cur == nil {
			if c.wr.cur = c.nextOut(); c.wr.cur == nil {
				return 0, nil
			}
		}
		f := c.wr.cur
		n, err := c.sock.Write(f.data)
		if n > 0 {
			f.data = f.data[n:]
			c.wr.queuedBytes -= n
			metrics.WriteQueueBytes.Sub(float64(n))
		}
		if len(f.data) == 0 {
			c.wr.cur = nil
			c.wr.queuedFrames--
			if f.buf != nil {
				f.buf.Release()
				c.wr.outBuffers--
			}
			if err == nil {
				continue
			}
		}
		if err == ErrWouldBlock || (err == nil && n == 0) {
			return c.wr.queuedBytes, nil
		}
		if err != nil {
			return c.wr.queuedBytes, err
		}
	}
}

func (c *Channel) nextOut() *outFrame {
	for range c.wr.strategy {
		p := c.wr.strategy[c.wr.next]
		c.wr.next = (c.wr.next + 1) % len(c.wr.strategy)
		if q := c.wr.queues[p]; q.Length() > 0 {
			return q.Remove().(*outFrame)
		}
	}
	for _, q := range c.wr.queues {
		if q.Length() > 0 {
			return q.Remove().(*outFrame)
		}
	}
	return nil
}

// releaseQueued 归还所有未发送帧的缓冲
func (c *Channel) releaseQueued() {
	release := func(f *outFrame) {
		if f.buf != nil {
			f.buf.Release()
			c.wr.outBuffers--
		}
	}
	if c.wr.cur != nil {
		release(c.wr.cur)
		c.wr.cur = nil
	}
	for _, q := range c.wr.queues {
		for q != nil && q.Length() > 0 {
			release(q.Remove().(*outFrame))
		}
	}
	// 分片途中的用户缓冲不会再被续写
	for _, b := range c.wr.fragOwners {
		b.frag = nil
		b.sent = true
		if !b.Released() {
			b.Buffer.Release()
			c.wr.outBuffers--
		}
	}
	c.wr.fragOwners = nil
	metrics.WriteQueueBytes.Sub(float64(c.wr.queuedBytes))
	c.wr.queuedBytes, c.wr.queuedFrames = 0, 0
}

func pendingCode(n int) ReturnCode {
	if n > 0 {
		return ReturnCode(n)
	}
	return Success
}

// transient 发送缓冲暂时不足，稍后可重试
func transient(err error) bool {
	return errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}
