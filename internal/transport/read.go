package transport

import (
	"github.com/pkg/errors"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

// maxReassembly 分片重组的消息总长上限
const maxReassembly = 64 << 20

// ReadArgs 单次 Read 的统计
type ReadArgs struct {
	BytesRead             int // 本次从套接字读取的原始字节，含帧头与隧道开销
	UncompressedBytesRead int // 交付消息的解压后字节；打包帧的首个条目另计帧头与长度前缀
}

// readState 输入块与解析进度。
// block[head:tail] 为已读未解析的字节；交付给调用方的视图指向 block，
// shared 为 true 时不能原地搬移，需要换新块。
type readState struct {
	block  []byte
	head   int
	tail   int
	shared bool

	packed      []byte
	packedOff   int
	packedFirst bool

	frags map[uint16]*reassembly
}

type reassembly struct {
	buf   *buffer.Buffer
	total int
	flags byte
}

// Read 读取一条消息。
// 返回正数表示还有已缓冲的数据，应继续调用；ReadWouldBlock 表示需等待可读事件；
// ReadPing 表示收到心跳；Failure 时通道已关闭。
func (c *Channel) Read(args *ReadArgs) (*Buffer, ReturnCode, error) {
	if args == nil {
		args = &ReadArgs{}
	}
	*args = ReadArgs{}
	if c.lim.lockingReads {
		if !c.readMu.TryLock() {
			return nil, ReadInProgress, nil
		}
		defer c.readMu.Unlock()
	}
	if st := c.State(); st != StateActive {
		return nil, Failure, c.stateError("read", st)
	}

	for {
		b, code, err := c.parseFrame(args)
		if err != nil {
			c.fail(err)
			return nil, Failure, err
		}
		if code != ReadWouldBlock {
			return b, code, nil
		}

		rd := &c.rd
		c.ensureSpace(c.framer.want(rd.block[rd.head:rd.tail]))
		n, rerr := c.sock.Read(rd.block[rd.tail:])
		if n > 0 {
			rd.tail += n
			args.BytesRead += n
			metrics.BytesRead.WithLabelValues("raw").Add(float64(n))
		}
		switch {
		case rerr == ErrWouldBlock:
			return nil, ReadWouldBlock, nil
		case rerr != nil:
			e := socketError("read", rerr)
			c.fail(e)
			return nil, Failure, e
		case n == 0:
			return nil, ReadWouldBlock, nil
		}
	}
}

// parseFrame 从已缓冲的字节中交付下一条消息；没有完整消息时返回 ReadWouldBlock
func (c *Channel) parseFrame(args *ReadArgs) (*Buffer, ReturnCode, error) {
	rd := &c.rd
	for {
		b, err := c.nextPacked(args)
		if err != nil {
			return nil, Failure, err
		}
		if b != nil {
			return b, c.pending(), nil
		}

		frame, n, ferr := c.framer.next(rd.block[rd.head:rd.tail])
		if ferr != nil {
			if errors.Is(ferr, protocol.ErrChunkEOF) {
				return nil, Failure, newError(Failure, KindClosed, ferr, "tunnel closed by peer")
			}
			return nil, Failure, protocolError(ferr, "read frame")
		}
		if frame == nil {
			return nil, ReadWouldBlock, nil
		}
		rd.head += n

		length, flags, _ := protocol.ParseHeader(frame)
		if protocol.IsPing(length) {
			metrics.PingsReceived.Inc()
			metrics.MessagesRead.WithLabelValues("ping").Inc()
			return nil, ReadPing, nil
		}
		payload := frame[protocol.HeaderSize:length]
		inBlock := true
		var owned *buffer.Buffer
		kind := "data"

		if flags&(protocol.FlagFragHeader|protocol.FlagFragment) != 0 {
			r, done, rerr := c.reassemble(flags, payload)
			if rerr != nil {
				return nil, Failure, protocolError(rerr, "reassemble")
			}
			if !done {
				continue
			}
			owned, payload, flags, inBlock = r.buf, r.buf.Bytes(), r.flags, false
			kind = "fragmented"
		}

		if flags&protocol.FlagCompressed != 0 {
			if c.compressor == nil {
				return nil, Failure, protocolError(nil, "compressed frame without negotiated compression")
			}
			out, derr := c.compressor.Decompress(payload)
			if owned != nil {
				owned.Release()
				owned = nil
			}
			if derr != nil {
				return nil, Failure, protocolError(derr, "decompress")
			}
			payload, inBlock = out, false
		}

		if flags&protocol.FlagPacked != 0 {
			// 条目视图指向 payload，重组缓冲不再归还给池
			rd.packed, rd.packedOff, rd.packedFirst = payload, 0, true
			if inBlock {
				rd.shared = true
			}
			continue
		}
		if len(payload) == 0 {
			if owned != nil {
				owned.Release()
			}
			continue
		}

		args.UncompressedBytesRead = len(payload)
		metrics.BytesRead.WithLabelValues("uncompressed").Add(float64(len(payload)))
		metrics.MessagesRead.WithLabelValues(kind).Inc()
		if inBlock {
			rd.shared = true
		}
		return c.inputBuffer(owned, payload), c.pending(), nil
	}
}

// nextPacked 交付当前打包帧的下一个非空条目
func (c *Channel) nextPacked(args *ReadArgs) (*Buffer, error) {
	rd := &c.rd
	for rd.packed != nil && rd.packedOff < len(rd.packed) {
		entry, next, err := protocol.NextPacked(rd.packed, rd.packedOff)
		if err != nil {
			rd.packed = nil
			return nil, protocolError(err, "packed frame")
		}
		rd.packedOff = next
		if len(entry) == 0 {
			continue
		}
		n := len(entry)
		if rd.packedFirst {
			n += protocol.HeaderSize + protocol.PackedLenSize
			rd.packedFirst = false
		}
		args.UncompressedBytesRead = n
		metrics.BytesRead.WithLabelValues("uncompressed").Add(float64(n))
		metrics.MessagesRead.WithLabelValues("packed").Inc()
		return c.inputBuffer(nil, entry), nil
	}
	rd.packed = nil
	return nil, nil
}

// pending 已缓冲但未交付的字节数
func (c *Channel) pending() ReturnCode {
	rd := &c.rd
	n := rd.tail - rd.head
	if rd.packed != nil {
		n += len(rd.packed) - rd.packedOff
	}
	if n > 0 {
		return ReturnCode(n)
	}
	return Success
}

func (c *Channel) inputBuffer(owned *buffer.Buffer, payload []byte) *Buffer {
	if owned == nil {
		owned = buffer.NewView(payload)
	}
	return &Buffer{Buffer: owned, ch: c, input: true, entryAt: -1}
}

// reassemble 累积分片；done 为 true 时 r.buf 持有完整消息
func (c *Channel) reassemble(flags byte, payload []byte) (*reassembly, bool, error) {
	rd := &c.rd
	var (
		r    *reassembly
		id   uint16
		data []byte
	)
	if flags&protocol.FlagFragHeader != 0 {
		total, fid, d, err := protocol.ParseFragHeader(payload)
		if err != nil {
			return nil, false, err
		}
		if total <= 0 || total > maxReassembly {
			return nil, false, errors.Wrapf(protocol.ErrInvalidFragment, "message length %d", total)
		}
		if old := rd.frags[fid]; old != nil {
			old.buf.Release()
		}
		b := c.pool.Get(total)
		b.SetBounds(0, 0, total)
		r = &reassembly{buf: b, total: total, flags: flags &^ (protocol.FlagFragHeader | protocol.FlagFragment)}
		if rd.frags == nil {
			rd.frags = make(map[uint16]*reassembly)
		}
		rd.frags[fid] = r
		id, data = fid, d
	} else {
		fid, d, err := protocol.ParseFragment(payload)
		if err != nil {
			return nil, false, err
		}
		if r = rd.frags[fid]; r == nil {
			return nil, false, errors.Wrapf(protocol.ErrInvalidFragment, "fragment %d without header", fid)
		}
		id, data = fid, d
	}

	if _, err := r.buf.Write(data); err != nil {
		delete(rd.frags, id)
		r.buf.Release()
		return nil, false, errors.Wrapf(protocol.ErrInvalidFragment, "fragment %d overflows message of %d bytes", id, r.total)
	}
	if r.buf.Len() < r.total {
		return r, false, nil
	}
	delete(rd.frags, id)
	return r, true, nil
}

func (c *Channel) releaseFragments() {
	for id, r := range c.rd.frags {
		r.buf.Release()
		delete(c.rd.frags, id)
	}
}

// blockSize 输入块大小：容纳 numInput 个最大分片，且至少容纳一个最大帧
func (c *Channel) blockSize() int {
	frag := c.maxFragmentSize
	if frag == 0 {
		frag = DefaultMaxFragmentSize
	}
	size := c.lim.numInput * (frag + protocol.HeaderSize + protocol.ChunkOverhead)
	return max(size, protocol.MaxFrameLen+protocol.ChunkOverhead)
}

// ensureSpace 保证输入块从 head 起能容纳 need 字节，且尾部仍有空间
func (c *Channel) ensureSpace(need int) {
	rd := &c.rd
	if rd.block == nil {
		rd.block = make([]byte, max(c.blockSize(), need))
	}
	if rd.head == rd.tail && !rd.shared {
		rd.head, rd.tail = 0, 0
	}
	pending := rd.tail - rd.head
	if need <= pending {
		need = pending + 1
	}
	if rd.head+need <= len(rd.block) {
		return
	}

	size := max(len(rd.block), need)
	if rd.shared || size > len(rd.block) {
		nb := make([]byte, size)
		copy(nb, rd.block[rd.head:rd.tail])
		rd.block = nb
		rd.shared = false
	} else {
		copy(rd.block, rd.block[rd.head:rd.tail])
	}
	rd.head, rd.tail = 0, pending
}
