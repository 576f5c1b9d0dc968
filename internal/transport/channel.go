package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/pkg/logger"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

type role int

const (
	roleClient role = iota
	roleServer
)

func (r role) String() string {
	if r == roleServer {
		return "server"
	}
	return "client"
}

// limits 两端共用的通道参数
type limits struct {
	guaranteedOutput int
	maxOutput        int
	numInput         int
	highWaterMark    int
	flushStrategy    string
	initTimeout      time.Duration
	lockingReads     bool
}

// InProgInfo 握手进行中的附加信息
type InProgInfo struct {
	FDChanged bool // 描述符已更换，调用方需先注册 NewFd、注销 OldFd
	OldFd     int
	NewFd     int
	WantWrite bool // 需要关注可写事件
}

// ChannelInfo 通道协商结果与运行状态
type ChannelInfo struct {
	ID                      string
	ConnectionType          ConnectionType
	State                   State
	Fd                      int
	Remote                  string
	MaxFragmentSize         int
	PingTimeout             time.Duration
	Version                 uint32
	MajorVersion            int
	MinorVersion            int
	ProtocolType            int
	CompressionType         protocol.CompressionType
	PeerComponentVersion    string
	GuaranteedOutputBuffers int
	MaxOutputBuffers        int
	NumInputBuffers         int
	OutputBuffersUsed       int
	QueuedBytes             int
	UserSpecObject          interface{}
}

// Buffer 通道缓冲区：写缓冲在 start 之前预留帧头，读缓冲是交付给调用方的消息
type Buffer struct {
	*buffer.Buffer
	ch      *Channel
	input   bool
	packed  bool
	frameAt int // RIPC 帧头在 raw 中的偏移
	entryAt int // 当前打包条目的长度前缀偏移，-1 表示没有打开的条目
	frag    *fragProgress
	sent    bool
}

// fragProgress 超过分片大小的消息的排队进度
type fragProgress struct {
	data         []byte
	flags        byte
	id           uint16
	off          int
	started      bool
	uncompressed int
}

// Channel RIPC 通道。除 LockingReads 打开时的 Read 外，同一通道的方法应由单一所有者调用。
type Channel struct {
	id     string
	role   role
	state  atomic.Int32
	sock   Socket
	framer framer
	pool   *buffer.Pool
	log    *zap.Logger
	lim    limits
	remote string

	connType ConnectionType
	copts    ConnectOptions
	bopts    *BindOptions

	// 协商结果
	version              uint32
	maxFragmentSize      int
	pingTimeout          time.Duration
	majorVersion         int
	minorVersion         int
	protocolType         int
	compressor           protocol.Compressor
	compressionThreshold int
	peerComponent        string
	pingFrame            []byte

	init   initState
	readMu sync.Mutex
	rd     readState
	wr     writeState

	closeOnce sync.Once
}

func newChannel(r role, sock Socket, pool *buffer.Pool, lim limits) *Channel {
	c := &Channel{
		id:     uuid.NewString(),
		role:   r,
		sock:   sock,
		framer: socketFramer{},
		pool:   pool,
		lim:    lim,
	}
	for i := range c.wr.queues {
		c.wr.queues[i] = queue.New()
	}
	c.wr.strategy = parseStrategy(lim.flushStrategy)
	c.log = logger.Named("channel", zap.String("channel_id", c.id), zap.Stringer("role", r))
	return c
}

// NewChannel 创建未连接的客户端通道
func NewChannel(opts ConnectOptions, pool *buffer.Pool) (*Channel, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		pool = buffer.NewPool(0)
		opts.ReservePool(pool)
	}
	c := newChannel(roleClient, nil, pool, limits{
		guaranteedOutput: opts.GuaranteedOutputBuffers,
		maxOutput:        opts.MaxOutputBuffers,
		numInput:         opts.NumInputBuffers,
		highWaterMark:    opts.HighWaterMark,
		flushStrategy:    opts.FlushStrategy,
		initTimeout:      opts.InitTimeout,
		lockingReads:     opts.LockingReads,
	})
	c.copts = opts
	c.connType = opts.ConnectionType
	c.remote = net.JoinHostPort(opts.Host, opts.Port)
	return c, nil
}

// Connect 创建客户端通道并发起非阻塞连接，返回的通道处于 INITIALIZING
func Connect(opts ConnectOptions, pool *buffer.Pool) (*Channel, error) {
	c, err := NewChannel(opts, pool)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect 发起连接；仅对 INACTIVE 通道有效
func (c *Channel) Connect() error {
	if st := c.State(); st != StateInactive {
		return c.stateError("connect", st)
	}
	host, port := c.copts.Host, c.copts.Port
	if c.copts.Proxy.Host != "" {
		host, port = c.copts.Proxy.Host, c.copts.Proxy.Port
	}
	sock, err := dial(host, port, sockOpts{
		noDelay: c.copts.TCPNoDelay,
		sendBuf: c.copts.SysSendBufSize,
		recvBuf: c.copts.SysRecvBufSize,
		localIf: c.copts.Interface,
	})
	if err != nil {
		e := networkError(err, "connect %s", net.JoinHostPort(host, port))
		c.fail(e)
		return e
	}
	c.sock = sock
	c.init = initState{phase: phaseConnecting, started: time.Now()}
	c.state.Store(int32(StateInitializing))
	c.log.Debug("connecting", zap.String("remote", c.remote), zap.Stringer("type", c.connType))
	return nil
}

// ID 通道唯一标识
func (c *Channel) ID() string {
	return c.id
}

// State 当前状态
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Fd 当前描述符，未连接时返回 -1
func (c *Channel) Fd() int {
	if c.sock == nil {
		return -1
	}
	return c.sock.Fd()
}

// PingTimeout 协商后的心跳超时
func (c *Channel) PingTimeout() time.Duration {
	return c.pingTimeout
}

// MaxFragmentSize 协商后的最大分片大小
func (c *Channel) MaxFragmentSize() int {
	return c.maxFragmentSize
}

// Info 返回通道信息
func (c *Channel) Info() ChannelInfo {
	info := ChannelInfo{
		ID:                      c.id,
		ConnectionType:          c.connType,
		State:                   c.State(),
		Fd:                      c.Fd(),
		Remote:                  c.remote,
		MaxFragmentSize:         c.maxFragmentSize,
		PingTimeout:             c.pingTimeout,
		Version:                 c.version,
		MajorVersion:            c.majorVersion,
		MinorVersion:            c.minorVersion,
		ProtocolType:            c.protocolType,
		PeerComponentVersion:    c.peerComponent,
		GuaranteedOutputBuffers: c.lim.guaranteedOutput,
		MaxOutputBuffers:        c.lim.maxOutput,
		NumInputBuffers:         c.lim.numInput,
		OutputBuffersUsed:       c.wr.outBuffers,
		QueuedBytes:             c.wr.queuedBytes,
		UserSpecObject:          c.copts.UserSpecObject,
	}
	if c.compressor != nil {
		info.CompressionType = c.compressor.Type()
	}
	return info
}

// GetBuffer 获取写缓冲。packed 为 true 时 size 为整个打包帧载荷（含各条目长度前缀）的容量，
// 不得超过最大分片大小；非打包缓冲超过最大分片大小时写入会自动分片。
func (c *Channel) GetBuffer(size int, packed bool) (*Buffer, ReturnCode, error) {
	if st := c.State(); st != StateActive {
		return nil, Failure, c.stateError("get buffer", st)
	}
	if size <= 0 {
		return nil, Failure, configError("buffer size %d must be positive", size)
	}
	if packed {
		if size > c.maxFragmentSize {
			return nil, Failure, configError("packed buffer size %d exceeds max fragment size %d", size, c.maxFragmentSize)
		}
		if size <= protocol.PackedLenSize {
			return nil, Failure, configError("packed buffer size %d too small", size)
		}
	}
	if c.wr.outBuffers >= c.lim.maxOutput {
		return nil, NoBuffers, newError(NoBuffers, KindBusy, nil, "%d output buffers in use", c.wr.outBuffers)
	}

	h, t := c.framer.overhead()
	b := c.pool.Get(h + protocol.HeaderSize + size + t)
	out := &Buffer{Buffer: b, ch: c, packed: packed, frameAt: h, entryAt: -1}
	start := h + protocol.HeaderSize
	limit := start + size
	if packed {
		out.entryAt = start
		start += protocol.PackedLenSize
	}
	b.SetBounds(start, start, limit)
	c.wr.outBuffers++
	return out, Success, nil
}

// PackBuffer 结束当前打包条目并打开下一个，返回剩余可写字节数
func (c *Channel) PackBuffer(b *Buffer) (int, error) {
	if b == nil || b.ch != c || b.input || b.sent {
		return 0, configError("buffer does not belong to this channel")
	}
	if !b.packed {
		return 0, configError("buffer was not requested as packed")
	}
	if b.entryAt < 0 {
		return 0, nil
	}
	start, end, limit := b.Bounds()
	if end == start {
		return limit - end, nil
	}
	protocol.PutPackedLen(b.Raw()[b.entryAt:], end-start)
	if limit-end <= protocol.PackedLenSize {
		b.entryAt = -1
		b.SetBounds(end, end, end)
		return 0, nil
	}
	b.entryAt = end
	b.SetBounds(end+protocol.PackedLenSize, end+protocol.PackedLenSize, limit)
	return limit - end - protocol.PackedLenSize, nil
}

// ReleaseBuffer 归还缓冲：写缓冲只能在写入失败或放弃写入时归还，读缓冲可在用完后归还
func (c *Channel) ReleaseBuffer(b *Buffer) error {
	if b == nil || b.ch != c {
		return configError("buffer does not belong to this channel")
	}
	if b.sent {
		return configError("buffer already handed to the channel")
	}
	if err := b.Buffer.Release(); err != nil {
		return newError(Failure, KindConfig, err, "release buffer")
	}
	if !b.input {
		c.wr.outBuffers--
	}
	return nil
}

// Close 关闭通道，可重复调用
func (c *Channel) Close() error {
	c.closeWith("caller")
	return nil
}

func (c *Channel) fail(err error) {
	reason := "error"
	if k := KindOf(err); k != 0 {
		reason = k.String()
	}
	c.log.Warn("channel failed", zap.Error(err))
	c.closeWith(reason)
}

func (c *Channel) closeWith(reason string) {
	c.closeOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateClosed)))
		if prev == StateActive {
			metrics.ChannelsActive.Dec()
		}
		if c.sock != nil {
			if err := c.sock.Close(); err != nil {
				c.log.Debug("close socket", zap.Error(err))
			}
		}
		c.releaseQueued()
		c.releaseFragments()
		metrics.ChannelCloseReason.WithLabelValues(reason).Inc()
		c.log.Info("channel closed", zap.String("reason", reason), zap.Stringer("prev_state", prev))
	})
}

func (c *Channel) activate() {
	c.pingFrame = wrapFrame(c.framer, protocol.PingFrame)
	c.state.Store(int32(StateActive))
	metrics.ChannelsActive.Inc()
	metrics.ChannelInitDuration.Observe(time.Since(c.init.started).Seconds())
	c.init = initState{started: c.init.started}
	c.log.Info("channel active",
		zap.String("remote", c.remote),
		zap.String("framing", c.framer.name()),
		zap.Int("max_fragment_size", c.maxFragmentSize),
		zap.Duration("ping_timeout", c.pingTimeout),
		zap.Int("major_version", c.majorVersion),
		zap.Int("minor_version", c.minorVersion),
	)
}

func (c *Channel) stateError(op string, st State) *Error {
	if st == StateClosed {
		return newError(Failure, KindClosed, nil, "%s: channel closed", op)
	}
	return configError("%s: channel is %s", op, st)
}
