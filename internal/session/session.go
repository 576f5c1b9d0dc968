// Package session 在 RIPC 通道之上提供调用方会话：驱动握手、读取、处理写结果、心跳与重连
package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/internal/reactor"
	"github.com/qiminjie89/ripc/internal/transport"
	"github.com/qiminjie89/ripc/pkg/config"
	"github.com/qiminjie89/ripc/pkg/logger"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

// Role 会话角色
type Role int

const (
	RoleConsumer Role = iota // 主动连接，可重连
	RoleProvider             // 由监听端接受
)

func (r Role) String() string {
	if r == RoleProvider {
		return "provider"
	}
	return "consumer"
}

const (
	maxReadsPerEvent = 64
	initPollInterval = time.Second
	maxRunWait       = 250 * time.Millisecond
)

var (
	ErrNotActive    = errors.New("session is not active")
	ErrBusy         = errors.New("previous write still pending")
	ErrEmptyMessage = errors.New("empty message")
	ErrPackingSize  = errors.New("packing buffer size exceeds max fragment size")
)

// Handler 会话事件回调，均在驱动会话的事件循环中调用
type Handler interface {
	OnActive(s *Session)
	OnMessage(s *Session, msg []byte)
	// OnClosed err 为 nil 表示调用方主动关闭
	OnClosed(s *Session, err error)
}

// Endpoints 候选地址来源
type Endpoints interface {
	Next() (string, error)
	MarkUnhealthy(addr string)
	MarkHealthy(addr string)
}

// Config 会话参数
type Config struct {
	Options   transport.ConnectOptions // 仅 consumer 使用
	Session   config.SessionConfig
	Mux       reactor.Multiplexer
	Handler   Handler
	Pool      *buffer.Pool
	Endpoints Endpoints // nil 时使用 Options 中的地址
}

// Stats 会话计数
type Stats struct {
	Received   uint64
	Sent       uint64
	Reconnects uint64
	Connected  bool
}

// Session 一个通道及其多路复用注册。除 Stats、Keepalive 外的方法应由同一事件循环调用。
type Session struct {
	role      Role
	opts      transport.ConnectOptions
	cfg       config.SessionConfig
	mux       reactor.Multiplexer
	pool      *buffer.Pool
	handler   Handler
	endpoints Endpoints

	ch       *transport.Channel
	key      *reactor.Key
	interest reactor.Interest
	addr     string
	down     bool

	keepalive *Keepalive
	recovery  *Recovery
	log       *zap.Logger

	packed     *transport.Buffer
	packedPrio transport.WritePriority
	pending    *transport.Buffer
	pendingArg transport.WriteArgs

	received   atomic.Uint64
	sent       atomic.Uint64
	reconnects atomic.Uint64
	connected  atomic.Bool
}

func newSession(role Role, cfg Config) (*Session, error) {
	if cfg.Mux == nil {
		return nil, errors.New("session requires a multiplexer")
	}
	if cfg.Handler == nil {
		return nil, errors.New("session requires a handler")
	}
	if cfg.Session.PackingBufferSize < 0 {
		return nil, errors.Errorf("invalid packing buffer size %d", cfg.Session.PackingBufferSize)
	}
	if cfg.Pool == nil {
		cfg.Pool = buffer.NewPool(0)
		if role == RoleConsumer {
			cfg.Options.ReservePool(cfg.Pool)
		}
	}
	return &Session{
		role:      role,
		opts:      cfg.Options,
		cfg:       cfg.Session,
		mux:       cfg.Mux,
		pool:      cfg.Pool,
		handler:   cfg.Handler,
		endpoints: cfg.Endpoints,
		down:      true,
		keepalive: NewKeepalive(),
		recovery:  NewRecovery(cfg.Session.ReconnectInterval, cfg.Session.ReconnectMaxInterval),
		log:       logger.Named("session", zap.Stringer("role", role)),
	}, nil
}

// New 创建 consumer 会话，尚未连接
func New(cfg Config) (*Session, error) {
	return newSession(RoleConsumer, cfg)
}

// Adopt 接管监听端接受的通道
func Adopt(ch *transport.Channel, cfg Config) (*Session, error) {
	s, err := newSession(RoleProvider, cfg)
	if err != nil {
		return nil, err
	}
	s.attach(ch, ch.Info().Remote)
	if err := s.setInterest(reactor.InterestRead); err != nil {
		s.teardown()
		return nil, err
	}
	if ch.State() == transport.StateActive {
		s.activate()
	}
	return s, nil
}

// Connect 选择地址并发起连接；连接完成与握手在 HandleEvent 中推进
func (s *Session) Connect() error {
	if s.role != RoleConsumer {
		return errors.New("connect requires a consumer session")
	}
	if s.recovery.IsShutdown() {
		return errors.New("session closed")
	}
	if !s.down {
		return errors.New("session already connected")
	}

	opts := s.opts
	addr := net.JoinHostPort(opts.Host, opts.Port)
	if s.endpoints != nil {
		next, err := s.endpoints.Next()
		if err != nil {
			return errors.Wrap(err, "select endpoint")
		}
		host, port, err := net.SplitHostPort(next)
		if err != nil {
			return errors.Wrapf(err, "endpoint %q", next)
		}
		opts.Host, opts.Port, addr = host, port, next
	}

	ch, err := transport.Connect(opts, s.pool)
	if err != nil {
		if s.recovery.OnFailure(err) && s.endpoints != nil {
			s.endpoints.MarkUnhealthy(addr)
		}
		s.log.Warn("connect failed", zap.String("addr", addr), zap.Error(err))
		return err
	}
	s.attach(ch, addr)
	// 非阻塞连接完成以可写事件通知
	if err := s.setInterest(reactor.InterestReadWrite); err != nil {
		s.fail(err)
		return err
	}
	s.log.Info("connecting", zap.String("addr", addr), zap.Stringer("type", opts.ConnectionType))
	return nil
}

func (s *Session) attach(ch *transport.Channel, addr string) {
	s.ch = ch
	s.addr = addr
	s.down = false
	s.key = nil
	s.interest = 0
	s.log = logger.Named("session", zap.Stringer("role", s.role), zap.String("channel_id", ch.ID()))
}

// HandleEvent 处理多路复用器报告的就绪事件
func (s *Session) HandleEvent(key *reactor.Key) {
	if s.down {
		return
	}
	switch s.ch.State() {
	case transport.StateInitializing:
		s.initStep()
	case transport.StateActive:
		if key.Writable() {
			s.flush()
		}
		if !s.down && key.Readable() {
			s.readAll()
		}
	default:
		s.teardown()
	}
}

func (s *Session) initStep() {
	for {
		var info transport.InProgInfo
		code, err := s.ch.Init(&info)
		if err != nil {
			s.fail(err)
			return
		}
		switch code {
		case transport.FDChange:
			if err := s.swapFd(info.NewFd); err != nil {
				s.fail(err)
				return
			}
			continue
		case transport.ChanInitInProgress:
			want := reactor.InterestRead
			if info.WantWrite {
				want |= reactor.InterestWrite
			}
			if err := s.setInterest(want); err != nil {
				s.fail(err)
			}
			return
		case transport.Success:
			s.activate()
		}
		return
	}
}

// swapFd 先注册新描述符再注销旧的
func (s *Session) swapFd(newFd int) error {
	key, err := s.mux.Register(newFd, s.interest, s)
	if err != nil {
		return errors.Wrap(err, "register new descriptor")
	}
	old := s.key
	s.key = key
	if old != nil {
		if err := old.Cancel(); err != nil {
			s.log.Debug("cancel old descriptor", zap.Error(err))
		}
	}
	s.log.Debug("descriptor changed", zap.Int("fd", newFd))
	return nil
}

func (s *Session) activate() {
	if s.cfg.PackingEnabled && s.packingSize() > s.ch.MaxFragmentSize() {
		s.fail(errors.Wrapf(ErrPackingSize, "%d > %d", s.packingSize(), s.ch.MaxFragmentSize()))
		return
	}
	s.keepalive.Reset(s.ch.PingTimeout(), time.Now())
	s.recovery.Succeeded()
	if s.endpoints != nil {
		s.endpoints.MarkHealthy(s.addr)
	}
	if err := s.setInterest(reactor.InterestRead); err != nil {
		s.fail(err)
		return
	}
	s.connected.Store(true)
	s.log.Info("session active",
		zap.String("addr", s.addr),
		zap.Duration("ping_timeout", s.ch.PingTimeout()),
		zap.Int("max_fragment_size", s.ch.MaxFragmentSize()),
	)
	s.handler.OnActive(s)
	// 握手时可能已读入后续数据
	if !s.down {
		s.readAll()
	}
}

func (s *Session) setInterest(i reactor.Interest) error {
	if s.key != nil && s.key.Valid() && s.interest == i {
		return nil
	}
	key, err := s.mux.Register(s.ch.Fd(), i, s)
	if err != nil {
		return errors.Wrap(err, "register descriptor")
	}
	s.key, s.interest = key, i
	return nil
}

func (s *Session) readAll() {
	var args transport.ReadArgs
	for i := 0; i < maxReadsPerEvent && !s.down; i++ {
		b, code, err := s.ch.Read(&args)
		if args.BytesRead > 0 || b != nil || code == transport.ReadPing {
			s.keepalive.Received(time.Now())
		}
		if err != nil {
			s.fail(err)
			return
		}
		if b != nil {
			s.received.Add(1)
			s.handler.OnMessage(s, b.Bytes())
			s.ch.ReleaseBuffer(b)
		}
		if code == transport.ReadWouldBlock || code == transport.ReadInProgress {
			return
		}
	}
}

// Send 发送一条消息；打包开启时消息先追加到打包缓冲，由 FlushPacked 或下一次 Tick 发出
func (s *Session) Send(msg []byte, prio transport.WritePriority) error {
	if !s.Active() {
		return ErrNotActive
	}
	if s.pending != nil {
		return ErrBusy
	}
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	if s.cfg.PackingEnabled && len(msg)+protocol.PackedLenSize <= s.packingSize() {
		return s.sendPacked(msg, prio)
	}
	b, _, err := s.ch.GetBuffer(len(msg), false)
	if err != nil {
		return err
	}
	if _, err := b.Write(msg); err != nil {
		s.ch.ReleaseBuffer(b)
		return errors.Wrap(err, "fill buffer")
	}
	return s.Write(b, &transport.WriteArgs{Priority: prio})
}

func (s *Session) sendPacked(msg []byte, prio transport.WritePriority) error {
	if s.packed != nil && (s.packed.Available() < len(msg) || s.packedPrio != prio) {
		if err := s.FlushPacked(); err != nil {
			return err
		}
		if !s.Active() {
			return ErrNotActive
		}
	}
	if s.packed == nil {
		b, _, err := s.ch.GetBuffer(s.packingSize(), true)
		if err != nil {
			return err
		}
		s.packed, s.packedPrio = b, prio
	}
	if _, err := s.packed.Write(msg); err != nil {
		return errors.Wrap(err, "fill packed buffer")
	}
	remaining, err := s.ch.PackBuffer(s.packed)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return s.FlushPacked()
	}
	return nil
}

// FlushPacked 写出当前打包缓冲
func (s *Session) FlushPacked() error {
	if s.packed == nil {
		return nil
	}
	b, prio := s.packed, s.packedPrio
	s.packed = nil
	return s.Write(b, &transport.WriteArgs{Priority: prio})
}

func (s *Session) packingSize() int {
	if s.cfg.PackingBufferSize > 0 {
		return s.cfg.PackingBufferSize
	}
	if s.ch != nil {
		return s.ch.MaxFragmentSize()
	}
	return transport.DefaultMaxFragmentSize
}

// Write 写出缓冲并处理各种返回：部分写入与刷新失败时关注可写事件，
// WriteCallAgain 时先刷新再重试，其他失败归还缓冲并返回原始错误。
func (s *Session) Write(b *transport.Buffer, args *transport.WriteArgs) error {
	if s.down {
		return ErrNotActive
	}
	if args == nil {
		args = &transport.WriteArgs{}
	}
	code, err := s.ch.Write(b, args)
	for code == transport.WriteCallAgain {
		fcode, ferr := s.ch.Flush()
		if ferr != nil {
			// 通道关闭时已归还分片途中的 b
			s.fail(ferr)
			return ferr
		}
		if fcode > 0 {
			// 套接字已满，可写时继续
			s.pending, s.pendingArg = b, *args
			return s.watchWrite()
		}
		code, err = s.ch.Write(b, args)
	}

	switch {
	case code == transport.Success:
		s.wrote()
		return nil
	case code > 0:
		s.wrote()
		return s.watchWrite()
	case code == transport.WriteFlushFailed && s.ch.State() != transport.StateClosed:
		s.wrote()
		return s.watchWrite()
	}

	if rerr := s.ch.ReleaseBuffer(b); rerr != nil {
		s.log.Debug("release after failed write", zap.Error(rerr))
	}
	if err == nil {
		err = errors.Errorf("write failed: %s", code)
	}
	if s.ch.State() == transport.StateClosed {
		s.fail(err)
	}
	return err
}

func (s *Session) wrote() {
	s.sent.Add(1)
	s.keepalive.Sent(time.Now())
}

func (s *Session) watchWrite() error {
	if err := s.setInterest(reactor.InterestReadWrite); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// flush 可写事件：刷新队列，续写挂起的大消息，队列清空后取消可写关注
func (s *Session) flush() {
	code, err := s.ch.Flush()
	if err != nil {
		s.fail(err)
		return
	}
	if s.pending != nil {
		if code > 0 {
			return
		}
		b, args := s.pending, s.pendingArg
		s.pending = nil
		if err := s.Write(b, &args); err != nil && !s.down {
			s.log.Warn("resume write failed", zap.Error(err))
		}
		return
	}
	if code == transport.Success {
		if err := s.setInterest(reactor.InterestRead); err != nil {
			s.fail(err)
		}
	}
}

// Tick 每轮事件循环调用一次：推进握手超时检查、发出打包缓冲、按需发送心跳、检测对端失联
func (s *Session) Tick(now time.Time) {
	if s.down {
		return
	}
	switch s.ch.State() {
	case transport.StateInitializing:
		s.initStep()
		return
	case transport.StateActive:
	default:
		return
	}

	if s.packed != nil {
		if err := s.FlushPacked(); err != nil && s.down {
			return
		}
	}
	if s.keepalive.Expired(now) {
		metrics.PingTimeouts.Inc()
		s.fail(errors.Wrapf(ErrPingTimeout, "last receive %s ago", now.Sub(s.keepalive.LastReceived()).Truncate(time.Millisecond)))
		return
	}
	if s.pending == nil && s.keepalive.NeedPing(now) {
		code, err := s.ch.Ping()
		if err != nil {
			s.fail(err)
			return
		}
		s.keepalive.Sent(now)
		if code > 0 {
			s.watchWrite()
		}
	}
}

// ReadTimeout 事件循环等待的上限：配置值，否则为心跳超时的三分之一
func (s *Session) ReadTimeout() time.Duration {
	if s.cfg.ReadTimeout > 0 {
		return s.cfg.ReadTimeout
	}
	if s.Active() {
		if t := s.ch.PingTimeout() / 3; t > 0 {
			return t
		}
	}
	return initPollInterval
}

// Close 调用方关闭，不再重连，可重复调用
func (s *Session) Close() error {
	s.recovery.Shutdown()
	if s.down {
		return nil
	}
	s.teardown()
	s.log.Info("session closed")
	s.handler.OnClosed(s, nil)
	return nil
}

func (s *Session) fail(err error) {
	if s.down {
		return
	}
	reconnect := s.recovery.OnFailure(err)
	if reconnect && s.endpoints != nil {
		s.endpoints.MarkUnhealthy(s.addr)
	}
	s.teardown()
	switch {
	case s.role == RoleProvider:
		s.log.Info("session closed", zap.String("remote", s.addr), zap.Error(err))
	case reconnect:
		s.log.Warn("session failed, retrying", zap.String("addr", s.addr), zap.Error(err))
	default:
		s.log.Error("session failed", zap.String("addr", s.addr), zap.Error(err))
	}
	s.handler.OnClosed(s, err)
}

// teardown 注销描述符、尽力发出剩余数据、关闭通道，每个通道只执行一次
func (s *Session) teardown() {
	if s.down {
		return
	}
	s.down = true
	s.connected.Store(false)
	if s.key != nil {
		if err := s.key.Cancel(); err != nil {
			s.log.Debug("cancel key", zap.Error(err))
		}
		s.key = nil
	}

	active := s.ch.State() == transport.StateActive
	if b := s.packed; b != nil {
		s.packed = nil
		code := transport.Failure
		if active {
			code, _ = s.ch.Write(b, &transport.WriteArgs{Priority: s.packedPrio})
		}
		if code < 0 && code != transport.WriteFlushFailed {
			s.ch.ReleaseBuffer(b)
		}
	}
	if b := s.pending; b != nil {
		s.pending = nil
		s.ch.ReleaseBuffer(b)
	}
	if active {
		s.ch.Flush()
	}
	s.ch.Close()
}

// Run consumer 事件循环：连接、处理事件、心跳，可恢复失败后按退避重连。
// ctx 取消或调用方关闭时返回 nil；致命失败返回该错误。
func (s *Session) Run(ctx context.Context) error {
	if s.role != RoleConsumer {
		return errors.New("run requires a consumer session")
	}
	if s.down && !s.recovery.IsShutdown() {
		if err := s.Connect(); err != nil && !Recoverable(err) {
			return err
		}
	}
	for {
		if ctx.Err() != nil {
			s.Close()
			return nil
		}
		if s.down {
			if s.recovery.IsShutdown() {
				return nil
			}
			if !s.recovery.ShouldReconnect() {
				return s.recovery.Err()
			}
			delay := s.recovery.NextDelay()
			s.log.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", s.recovery.Attempts()))
			select {
			case <-ctx.Done():
				s.Close()
				return nil
			case <-time.After(delay):
			}
			metrics.Reconnects.Inc()
			s.reconnects.Add(1)
			if err := s.Connect(); err != nil && !Recoverable(err) {
				return err
			}
			continue
		}

		keys, err := s.mux.Wait(min(s.ReadTimeout(), maxRunWait))
		if err != nil {
			s.Close()
			return errors.Wrap(err, "wait")
		}
		for _, k := range keys {
			if k.Attachment() == s {
				s.HandleEvent(k)
			}
		}
		s.Tick(time.Now())
	}
}

// ID 当前通道标识
func (s *Session) ID() string {
	if s.ch == nil {
		return ""
	}
	return s.ch.ID()
}

// Role 会话角色
func (s *Session) Role() Role {
	return s.role
}

// Addr 当前连接地址
func (s *Session) Addr() string {
	return s.addr
}

// Channel 当前通道，可能已关闭
func (s *Session) Channel() *transport.Channel {
	return s.ch
}

// Active 通道是否可读写
func (s *Session) Active() bool {
	return !s.down && s.ch.State() == transport.StateActive
}

// Closed 通道已拆除
func (s *Session) Closed() bool {
	return s.down
}

// Keepalive 心跳跟踪器
func (s *Session) Keepalive() *Keepalive {
	return s.keepalive
}

// Recovery 恢复协调器
func (s *Session) Recovery() *Recovery {
	return s.recovery
}

// Stats 计数快照，可在其他 goroutine 调用
func (s *Session) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Sent:       s.sent.Load(),
		Reconnects: s.reconnects.Load(),
		Connected:  s.connected.Load(),
	}
}
