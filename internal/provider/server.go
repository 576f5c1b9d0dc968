// Package provider 实现行情 Provider：监听、接受 consumer 通道、扇出行情更新
package provider

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/internal/reactor"
	"github.com/qiminjie89/ripc/internal/session"
	"github.com/qiminjie89/ripc/internal/transport"
	"github.com/qiminjie89/ripc/pkg/auth"
	"github.com/qiminjie89/ripc/pkg/config"
	"github.com/qiminjie89/ripc/pkg/kafka"
	"github.com/qiminjie89/ripc/pkg/logger"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

const (
	updateQueueSize = 4096
	maxLoopWait     = 50 * time.Millisecond
)

// Server Provider 服务
type Server struct {
	cfg       *config.ProviderConfig
	bind      transport.BindOptions
	validator *auth.JWTValidator
	pool      *buffer.Pool
	publisher *Publisher
	log       *zap.Logger

	mux      reactor.Multiplexer
	listener *transport.Server
	kafka    *kafka.Consumer
	health   *http.Server

	// 仅由事件循环访问，值表示是否已激活
	sessions map[*session.Session]bool

	updates   chan *protocol.MarketUpdate
	active    atomic.Int64
	published atomic.Uint64
	started   time.Time

	// 生命周期
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建 Provider，配置错误在此返回
func NewServer(cfg *config.ProviderConfig) (*Server, error) {
	bind, err := transport.BindOptionsFromConfig(cfg.Server, cfg.Connection, cfg.Session)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		bind:      bind,
		validator: auth.FromConfig(cfg.Auth),
		pool:      buffer.NewPool(0),
		publisher: NewPublisher(cfg.Publish.Items, cfg.Publish.Interval, time.Now().UnixNano()),
		sessions:  make(map[*session.Session]bool),
		updates:   make(chan *protocol.MarketUpdate, updateQueueSize),
		log:       logger.Named("provider", zap.String("id", cfg.Server.ID)),
	}
	if s.validator != nil {
		s.bind.Authenticator = s.validator.Authenticate
	}
	s.pool.Reserve(bind.GuaranteedOutputBuffers+bind.NumInputBuffers, bind.MaxFragmentSize+protocol.HeaderSize+protocol.ChunkOverhead)
	return s, nil
}

// Start 启动监听、事件循环、可选的 Kafka 源与健康检查
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = time.Now()

	mux, err := reactor.New()
	if err != nil {
		return errors.Wrap(err, "create multiplexer")
	}
	listener, err := transport.Bind(s.bind, s.pool)
	if err != nil {
		mux.Close()
		return err
	}
	if _, err := mux.Register(listener.Fd(), reactor.InterestRead, listener); err != nil {
		listener.Close()
		mux.Close()
		return errors.Wrap(err, "register listener")
	}
	s.mux, s.listener = mux, listener

	if len(s.cfg.Kafka.Brokers) > 0 {
		if s.kafka, err = kafka.NewConsumer(s.cfg.Kafka); err != nil {
			s.Stop()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.kafka.Start(s.ctx, s.onKafkaMessage)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()

	if s.cfg.Server.HealthAddr != "" {
		s.health = &http.Server{Addr: s.cfg.Server.HealthAddr, Handler: s.healthMux()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runHealthServer()
		}()
	}

	s.log.Info("provider started",
		zap.String("addr", listener.Addr()),
		zap.Int("items", len(s.cfg.Publish.Items)),
		zap.Bool("auth", s.validator != nil),
		zap.Bool("kafka", s.kafka != nil),
	)
	return nil
}

// Stop 停止服务，关闭全部会话
func (s *Server) Stop() {
	s.log.Info("stopping provider")
	if s.cancel != nil {
		s.cancel()
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.health.Shutdown(ctx)
		cancel()
	}
	s.wg.Wait()

	if s.kafka != nil {
		s.kafka.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.mux != nil {
		s.mux.Close()
	}
	s.log.Info("provider stopped", zap.Uint64("published", s.published.Load()))
}

// Addr 监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// ActiveSessions 已完成握手的 consumer 数
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Published 已发出的更新条数（按 consumer 计）
func (s *Server) Published() uint64 {
	return s.published.Load()
}

// Publish 投递一条外部更新，队列满时丢弃
func (s *Server) Publish(u *protocol.MarketUpdate) bool {
	select {
	case s.updates <- u:
		return true
	default:
		metrics.ProviderUpdatesDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

func (s *Server) onKafkaMessage(msg *kafka.Message) error {
	u, err := protocol.DecodeUpdate(msg.Value)
	if err != nil {
		metrics.ProviderUpdatesDropped.WithLabelValues("decode").Inc()
		return errors.Wrap(err, "decode update")
	}
	if s.Publish(u) {
		metrics.KafkaBridged.Inc()
	}
	return nil
}

func (s *Server) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.closeSessions()
			return
		default:
		}

		keys, err := s.mux.Wait(s.waitTimeout())
		if err != nil {
			s.log.Error("multiplexer wait failed", zap.Error(err))
			s.closeSessions()
			return
		}
		for _, k := range keys {
			switch a := k.Attachment().(type) {
			case *transport.Server:
				s.acceptAll()
			case *session.Session:
				a.HandleEvent(k)
			}
		}

		now := time.Now()
		s.drainUpdates()
		if s.publisher.Due(now) {
			for _, u := range s.publisher.Next(now) {
				s.fanOut(u)
			}
		}
		for sess := range s.sessions {
			sess.Tick(now)
		}
	}
}

func (s *Server) waitTimeout() time.Duration {
	return min(s.publisher.Interval(), maxLoopWait)
}

func (s *Server) acceptAll() {
	for {
		ch, err := s.listener.Accept()
		if err == transport.ErrWouldBlock {
			return
		}
		if err != nil {
			s.log.Warn("accept failed", zap.Error(err))
			return
		}
		sess, err := session.Adopt(ch, session.Config{
			Session: s.cfg.Session,
			Mux:     s.mux,
			Handler: s,
			Pool:    s.pool,
		})
		if err != nil {
			s.log.Warn("adopt channel failed", zap.Error(err))
			ch.Close()
			continue
		}
		if _, ok := s.sessions[sess]; !ok {
			s.sessions[sess] = false
		}
	}
}

func (s *Server) drainUpdates() {
	for {
		select {
		case u := <-s.updates:
			s.fanOut(u)
		default:
			return
		}
	}
}

func priorityOf(u *protocol.MarketUpdate) transport.WritePriority {
	switch u.Type {
	case protocol.UpdateRefresh, protocol.UpdateStatus:
		return transport.PriorityHigh
	}
	return transport.PriorityMedium
}

// fanOut 编码一次，发送给所有已激活的 consumer
func (s *Server) fanOut(u *protocol.MarketUpdate) {
	payload, err := protocol.EncodeUpdate(u)
	if err != nil {
		metrics.ProviderUpdatesDropped.WithLabelValues("encode").Inc()
		s.log.Warn("encode update failed", zap.String("item", u.Item), zap.Error(err))
		return
	}
	for sess, active := range s.sessions {
		if active && sess.Active() {
			s.send(sess, payload, priorityOf(u))
		}
	}
}

func (s *Server) send(sess *session.Session, payload []byte, prio transport.WritePriority) {
	err := sess.Send(payload, prio)
	switch {
	case err == nil:
		s.published.Add(1)
		metrics.ProviderUpdatesPublished.Inc()
	case errors.Is(err, session.ErrBusy) || transport.KindOf(err) == transport.KindBusy:
		metrics.ProviderUpdatesDropped.WithLabelValues("busy").Inc()
	default:
		metrics.ProviderUpdatesDropped.WithLabelValues("error").Inc()
		s.log.Debug("send failed", zap.String("channel_id", sess.ID()), zap.Error(err))
	}
}

func (s *Server) closeSessions() {
	for sess := range s.sessions {
		sess.Close()
	}
}

// OnActive 新 consumer 完成握手后先发送全量快照
func (s *Server) OnActive(sess *session.Session) {
	s.sessions[sess] = true
	s.active.Add(1)
	info := sess.Channel().Info()
	s.log.Info("consumer connected",
		zap.String("channel_id", sess.ID()),
		zap.String("remote", info.Remote),
		zap.Stringer("conn_type", info.ConnectionType),
		zap.String("component", info.PeerComponentVersion),
	)
	for _, u := range s.publisher.Snapshot(time.Now()) {
		payload, err := protocol.EncodeUpdate(u)
		if err != nil {
			continue
		}
		s.send(sess, payload, transport.PriorityHigh)
	}
}

// OnMessage consumer 发来的状态消息，仅记录
func (s *Server) OnMessage(sess *session.Session, msg []byte) {
	u, err := protocol.DecodeUpdate(msg)
	if err != nil {
		s.log.Debug("undecodable consumer message", zap.String("channel_id", sess.ID()), zap.Int("len", len(msg)))
		return
	}
	s.log.Debug("consumer message",
		zap.String("channel_id", sess.ID()),
		zap.Stringer("type", u.Type),
		zap.String("text", u.Text),
	)
}

// OnClosed 移除会话
func (s *Server) OnClosed(sess *session.Session, err error) {
	active, ok := s.sessions[sess]
	if !ok {
		return
	}
	delete(s.sessions, sess)
	if !active {
		s.log.Debug("handshake abandoned", zap.String("channel_id", sess.ID()), zap.Error(err))
		return
	}
	s.active.Add(-1)
	st := sess.Stats()
	s.log.Info("consumer disconnected",
		zap.String("channel_id", sess.ID()),
		zap.Uint64("sent", st.Sent),
		zap.Uint64("received", st.Received),
		zap.Error(err),
	)
}
