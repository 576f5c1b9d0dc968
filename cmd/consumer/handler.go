package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/internal/session"
	"github.com/qiminjie89/ripc/internal/transport"
	"github.com/qiminjie89/ripc/pkg/kafka"
	"github.com/qiminjie89/ripc/pkg/logger"
)

const bridgeQueueSize = 1024

// printer 打印收到的行情，可选转发到 Kafka
type printer struct {
	quiet   bool
	bridge  *bridge
	updates atomic.Uint64
}

func (p *printer) OnActive(s *session.Session) {
	info := s.Channel().Info()
	logger.Info("channel active",
		zap.String("channel_id", info.ID),
		zap.String("addr", s.Addr()),
		zap.Stringer("conn_type", info.ConnectionType),
		zap.Int("max_fragment_size", info.MaxFragmentSize),
		zap.Duration("ping_timeout", info.PingTimeout),
		zap.Stringer("compression", info.CompressionType),
		zap.String("provider", info.PeerComponentVersion),
	)
	ready, err := protocol.EncodeUpdate(&protocol.MarketUpdate{
		Type:   protocol.UpdateStatus,
		Text:   "consumer ready",
		SentAt: time.Now().UnixNano(),
	})
	if err == nil {
		if err := s.Send(ready, transport.PriorityHigh); err != nil {
			logger.Warn("send ready status failed", zap.Error(err))
		}
	}
}

func (p *printer) OnMessage(_ *session.Session, msg []byte) {
	u, err := protocol.DecodeUpdate(msg)
	if err != nil {
		logger.Warn("undecodable update", zap.Int("len", len(msg)), zap.Error(err))
		return
	}
	p.updates.Add(1)
	if p.bridge != nil {
		p.bridge.offer(u.Item, msg)
	}
	if !p.quiet {
		fmt.Println(formatUpdate(u))
	}
}

func (p *printer) OnClosed(s *session.Session, err error) {
	if err == nil {
		return
	}
	if s.Recovery().ShouldReconnect() {
		fmt.Printf("connection lost, retrying: %v\n", err)
		return
	}
	fmt.Printf("connection failed: %v\n", err)
}

func (p *printer) bridged() uint64 {
	if p.bridge == nil {
		return 0
	}
	return p.bridge.sent.Load()
}

func formatUpdate(u *protocol.MarketUpdate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-7s %-10s seq=%d", u.Type, u.Item, u.Seq)
	names := make([]string, 0, len(u.Fields))
	for name := range u.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%.4f", name, u.Fields[name])
	}
	if u.Text != "" {
		fmt.Fprintf(&b, " %q", u.Text)
	}
	if u.SentAt > 0 {
		fmt.Fprintf(&b, " latency=%s", time.Since(time.Unix(0, u.SentAt)).Round(time.Microsecond))
	}
	return b.String()
}

type bridgeMessage struct {
	key   []byte
	value []byte
}

// bridge 把收到的原始载荷异步转发到 Kafka，不阻塞事件循环
type bridge struct {
	producer *kafka.Producer
	queue    chan bridgeMessage
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

func newBridge(p *kafka.Producer) *bridge {
	return &bridge{producer: p, queue: make(chan bridgeMessage, bridgeQueueSize)}
}

func (b *bridge) offer(item string, msg []byte) {
	select {
	case b.queue <- bridgeMessage{key: []byte(item), value: append([]byte(nil), msg...)}:
	default:
		b.dropped.Add(1)
	}
}

func (b *bridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			if err := b.producer.Send(ctx, m.key, m.value); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka bridge send failed", zap.Error(err), zap.Uint64("dropped", b.dropped.Load()))
				continue
			}
			b.sent.Add(1)
		}
	}
}
