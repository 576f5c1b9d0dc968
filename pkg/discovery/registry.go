// Package discovery 维护 Provider 地址列表，提供轮询选择与健康标记
package discovery

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/pkg/config"
	"github.com/qiminjie89/ripc/pkg/logger"
)

// DefaultReviveAfter 不健康地址重新参与选择前的冷却时间
const DefaultReviveAfter = 30 * time.Second

var ErrNoEndpoints = errors.New("no provider endpoints configured")

// Endpoint Provider 地址
type Endpoint struct {
	Addr        string
	Healthy     bool
	Failures    int
	LastFailure time.Time
}

// ChangeCallback 健康状态变化回调
type ChangeCallback func(ep Endpoint)

// Registry 静态地址列表
type Registry struct {
	mu          sync.Mutex
	endpoints   []*Endpoint
	next        int
	reviveAfter time.Duration
	callbacks   []ChangeCallback
	now         func() time.Time
}

// NewRegistry 由配置创建地址列表，地址必须为 host:port
func NewRegistry(cfg config.DiscoveryConfig) (*Registry, error) {
	if len(cfg.Providers) == 0 {
		return nil, ErrNoEndpoints
	}
	r := &Registry{
		reviveAfter: cfg.ReviveAfter,
		now:         time.Now,
	}
	if r.reviveAfter <= 0 {
		r.reviveAfter = DefaultReviveAfter
	}
	seen := make(map[string]bool)
	for _, addr := range cfg.Providers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, errors.Wrapf(err, "provider endpoint %q", addr)
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		r.endpoints = append(r.endpoints, &Endpoint{Addr: addr, Healthy: true})
	}
	return r, nil
}

// Subscribe 订阅健康状态变化
func (r *Registry) Subscribe(cb ChangeCallback) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// Next 轮询返回下一个可用地址。冷却期已过的不健康地址重新参与选择；
// 全部不可用时返回最早失败的地址，让调用方继续按退避重试。
func (r *Registry) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	now := r.now()
	for i := 0; i < len(r.endpoints); i++ {
		ep := r.endpoints[r.next%len(r.endpoints)]
		r.next++
		if ep.Healthy || now.Sub(ep.LastFailure) >= r.reviveAfter {
			return ep.Addr, nil
		}
	}

	oldest := r.endpoints[0]
	for _, ep := range r.endpoints[1:] {
		if ep.LastFailure.Before(oldest.LastFailure) {
			oldest = ep
		}
	}
	return oldest.Addr, nil
}

// MarkUnhealthy 记录一次连接失败
func (r *Registry) MarkUnhealthy(addr string) {
	r.update(addr, func(ep *Endpoint) bool {
		changed := ep.Healthy
		ep.Healthy = false
		ep.Failures++
		ep.LastFailure = r.now()
		return changed
	})
}

// MarkHealthy 握手成功后恢复
func (r *Registry) MarkHealthy(addr string) {
	r.update(addr, func(ep *Endpoint) bool {
		changed := !ep.Healthy
		ep.Healthy = true
		ep.Failures = 0
		return changed
	})
}

func (r *Registry) update(addr string, fn func(ep *Endpoint) bool) {
	r.mu.Lock()
	var changed *Endpoint
	for _, ep := range r.endpoints {
		if ep.Addr == addr {
			if fn(ep) {
				cp := *ep
				changed = &cp
			}
			break
		}
	}
	callbacks := r.callbacks
	r.mu.Unlock()

	if changed == nil {
		return
	}
	logger.Info("provider endpoint changed",
		zap.String("addr", changed.Addr),
		zap.Bool("healthy", changed.Healthy),
		zap.Int("failures", changed.Failures),
	)
	for _, cb := range callbacks {
		cb(*changed)
	}
}

// Endpoints 返回地址列表快照
func (r *Registry) Endpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	return out
}
