package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/qiminjie89/ripc/internal/transport"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

// 默认重连间隔
const (
	DefaultReconnectInterval    = time.Second
	DefaultReconnectMaxInterval = 30 * time.Second
)

// ErrPingTimeout 整个心跳周期内未收到数据
var ErrPingTimeout = errors.New("no data received within ping timeout")

// Recovery 连接恢复协调：区分可恢复与致命失败，计算重连退避
type Recovery struct {
	interval    time.Duration
	maxInterval time.Duration

	reconnect atomic.Bool
	shutdown  atomic.Bool
	attempts  atomic.Int32

	mu      sync.Mutex
	lastErr error
}

// NewRecovery 创建恢复协调器，零值间隔使用默认值
func NewRecovery(interval, maxInterval time.Duration) *Recovery {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	if maxInterval < interval {
		maxInterval = max(DefaultReconnectMaxInterval, interval)
	}
	return &Recovery{interval: interval, maxInterval: maxInterval}
}

// Recoverable 判断失败能否通过重连恢复
func Recoverable(err error) bool {
	return errors.Is(err, ErrPingTimeout) || transport.IsRecoverable(err)
}

// failureClass 失败分类，用作指标标签
func failureClass(err error) string {
	if errors.Is(err, ErrPingTimeout) {
		return "ping_timeout"
	}
	if k := transport.KindOf(err); k != 0 {
		return k.String()
	}
	return "other"
}

// OnFailure 记录一次失败，返回是否应重连。调用方关闭之后不再重连。
func (r *Recovery) OnFailure(err error) bool {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	metrics.SessionFailures.WithLabelValues(failureClass(err)).Inc()

	ok := Recoverable(err) && !r.shutdown.Load()
	r.reconnect.Store(ok)
	return ok
}

// ShouldReconnect 最近一次失败是否可恢复
func (r *Recovery) ShouldReconnect() bool {
	return r.reconnect.Load() && !r.shutdown.Load()
}

// NextDelay 下一次重连前的等待时间，按次数指数增长，不超过上限
func (r *Recovery) NextDelay() time.Duration {
	n := r.attempts.Add(1) - 1
	d := r.interval
	for i := int32(0); i < n && d < r.maxInterval; i++ {
		d *= 2
	}
	return min(d, r.maxInterval)
}

// Attempts 自上次成功以来的重连次数
func (r *Recovery) Attempts() int {
	return int(r.attempts.Load())
}

// Succeeded 握手成功后重置退避
func (r *Recovery) Succeeded() {
	r.attempts.Store(0)
	r.reconnect.Store(false)
}

// Shutdown 调用方主动关闭，此后不再重连
func (r *Recovery) Shutdown() {
	r.shutdown.Store(true)
	r.reconnect.Store(false)
}

// IsShutdown 是否已由调用方关闭
func (r *Recovery) IsShutdown() bool {
	return r.shutdown.Load()
}

// Err 最近一次失败
func (r *Recovery) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
