// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel 指标
var (
	// 通道数量
	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ripc_channels_active",
		Help: "Number of channels in ACTIVE state",
	})

	ChannelInitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ripc_channel_init_duration_seconds",
		Help:    "Time from connect to handshake completion",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	ChannelCloseReason = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_channel_close_total",
		Help: "Channel close count by reason",
	}, []string{"reason"})

	// 字节统计：raw 含帧头与隧道开销，uncompressed 为交给上层的字节
	BytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_bytes_read_total",
		Help: "Bytes read from channels",
	}, []string{"kind"}) // raw, uncompressed

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_bytes_written_total",
		Help: "Bytes written to channels",
	}, []string{"kind"})

	// 消息统计
	MessagesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_messages_read_total",
		Help: "Messages yielded by channel reads",
	}, []string{"type"}) // data, packed, fragmented, ping

	MessagesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_messages_written_total",
		Help: "Messages accepted by channel writes",
	}, []string{"priority"})

	WriteQueueBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ripc_write_queue_bytes",
		Help: "Bytes queued for write across channels",
	})

	// 心跳
	PingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_pings_sent_total",
		Help: "Keepalive frames sent",
	})

	PingsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_pings_received_total",
		Help: "Keepalive frames received",
	})

	PingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_ping_timeouts_total",
		Help: "Channels declared dead by the keepalive tracker",
	})
)

// Session 指标
var (
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_reconnects_total",
		Help: "Reconnect attempts after recoverable failures",
	})

	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_session_failures_total",
		Help: "Session failures by class",
	}, []string{"class"}) // recoverable, fatal
)

// Buffer Pool 指标
var (
	PoolGets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_pool_gets_total",
		Help: "Buffers handed out by the pool",
	})

	PoolReuses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_pool_reuses_total",
		Help: "Buffers served from released storage",
	})

	PoolFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ripc_pool_free_buffers",
		Help: "Released buffers retained for reuse",
	})
)

// Provider 指标
var (
	ProviderUpdatesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_provider_updates_published_total",
		Help: "Updates fanned out to consumer channels",
	})

	ProviderUpdatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_provider_updates_dropped_total",
		Help: "Updates dropped before fan-out",
	}, []string{"reason"})

	ProviderHandshakeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripc_provider_handshake_rejected_total",
		Help: "Rejected consumer handshakes",
	}, []string{"reason"})

	// Kafka 桥接
	KafkaBridged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripc_kafka_bridged_total",
		Help: "Updates bridged to or from Kafka",
	})
)
