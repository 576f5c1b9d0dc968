package kafka

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/pkg/config"
	"github.com/qiminjie89/ripc/pkg/logger"
	"github.com/qiminjie89/ripc/pkg/metrics"
)

// Producer Kafka 生产者
type Producer struct {
	cfg       config.KafkaConfig
	writer    *kafka.Writer
	connected atomic.Bool
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.Wrapf(ErrIncompleteConfig, "brokers=%d topic=%q", len(cfg.Brokers), cfg.Topic)
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // 按 key 哈希分区，同一 item 保持有序
		BatchTimeout: cfg.BatchTimeout,
	}

	p := &Producer{
		cfg:    cfg,
		writer: writer,
	}
	p.connected.Store(true)
	return p, nil
}

// Send 发送消息
func (p *Producer) Send(ctx context.Context, key, value []byte) error {
	return p.SendBatch(ctx, []kafka.Message{{Key: key, Value: value}})
}

// SendBatch 批量发送消息
func (p *Producer) SendBatch(ctx context.Context, messages []kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.connected.Store(false)
		logger.Error("kafka send failed",
			zap.Error(err),
			zap.String("topic", p.cfg.Topic),
			zap.Int("count", len(messages)),
		)
		return errors.Wrap(err, "kafka write")
	}
	p.connected.Store(true)
	metrics.KafkaBridged.Add(float64(len(messages)))
	return nil
}

// IsConnected 最近一次写入是否成功
func (p *Producer) IsConnected() bool {
	return p.connected.Load()
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
