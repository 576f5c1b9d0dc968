// Package kafka 提供 Kafka 客户端封装：Provider 从 topic 读取行情，Consumer 将收到的行情桥接到 topic
package kafka

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/pkg/config"
	"github.com/qiminjie89/ripc/pkg/logger"
)

var ErrIncompleteConfig = errors.New("kafka config incomplete")

// Consumer Kafka 消费者
type Consumer struct {
	cfg       config.KafkaConfig
	reader    *kafka.Reader
	connected atomic.Bool
	consumed  atomic.Uint64
}

// MessageHandler 消息处理函数
type MessageHandler func(msg *Message) error

// Message Kafka 消息
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg config.KafkaConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.ConsumerGroup == "" {
		return nil, errors.Wrapf(ErrIncompleteConfig, "brokers=%d topic=%q group=%q",
			len(cfg.Brokers), cfg.Topic, cfg.ConsumerGroup)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		cfg:    cfg,
		reader: reader,
	}, nil
}

// Start 消费循环，ctx 取消时返回
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) {
	logger.Info("kafka consumer started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group", c.cfg.ConsumerGroup),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.connected.Store(false)
			logger.Error("kafka fetch message failed", zap.Error(err))
			continue
		}
		c.connected.Store(true)
		c.consumed.Add(1)

		if err := handler(&Message{
			Key:       msg.Key,
			Value:     msg.Value,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}); err != nil {
			logger.Warn("kafka message handler failed",
				zap.Error(err),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error("kafka commit failed", zap.Error(err))
		}
	}
}

// IsConnected 最近一次拉取是否成功
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Consumed 已消费的消息数
func (c *Consumer) Consumed() uint64 {
	return c.consumed.Load()
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}
