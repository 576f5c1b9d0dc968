package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/ripc/pkg/config"
)

func Test_NewConsumer_incompleteConfig(t *testing.T) {
	_, err := NewConsumer(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "md"})
	assert.ErrorIs(t, err, ErrIncompleteConfig)

	_, err = NewConsumer(config.KafkaConfig{Topic: "md", ConsumerGroup: "g"})
	assert.ErrorIs(t, err, ErrIncompleteConfig)
}

func Test_NewProducer(t *testing.T) {
	_, err := NewProducer(config.KafkaConfig{Topic: "md"})
	assert.ErrorIs(t, err, ErrIncompleteConfig)

	p, err := NewProducer(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "md"})
	require.NoError(t, err)
	assert.True(t, p.IsConnected())
	assert.NoError(t, p.Close())
}
