//go:build integration

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhooks/internal/config"
	"orderhooks/internal/logger"
	"orderhooks/internal/testinfra"
	"orderhooks/pkg/models"
)

func TestKafka_RoundTrip(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Kafka: true})
	cfg := config.BrokerConfig{
		Type:  "kafka",
		Kafka: config.KafkaConfig{Brokers: infra.KafkaBrokers, GroupID: "roundtrip"},
		Retry: config.RetryConfig{MaxAttempts: 1, Multiplier: 2},
	}

	producer := NewKafkaProducer(cfg.Kafka, logger.NopLogger())
	defer producer.Close()

	msg, err := models.NewMessageEnvelopeBuilder().
		WithData(map[string]interface{}{"order_id": "o-1"}).
		WithSource("roundtrip-test").
		Build()
	require.NoError(t, err)

	// The first write races topic auto-creation.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return producer.Publish(ctx, "orders.roundtrip", *msg) == nil
	}, 30*time.Second, time.Second)

	consumer := NewKafkaConsumer(cfg, logger.NopLogger())
	defer consumer.Close()

	received := make(chan models.MessageEnvelope, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, "orders.roundtrip", func(ctx context.Context, envelope models.MessageEnvelope) error {
			received <- envelope
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, msg.MessageID, got.MessageID)
		assert.JSONEq(t, `{"order_id":"o-1"}`, string(got.Data))
		require.NotNil(t, got.Metadata)
		assert.Equal(t, "roundtrip-test", got.Metadata.Source)
	case <-time.After(60 * time.Second):
		t.Fatal("message was not consumed")
	}
}
