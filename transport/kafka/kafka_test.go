package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	"github.com/drblury/rpcflow/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, transport.GetCapabilities(TransportName))
}

func stubFactories(t *testing.T) (*kafka.PublisherConfig, *kafka.SubscriberConfig, *mockPublisher) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory, SubscriberFactory = originalPub, originalSub
	})

	var pubCfg kafka.PublisherConfig
	var subCfg kafka.SubscriberConfig
	pub := &mockPublisher{}
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return &mockSubscriber{}, nil
	}
	return &pubCfg, &subCfg, pub
}

func TestBuild(t *testing.T) {
	t.Run("explicit consumer group and client id", func(t *testing.T) {
		pubCfg, subCfg, pub := stubFactories(t)
		cfg := &configpkg.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaClientID:      "billing-svc",
			KafkaConsumerGroup: "billing",
			SubscriptionName:   "ignored",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)

		assert.Equal(t, []string{"localhost:9092"}, pubCfg.Brokers)
		assert.Equal(t, "billing-svc", pubCfg.OverwriteSaramaConfig.ClientID)
		assert.Equal(t, "billing", subCfg.ConsumerGroup)
		assert.Equal(t, "billing-svc", subCfg.OverwriteSaramaConfig.ClientID)
	})

	t.Run("subscription name as consumer group", func(t *testing.T) {
		pubCfg, subCfg, _ := stubFactories(t)
		cfg := &configpkg.Config{KafkaBrokers: []string{"k1:9092", "k2:9092"}, SubscriptionName: "orders-workers"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, "orders-workers", subCfg.ConsumerGroup)
		assert.Equal(t, DefaultClientID, pubCfg.OverwriteSaramaConfig.ClientID)
	})

	t.Run("brokers required", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), &configpkg.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "brokers are required")
	})

	t.Run("publisher error", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), &configpkg.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber error closes publisher", func(t *testing.T) {
		_, _, pub := stubFactories(t)
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &configpkg.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
