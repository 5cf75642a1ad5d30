// Package transport builds the watermill publisher/subscriber pair a channel
// factory runs on. Each backend lives in its own sub-package and registers
// itself with the default registry from init.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Capabilities is filled in by Registry.Build. Transports assembled by hand
	// may leave it zero.
	Capabilities Capabilities
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the keys the built-in transports read.
type Config interface {
	GetPubSubSystem() string
	// GetSubscriptionName names the consumer group (Kafka) or queue suffix
	// (AMQP) shared by competing service instances.
	GetSubscriptionName() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
