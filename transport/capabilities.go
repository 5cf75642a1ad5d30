package transport

// Capabilities describes the delivery guarantees of a transport backend. The
// channels rely on Nack for redelivery of abandoned messages; backends without
// it lose a request whose handler failed.
type Capabilities struct {
	Name string `json:"name"`

	// SupportsAck indicates the transport confirms processed messages.
	SupportsAck bool `json:"supports_ack"`
	// SupportsNack indicates an abandoned message is redelivered.
	SupportsNack bool `json:"supports_nack"`
	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool `json:"supports_ordering"`
	// SupportsConsumerGroups indicates subscribers sharing a subscription name
	// split the messages between them.
	SupportsConsumerGroups bool `json:"supports_consumer_groups"`

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64 `json:"max_message_size,omitempty"`
}

// SupportsRedelivery reports whether an abandoned message comes back.
func (c Capabilities) SupportsRedelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Known reports whether the capabilities were registered by a backend.
func (c Capabilities) Known() bool {
	return c != Capabilities{Name: c.Name}
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:        "http",
		SupportsAck: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
