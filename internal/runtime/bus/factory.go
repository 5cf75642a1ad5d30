package bus

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
)

// Factory creates one Transport per channel kind on top of a shared publisher
// and subscriber pair.
type Factory struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topics     Topics
	logger     loggingpkg.ServiceLogger
}

// NewFactory wraps a publisher/subscriber pair, typically the one produced by
// the transport registry.
func NewFactory(pub message.Publisher, sub message.Subscriber, topics Topics, logger loggingpkg.ServiceLogger) (*Factory, error) {
	if pub == nil || sub == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &Factory{publisher: pub, subscriber: sub, topics: topics, logger: logger}, nil
}

// Topics returns the naming scheme used by this factory.
func (f *Factory) Topics() Topics { return f.topics }

// CreateRequestTopic subscribes to the requests addressed to listenTopic.
// subscription only labels logs: consumer groups are configured on the
// subscriber itself.
func (f *Factory) CreateRequestTopic(ctx context.Context, listenTopic, subscription string) (Transport, error) {
	return f.create(ctx, f.topics.Request(listenTopic), envelope.KindRequest, subscription)
}

// CreateResponseTopic subscribes to the responses for one session.
func (f *Factory) CreateResponseTopic(ctx context.Context, listenTopic, sessionID string) (Transport, error) {
	return f.create(ctx, f.topics.Response(listenTopic, sessionID), envelope.KindResponse, sessionID)
}

// CreateNotifyTopic subscribes to notifications published on listenTopic.
func (f *Factory) CreateNotifyTopic(ctx context.Context, listenTopic, subscription string) (Transport, error) {
	return f.create(ctx, f.topics.Notify(listenTopic), envelope.KindNotify, subscription)
}

func (f *Factory) create(ctx context.Context, topic string, kind envelope.Kind, subscription string) (Transport, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	f.logger.Debug("Creating transport", loggingpkg.LogFields{
		loggingpkg.FieldTopic: topic,
		"kind":                kind.String(),
		"subscription":        subscription,
	})
	return NewWatermillTransport(ctx, f.publisher, f.subscriber, topic, kind, f.logger)
}

// Close closes the publisher and the subscriber.
func (f *Factory) Close() error {
	return errors.Join(f.publisher.Close(), f.subscriber.Close())
}
