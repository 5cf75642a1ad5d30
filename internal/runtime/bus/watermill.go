package bus

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

type watermillTransport struct {
	publisher message.Publisher
	topic     string
	kind      envelope.Kind
	logger    loggingpkg.ServiceLogger

	messages <-chan *message.Message
	cancel   context.CancelFunc
	closed   atomic.Bool
}

// NewWatermillTransport subscribes to topic right away so nothing published
// after it returns is missed. kind is assumed for messages without a Label.
func NewWatermillTransport(ctx context.Context, pub message.Publisher, sub message.Subscriber, topic string, kind envelope.Kind, logger loggingpkg.ServiceLogger) (Transport, error) {
	if pub == nil || sub == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}
	return &watermillTransport{
		publisher: pub,
		topic:     topic,
		kind:      kind,
		logger:    logger.With(loggingpkg.LogFields{loggingpkg.FieldTopic: topic}),
		messages:  messages,
		cancel:    cancel,
	}, nil
}

func (t *watermillTransport) Receive(ctx context.Context) (*Delivery, error) {
	if t.closed.Load() {
		return nil, errspkg.ErrTransportClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.messages:
		if !ok {
			t.closed.Store(true)
			return nil, errspkg.ErrTransportClosed
		}
		env := decodeMessage(msg, t.kind)
		return NewDelivery(env, msg.Ack, msg.Nack), nil
	}
}

func (t *watermillTransport) CreateSender(destination, sessionID string) (Sender, error) {
	if t.closed.Load() {
		return nil, errspkg.ErrTransportClosed
	}
	if destination == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &watermillSender{publisher: t.publisher, topic: destination, sessionID: sessionID}, nil
}

func (t *watermillTransport) Topic() string { return t.topic }

func (t *watermillTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	t.logger.Debug("Transport closed", nil)
	return nil
}

func (t *watermillTransport) IsClosed() bool { return t.closed.Load() }

type watermillSender struct {
	publisher message.Publisher
	topic     string
	sessionID string

	closeOnce sync.Once
	closed    atomic.Bool
}

func (s *watermillSender) Send(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if s.closed.Load() {
		return false, errspkg.ErrTransportClosed
	}
	msg := encodeMessage(env, s.sessionID)
	msg.SetContext(ctx)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		if isUnacknowledged(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close detaches the sender. The publisher is shared and owned by the Factory.
func (s *watermillSender) Close() error {
	s.closeOnce.Do(func() { s.closed.Store(true) })
	return nil
}

// isUnacknowledged separates publish failures that are worth another attempt
// from transport faults.
func isUnacknowledged(err error) bool {
	if errspkg.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func encodeMessage(env *envelope.Envelope, senderSession string) *message.Message {
	msg := message.NewMessage(env.MessageID, env.Payload)
	md := metadatapkg.ToWatermill(env.Properties)

	session := env.SessionID
	if session == "" {
		session = senderSession
	}
	md.Set(metadatapkg.HeaderContentType, env.ContentType)
	md.Set(metadatapkg.HeaderLabel, labelFor(env.Kind(), session))
	if env.From != "" {
		md.Set(metadatapkg.HeaderReplyTo, env.From)
	}
	if env.RelatesTo != "" {
		md.Set(metadatapkg.HeaderCorrelationID, env.RelatesTo)
	}
	if session != "" {
		md.Set(metadatapkg.HeaderSessionID, session)
	}
	if env.CustomSessionID != "" {
		md.Set(metadatapkg.KeyCustomSessionID, env.CustomSessionID)
	}
	if env.Version != "" {
		md.Set(metadatapkg.KeyVersion, env.Version)
	}
	msg.Metadata = md
	return msg
}

func decodeMessage(msg *message.Message, fallback envelope.Kind) *envelope.Envelope {
	props := metadatapkg.FromWatermill(msg.Metadata)
	kind := kindFromLabel(msg.Metadata.Get(metadatapkg.HeaderLabel), fallback)

	env := envelope.FromInbound(kind, msg.UUID, msg.Payload, props)
	env.ContentType = msg.Metadata.Get(metadatapkg.HeaderContentType)
	env.From = msg.Metadata.Get(metadatapkg.HeaderReplyTo)
	env.RelatesTo = msg.Metadata.Get(metadatapkg.HeaderCorrelationID)
	env.SessionID = msg.Metadata.Get(metadatapkg.HeaderSessionID)
	env.CustomSessionID = props[metadatapkg.KeyCustomSessionID]
	env.Version = props[metadatapkg.KeyVersion]
	return env
}
