package handlers

import (
	"context"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

// NotifyFunc publishes body as a notification on topic. An empty topic selects
// the listen topic of the channel that owns the function.
type NotifyFunc func(ctx context.Context, body any, topic string) (string, error)

// InvokeContext is handed to every dispatched handler. It identifies the
// message being handled and lets the handler publish follow-up notifications.
type InvokeContext struct {
	MessageID       string
	CustomSessionID string
	Metadata        metadatapkg.Metadata
	Logger          loggingpkg.ServiceLogger

	notify NotifyFunc
}

// NewInvokeContext builds the context for one dispatch. notify may be nil, in
// which case SendNotify reports ErrServiceChannelNotConfigured.
func NewInvokeContext(messageID, customSessionID string, md metadatapkg.Metadata, logger loggingpkg.ServiceLogger, notify NotifyFunc) InvokeContext {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return InvokeContext{
		MessageID:       messageID,
		CustomSessionID: customSessionID,
		Metadata:        md,
		Logger:          logger,
		notify:          notify,
	}
}

// CloneMetadata returns a copy of the message properties so handlers can
// mutate it freely.
func (c InvokeContext) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// Get retrieves a message property by key.
func (c InvokeContext) Get(key string) string {
	return c.Metadata[key]
}

// SendNotify publishes a notification and returns its message id. The custom
// session id of the message being handled travels with it.
func (c InvokeContext) SendNotify(ctx context.Context, body any, topic string) (string, error) {
	if c.notify == nil {
		return "", errspkg.ErrServiceChannelNotConfigured
	}
	if c.CustomSessionID != "" && CustomSessionIDFrom(ctx) == "" {
		ctx = WithCustomSessionID(ctx, c.CustomSessionID)
	}
	return c.notify(ctx, body, topic)
}

// SendNotifyAsync is SendNotify on its own goroutine.
func (c InvokeContext) SendNotifyAsync(ctx context.Context, body any, topic string) <-chan Outcome[string] {
	return Async(func() (string, error) {
		return c.SendNotify(ctx, body, topic)
	})
}

type customSessionKey struct{}

// WithCustomSessionID tags ctx so requests sent with it carry id as their
// custom session id.
func WithCustomSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, customSessionKey{}, id)
}

// CustomSessionIDFrom returns the custom session id stored on ctx, or "".
func CustomSessionIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(customSessionKey{}).(string)
	return id
}
