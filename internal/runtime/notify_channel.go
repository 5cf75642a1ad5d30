package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/drblury/rpcflow/internal/runtime/codec"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/receiver"
)

// NotifyChannel receives notifications on its listen topic and dispatches them
// by body type. Handler results are ignored and handler errors are logged;
// every notification is acknowledged.
type NotifyChannel struct {
	deps        *channelDeps
	listenTopic string
	logger      loggingpkg.ServiceLogger
	dispatcher  *dispatcher
	loop        *receiver.Loop
	service     atomic.Pointer[ServiceChannel]

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newNotifyChannel(deps *channelDeps, listenTopic string, loop *receiver.Loop) *NotifyChannel {
	c := &NotifyChannel{
		deps:        deps,
		listenTopic: listenTopic,
		logger: deps.logger.With(loggingpkg.LogFields{
			"channel": "notify",
			"listen":  listenTopic,
		}),
		loop: loop,
	}
	c.dispatcher = newDispatcher(deps.registry, c.logger, deps.metrics, c.started.Load)
	loop.AddObserver(c.handleNotify)
	return c
}

// ListenTopic is the logical topic notifications are read from.
func (c *NotifyChannel) ListenTopic() string { return c.listenTopic }

// DispatchTypes lists the notification types with a registered handler.
func (c *NotifyChannel) DispatchTypes() []string { return c.dispatcher.table.TypeNames() }

// SetServiceChannel routes InvokeContext.SendNotify calls made by notify
// handlers through sc.
func (c *NotifyChannel) SetServiceChannel(sc *ServiceChannel) {
	c.service.Store(sc)
}

// RegisterNotifyDispatch installs a handler for notifications of type T.
func RegisterNotifyDispatch[T any](c *NotifyChannel, fn func(ctx context.Context, body T, ic handlers.InvokeContext) error, opts ...DispatchOption) error {
	return register[T](c.dispatcher, handlers.BindOneWay(fn), true, opts)
}

// RegisterAsyncNotifyDispatch installs an asynchronous handler for
// notifications of type T.
func RegisterAsyncNotifyDispatch[T any](c *NotifyChannel, fn func(ctx context.Context, body T, ic handlers.InvokeContext) <-chan error, opts ...DispatchOption) error {
	return register[T](c.dispatcher, handlers.BindAsyncOneWay(fn), true, opts)
}

// StartReceiving starts the receive loop. It runs until ctx ends or Close is
// called.
func (c *NotifyChannel) StartReceiving(ctx context.Context) error {
	if c.closed.Load() {
		return errspkg.ErrChannelClosed
	}
	c.started.Store(true)
	c.loop.Start(ctx)
	c.logger.Info("Notify channel receiving", loggingpkg.LogFields{"types": c.DispatchTypes()})
	return nil
}

func (c *NotifyChannel) forward(ctx context.Context, body any, topic string) (string, error) {
	sc := c.service.Load()
	if sc == nil {
		return "", errspkg.ErrServiceChannelNotConfigured
	}
	return sc.Notify(ctx, body, topic)
}

func (c *NotifyChannel) handleNotify(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if env.Kind() != envelope.KindNotify {
		return false, nil
	}
	typeName := codec.TypeName(env.Body)
	ctx = messageContext(ctx, env, typeName)

	entry, ok := c.dispatcher.table.Lookup(typeName)
	if !ok {
		if c.deps.conf.FullLogging {
			loggingpkg.FromContext(ctx, c.logger).Debug("No dispatcher registered for notification", loggingpkg.LogFields{"type": typeName})
		}
		c.deps.metrics.RecordUnhandled(typeName)
		return true, nil
	}

	// errors are logged by invoke and go no further
	_, _ = c.dispatcher.invoke(ctx, entry, env, c.forward)
	return true, nil
}

// Close stops receiving.
func (c *NotifyChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.loop.Close()
		c.logger.Debug("Notify channel closed", nil)
	})
	return err
}
