package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/drblury/rpcflow/internal/runtime/codec"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/pipeline"
	"github.com/drblury/rpcflow/internal/runtime/receiver"
)

// ServiceChannel receives requests on its listen topic, dispatches them by
// body type and sends handler results back to the requester.
type ServiceChannel struct {
	deps        *channelDeps
	listenTopic string
	logger      loggingpkg.ServiceLogger
	dispatcher  *dispatcher
	loop        *receiver.Loop
	outbound    *outboundCache

	remapMu sync.RWMutex
	remaps  []func(error) error

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newServiceChannel(deps *channelDeps, listenTopic string, loop *receiver.Loop) *ServiceChannel {
	c := &ServiceChannel{
		deps:        deps,
		listenTopic: listenTopic,
		logger: deps.logger.With(loggingpkg.LogFields{
			"channel": "service",
			"listen":  listenTopic,
		}),
		loop: loop,
	}
	c.dispatcher = newDispatcher(deps.registry, c.logger, deps.metrics, c.started.Load)
	tr := loop.Transport()
	c.outbound = newOutboundCache(func(destination string) (*pipeline.Pipeline, error) {
		return deps.newOutbound(tr, destination)
	})
	loop.AddObserver(c.handleRequest)
	return c
}

// ListenTopic is the logical topic requests are read from.
func (c *ServiceChannel) ListenTopic() string { return c.listenTopic }

// DispatchTypes lists the request types with a registered handler.
func (c *ServiceChannel) DispatchTypes() []string { return c.dispatcher.table.TypeNames() }

// RegisterDispatch installs a handler whose result is sent back to the
// requester. Register every handler before StartReceiving.
func RegisterDispatch[TReq, TResp any](c *ServiceChannel, fn func(ctx context.Context, req TReq, ic handlers.InvokeContext) (TResp, error), opts ...DispatchOption) error {
	return register[TReq](c.dispatcher, handlers.Bind(fn), false, opts)
}

// RegisterOneWayDispatch installs a handler that produces no response.
func RegisterOneWayDispatch[TReq any](c *ServiceChannel, fn func(ctx context.Context, req TReq, ic handlers.InvokeContext) error, opts ...DispatchOption) error {
	return register[TReq](c.dispatcher, handlers.BindOneWay(fn), true, opts)
}

// RegisterAsyncDispatch installs a handler that delivers its result on a
// channel.
func RegisterAsyncDispatch[TReq, TResp any](c *ServiceChannel, fn func(ctx context.Context, req TReq, ic handlers.InvokeContext) <-chan handlers.Outcome[TResp], opts ...DispatchOption) error {
	return register[TReq](c.dispatcher, handlers.BindAsync(fn), false, opts)
}

// RegisterAsyncOneWayDispatch installs an asynchronous handler that produces no
// response.
func RegisterAsyncOneWayDispatch[TReq any](c *ServiceChannel, fn func(ctx context.Context, req TReq, ic handlers.InvokeContext) <-chan error, opts ...DispatchOption) error {
	return register[TReq](c.dispatcher, handlers.BindAsyncOneWay(fn), true, opts)
}

// RegisterExceptionHandler adds fn to the chain applied to handler errors
// before they are sent back. Returning nil keeps the error unchanged.
func (c *ServiceChannel) RegisterExceptionHandler(fn func(error) error) {
	if fn == nil {
		return
	}
	c.remapMu.Lock()
	defer c.remapMu.Unlock()
	c.remaps = append(c.remaps, fn)
}

func (c *ServiceChannel) remap(err error) error {
	c.remapMu.RLock()
	defer c.remapMu.RUnlock()
	for _, fn := range c.remaps {
		if replaced := fn(err); replaced != nil {
			err = replaced
		}
	}
	return err
}

// StartReceiving starts the receive loop. It runs until ctx ends or Close is
// called.
func (c *ServiceChannel) StartReceiving(ctx context.Context) error {
	if c.closed.Load() {
		return errspkg.ErrChannelClosed
	}
	c.started.Store(true)
	c.loop.Start(ctx)
	c.logger.Info("Service channel receiving", loggingpkg.LogFields{"types": c.DispatchTypes()})
	return nil
}

// Notify publishes body on the notify topic of topic, or of the listen topic
// when topic is empty. It backs InvokeContext.SendNotify and notify channel
// forwarding.
func (c *ServiceChannel) Notify(ctx context.Context, body any, topic string) (string, error) {
	if c.closed.Load() {
		return "", errspkg.ErrChannelClosed
	}
	if body == nil {
		return "", errspkg.ErrRequestRequired
	}
	if topic == "" {
		topic = c.listenTopic
	}
	env := envelope.NewNotify(body)
	env.SessionID = c.deps.sessionID
	env.Version = c.deps.conf.DeploymentVersion
	env.CustomSessionID = handlers.CustomSessionIDFrom(ctx)
	if env.CustomSessionID == "" {
		env.CustomSessionID = c.deps.sessionID
	}

	out, err := c.outbound.get(c.deps.topics.Notify(topic))
	if err != nil {
		return "", err
	}
	loggingpkg.FromContext(ctx, c.logger).Trace("Sending notification", loggingpkg.LogFields{
		"type":                codec.TypeName(body),
		loggingpkg.FieldTopic: topic,
	})
	if err := out.Execute(ctx, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

func (c *ServiceChannel) handleRequest(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if env.Kind() != envelope.KindRequest {
		return false, nil
	}
	typeName := codec.TypeName(env.Body)
	ctx = messageContext(ctx, env, typeName)

	entry, ok := c.dispatcher.table.Lookup(typeName)
	if !ok {
		// Completed without a response, so the transport never redelivers it.
		loggingpkg.FromContext(ctx, c.logger).Warn("No dispatcher registered for message type", nil, loggingpkg.LogFields{"type": typeName})
		c.deps.metrics.RecordUnhandled(typeName)
		return true, nil
	}

	logger := c.dispatcher.loggerFor(ctx, entry)
	result, err := c.dispatcher.invoke(ctx, entry, env, c.Notify)
	if err != nil {
		if !entry.OneWay {
			c.respondWithError(ctx, env, err, logger)
		}
		return true, nil
	}
	if entry.OneWay || result == nil {
		return true, nil
	}
	if env.From == "" {
		logger.Warn("Request carries no reply topic, response dropped", nil, loggingpkg.LogFields{"type": typeName})
		return true, nil
	}
	if err := c.respond(ctx, env, result); err != nil {
		// Completed regardless. The handler must not run again on redelivery.
		logger.Error("Failed to send response", err, loggingpkg.LogFields{"reply_to": env.From})
		c.respondWithError(ctx, env, err, logger)
	}
	return true, nil
}

func (c *ServiceChannel) respond(ctx context.Context, req *envelope.Envelope, body any) error {
	resp := envelope.NewResponse(req.MessageID, body)
	resp.SessionID = req.SessionID
	resp.CustomSessionID = req.CustomSessionID
	resp.Version = c.deps.conf.DeploymentVersion

	out, err := c.outbound.get(req.From)
	if err != nil {
		return err
	}
	return out.Execute(ctx, resp)
}

// respondWithError sends the remapped failure back as an error envelope. The
// stack text is taken from the original error. A failed send is only logged.
func (c *ServiceChannel) respondWithError(ctx context.Context, req *envelope.Envelope, cause error, logger loggingpkg.ServiceLogger) {
	if req.From == "" {
		return
	}
	wrapped := errspkg.WrapError(c.remap(cause), cause)
	if err := c.respond(ctx, req, wrapped); err != nil {
		logger.Error("Failed to send error response", err, loggingpkg.LogFields{"reply_to": req.From})
	}
}

// Close stops receiving and releases the outbound pipelines.
func (c *ServiceChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = errors.Join(c.loop.Close(), c.outbound.close())
		c.logger.Debug("Service channel closed", nil)
	})
	return err
}
