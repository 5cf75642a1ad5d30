package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/rpcflow/internal/runtime/codec"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/pipeline"
	"github.com/drblury/rpcflow/internal/runtime/receiver"
)

// RequestChannel sends requests to one destination and correlates the
// responses that come back on its session's response topic.
type RequestChannel struct {
	deps             *channelDeps
	listenTopic      string
	destinationTopic string
	replyTo          string
	logger           loggingpkg.ServiceLogger

	outbound *pipeline.Pipeline
	notifies *outboundCache
	pending  *correlationTable
	loop     *receiver.Loop
	detach   func()
	release  func()

	closed    atomic.Bool
	closeOnce sync.Once
}

func newRequestChannel(deps *channelDeps, listenTopic, destinationTopic string, loop *receiver.Loop, release func()) (*RequestChannel, error) {
	tr := loop.Transport()
	outbound, err := deps.newOutbound(tr, deps.topics.Request(destinationTopic))
	if err != nil {
		return nil, err
	}
	c := &RequestChannel{
		deps:             deps,
		listenTopic:      listenTopic,
		destinationTopic: destinationTopic,
		replyTo:          tr.Topic(),
		logger: deps.logger.With(loggingpkg.LogFields{
			"channel":     "request",
			"listen":      listenTopic,
			"destination": destinationTopic,
		}),
		outbound: outbound,
		pending:  newCorrelationTable(),
		loop:     loop,
		release:  release,
	}
	c.notifies = newOutboundCache(func(destination string) (*pipeline.Pipeline, error) {
		return deps.newOutbound(tr, destination)
	})
	c.detach = loop.AddObserver(c.observeResponse)
	c.logger.Info("Request channel created", loggingpkg.LogFields{
		"session_id":           deps.sessionID,
		"outbound_connections": deps.conf.OutboundConnections,
		"version":              deps.conf.DeploymentVersion,
	})
	return c, nil
}

// SessionID identifies the response topic of this channel.
func (c *RequestChannel) SessionID() string { return c.deps.sessionID }

// Pending returns the number of requests still waiting for a response.
func (c *RequestChannel) Pending() int { return c.pending.len() }

func (c *RequestChannel) stamp(ctx context.Context, env *envelope.Envelope) {
	env.From = c.replyTo
	env.SessionID = c.deps.sessionID
	env.Version = c.deps.conf.DeploymentVersion
	env.CustomSessionID = handlers.CustomSessionIDFrom(ctx)
	if env.CustomSessionID == "" {
		env.CustomSessionID = c.deps.sessionID
	}
}

func (c *RequestChannel) prepare(ctx context.Context, env *envelope.Envelope) (context.Context, loggingpkg.ServiceLogger) {
	c.stamp(ctx, env)
	ctx = loggingpkg.WithContextFields(ctx, loggingpkg.LogFields{
		loggingpkg.FieldMessageID:       env.MessageID,
		loggingpkg.FieldCustomSessionID: env.CustomSessionID,
	})
	return ctx, loggingpkg.FromContext(ctx, c.logger)
}

// SendWaitResponse sends request and blocks until the correlated response
// arrives, timeout elapses or ctx ends. A zero timeout selects the configured
// ResponseTimeout. A failed handler on the other side surfaces as the error it
// returned when its kind is registered, and as *errors.ServiceError otherwise.
func (c *RequestChannel) SendWaitResponse(ctx context.Context, request any, timeout time.Duration) (any, error) {
	if c.closed.Load() {
		return nil, errspkg.ErrChannelClosed
	}
	if request == nil {
		return nil, errspkg.ErrRequestRequired
	}
	if timeout <= 0 {
		timeout = c.deps.responseTimeout()
	}

	env := envelope.NewRequest(request)
	ctx, logger := c.prepare(ctx, env)
	typeName := codec.TypeName(request)
	logger.Trace("Sending request", loggingpkg.LogFields{"type": typeName, "timeout": timeout.String()})

	w := c.pending.add(env.MessageID, timeout)
	if err := c.outbound.Execute(ctx, env); err != nil {
		c.pending.cancel(env.MessageID)
		return nil, err
	}

	resp, err := c.pending.wait(ctx, w)
	if err != nil {
		if errors.Is(err, errspkg.ErrTimeout) {
			c.deps.metrics.RecordTimeout(typeName)
			logger.Debug("Request timed out", loggingpkg.LogFields{"type": typeName, "timeout": timeout.String()})
		}
		return nil, err
	}
	c.deps.metrics.ObserveRoundTrip(typeName, w.Elapsed())

	if remote, ok := resp.Body.(*errspkg.ErrorEnvelope); ok {
		return nil, remote.Reconstruct()
	}
	return resp.Body, nil
}

// SendWaitResponseAsync runs SendWaitResponse on its own goroutine.
func (c *RequestChannel) SendWaitResponseAsync(ctx context.Context, request any, timeout time.Duration) <-chan handlers.Outcome[any] {
	return handlers.Async(func() (any, error) {
		return c.SendWaitResponse(ctx, request, timeout)
	})
}

// Call sends request on ch and returns the response as TResp. TResp is
// registered with the channel codec so its payload decodes into the right type.
func Call[TResp any](ctx context.Context, ch *RequestChannel, request any, timeout time.Duration) (TResp, error) {
	var zero TResp
	codec.Register[TResp](ch.deps.registry)
	body, err := ch.SendWaitResponse(ctx, request, timeout)
	if err != nil {
		return zero, err
	}
	resp, ok := codec.As[TResp](body)
	if !ok {
		return zero, fmt.Errorf("rpcflow: unexpected response type %s", codec.TypeName(body))
	}
	return resp, nil
}

// SendOneWay sends request without waiting for or expecting a response and
// returns its message id.
func (c *RequestChannel) SendOneWay(ctx context.Context, request any) (string, error) {
	if c.closed.Load() {
		return "", errspkg.ErrChannelClosed
	}
	if request == nil {
		return "", errspkg.ErrRequestRequired
	}
	env := envelope.NewRequest(request)
	ctx, logger := c.prepare(ctx, env)
	logger.Trace("Sending one-way request", loggingpkg.LogFields{"type": codec.TypeName(request)})

	if err := c.outbound.Execute(ctx, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// SendOneWayAsync runs SendOneWay on its own goroutine.
func (c *RequestChannel) SendOneWayAsync(ctx context.Context, request any) <-chan handlers.Outcome[string] {
	return handlers.Async(func() (string, error) {
		return c.SendOneWay(ctx, request)
	})
}

// SendNotify publishes body as a notification on topic, or on the destination
// topic when topic is empty, and returns its message id.
func (c *RequestChannel) SendNotify(ctx context.Context, body any, topic string) (string, error) {
	if c.closed.Load() {
		return "", errspkg.ErrChannelClosed
	}
	if body == nil {
		return "", errspkg.ErrRequestRequired
	}
	if topic == "" {
		topic = c.destinationTopic
	}
	env := envelope.NewNotify(body)
	ctx, logger := c.prepare(ctx, env)
	logger.Trace("Sending notification", loggingpkg.LogFields{"type": codec.TypeName(body), loggingpkg.FieldTopic: topic})

	out, err := c.notifies.get(c.deps.topics.Notify(topic))
	if err != nil {
		return "", err
	}
	if err := out.Execute(ctx, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// SendNotifyAsync runs SendNotify on its own goroutine.
func (c *RequestChannel) SendNotifyAsync(ctx context.Context, body any, topic string) <-chan handlers.Outcome[string] {
	return handlers.Async(func() (string, error) {
		return c.SendNotify(ctx, body, topic)
	})
}

// observeResponse claims responses whose RelatesTo matches a pending request.
// Anything else is left for the next observer and, failing that, dropped.
func (c *RequestChannel) observeResponse(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if env.Kind() != envelope.KindResponse || env.RelatesTo == "" {
		return false, nil
	}
	w, ok := c.pending.resolve(env.RelatesTo, env)
	if !ok {
		return false, nil
	}
	loggingpkg.FromContext(ctx, c.logger).Trace("Received response", loggingpkg.LogFields{
		loggingpkg.FieldRelatesTo: env.RelatesTo,
		"elapsed_ms":              w.Elapsed().Milliseconds(),
	})
	return true, nil
}

// Close releases the outbound pipelines and detaches from the response loop.
// Requests still waiting are not failed; their timeouts still fire.
func (c *RequestChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = errors.Join(c.outbound.Close(), c.notifies.close())
		c.detach()
		if c.release != nil {
			c.release()
		}
		c.logger.Debug("Request channel closed", nil)
	})
	return err
}
