package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/rpcflow/internal/runtime/codec"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
)

// DispatchOption customises a single registration.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	logger loggingpkg.ServiceLogger
}

// WithDispatchLogger routes the logs of one message type to logger instead of
// the channel logger.
func WithDispatchLogger(logger loggingpkg.ServiceLogger) DispatchOption {
	return func(o *dispatchOptions) {
		o.logger = logger
	}
}

// dispatcher holds the table and invocation logic shared by the service and
// notify channels.
type dispatcher struct {
	table     *handlers.Table
	registry  *codec.Registry
	logger    loggingpkg.ServiceLogger
	metrics   *metrics.Metrics
	receiving func() bool
}

func newDispatcher(registry *codec.Registry, logger loggingpkg.ServiceLogger, m *metrics.Metrics, receiving func() bool) *dispatcher {
	return &dispatcher{
		table:     handlers.NewTable(),
		registry:  registry,
		logger:    logger,
		metrics:   m,
		receiving: receiving,
	}
}

// register installs handle under the type tag of T and teaches the codec
// registry to decode T.
func register[T any](d *dispatcher, handle handlers.Func, oneWay bool, opts []DispatchOption) error {
	if handle == nil {
		return errspkg.ErrHandlerRequired
	}
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}

	typeName := codec.Register[T](d.registry)
	if d.receiving() {
		d.logger.Warn("Dispatcher registered after receiving started", nil, loggingpkg.LogFields{"type": typeName})
	}
	return d.table.Add(&handlers.Entry{
		TypeName: typeName,
		Handle:   handle,
		Logger:   o.logger,
		OneWay:   oneWay,
	})
}

func (d *dispatcher) loggerFor(ctx context.Context, entry *handlers.Entry) loggingpkg.ServiceLogger {
	logger := d.logger
	if entry != nil && entry.Logger != nil {
		logger = entry.Logger
	}
	return loggingpkg.FromContext(ctx, logger)
}

// invoke runs the handler for env inside a span. Failures are logged at
// warning level for business warnings and at error level otherwise.
func (d *dispatcher) invoke(ctx context.Context, entry *handlers.Entry, env *envelope.Envelope, notify handlers.NotifyFunc) (any, error) {
	ctx, span := otel.Tracer("rpcflow").Start(ctx, "dispatch "+entry.TypeName)
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", env.MessageID),
		attribute.String("message.kind", env.Kind().String()),
		attribute.String("message.type", entry.TypeName),
	)

	logger := d.loggerFor(ctx, entry)
	ic := handlers.NewInvokeContext(env.MessageID, env.CustomSessionID, env.Properties, logger, notify)
	result, err := entry.Invoke(ctx, env.Body, ic)
	if err == nil {
		d.metrics.RecordDispatched(entry.TypeName)
		return result, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	fields := loggingpkg.LogFields{"type": entry.TypeName}
	if errspkg.IsWarning(err) {
		d.metrics.RecordDispatchError(entry.TypeName, "warning")
		logger.Warn("Handler reported a warning", err, fields)
	} else {
		d.metrics.RecordDispatchError(entry.TypeName, "error")
		fields["stack"] = errspkg.StackText(err)
		logger.Error("Handler failed", err, fields)
	}
	return nil, err
}

// messageContext attaches the log fields and custom session id of env to ctx.
func messageContext(ctx context.Context, env *envelope.Envelope, typeName string) context.Context {
	fields := loggingpkg.LogFields{
		loggingpkg.FieldMessageID:   env.MessageID,
		loggingpkg.FieldContentType: typeName,
	}
	if env.CustomSessionID != "" {
		fields[loggingpkg.FieldCustomSessionID] = env.CustomSessionID
	}
	ctx = loggingpkg.WithContextFields(ctx, fields)
	return handlers.WithCustomSessionID(ctx, env.CustomSessionID)
}
