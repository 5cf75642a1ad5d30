package rpcflow

import (
	"context"
	"time"

	"github.com/drblury/rpcflow/blobstore"
	runtimepkg "github.com/drblury/rpcflow/internal/runtime"
	"github.com/drblury/rpcflow/internal/runtime/codec"
	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/rpcflow/internal/runtime/handlers"
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
	transportpkg "github.com/drblury/rpcflow/transport"
)

type (
	// Config controls the transport, the overflow blob store and channel tuning.
	Config = configpkg.Config

	// ChannelFactory builds channels sharing one transport, blob store and session.
	ChannelFactory = runtimepkg.ChannelFactory
	// FactoryDependencies lets callers inject a transport, blob store, codec
	// registry or metrics instead of building them from Config.
	FactoryDependencies = runtimepkg.FactoryDependencies

	// RequestChannel sends requests and correlates responses.
	RequestChannel = runtimepkg.RequestChannel
	// ServiceChannel receives requests and dispatches them to typed handlers.
	ServiceChannel = runtimepkg.ServiceChannel
	// NotifyChannel receives fire-and-forget notifications.
	NotifyChannel  = runtimepkg.NotifyChannel
	ChannelStatus  = runtimepkg.ChannelStatus
	DispatchOption = runtimepkg.DispatchOption

	// InvokeContext is handed to every handler invocation.
	InvokeContext = handlerpkg.InvokeContext

	// Registry maps wire type names to Go types.
	Registry = codec.Registry
	// RawBody carries a payload whose type is not registered.
	RawBody = codec.RawBody
	// TypeNamer pins the wire type name of a message.
	TypeNamer = codec.TypeNamer

	Metadata = metadatapkg.Metadata
	Metrics  = metrics.Metrics

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields
	EntryLogger   = loggingpkg.EntryLogger

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportCapabilities = transportpkg.Capabilities

	BlobStore = blobstore.Store

	SendError             = errspkg.SendError
	TimeoutError          = errspkg.TimeoutError
	ServiceError          = errspkg.ServiceError
	WarningError          = errspkg.WarningError
	TransientError        = errspkg.TransientError
	PanicError            = errspkg.PanicError
	ErrorEnvelope         = errspkg.ErrorEnvelope
	ConfigValidationError = errspkg.ConfigValidationError
)

// Outcome is the result delivered by the asynchronous send and handler variants.
type Outcome[T any] = handlerpkg.Outcome[T]

// EntryLoggerAdapter is satisfied by logrus-style entries.
type EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

var (
	NewChannelFactory  = runtimepkg.NewChannelFactory
	WithDispatchLogger = runtimepkg.WithDispatchLogger

	NewRegistry = codec.NewRegistry
	TypeName    = codec.TypeName

	WithCustomSessionID = handlerpkg.WithCustomSessionID
	CustomSessionIDFrom = handlerpkg.CustomSessionIDFrom

	NewWarning  = errspkg.NewWarning
	IsWarning   = errspkg.IsWarning
	Transient   = errspkg.Transient
	IsTransient = errspkg.IsTransient

	ErrChannelClosed               = errspkg.ErrChannelClosed
	ErrTransportClosed             = errspkg.ErrTransportClosed
	ErrTransportRequired           = errspkg.ErrTransportRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrTopicRequired               = errspkg.ErrTopicRequired
	ErrRequestRequired             = errspkg.ErrRequestRequired
	ErrDispatchExists              = errspkg.ErrDispatchExists
	ErrServiceChannelNotConfigured = errspkg.ErrServiceChannelNotConfigured
	ErrUnknownCompression          = errspkg.ErrUnknownCompression
	ErrOverflowBlobMissing         = errspkg.ErrOverflowBlobMissing
	ErrBlobStoreRequired           = errspkg.ErrBlobStoreRequired
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrSend                        = errspkg.ErrSend
	ErrTimeout                     = errspkg.ErrTimeout

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.NopLogger
	WithLogFields             = loggingpkg.WithContextFields
	LoggerFromContext         = loggingpkg.FromContext

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	RegisterTransport   = transportpkg.Register
	GetCapabilities     = transportpkg.GetCapabilities
	RegisterBlobBackend = blobstore.Register
)

// Property keys understood by every peer.
const (
	MetadataKeyCustomSessionID = metadatapkg.KeyCustomSessionID
	MetadataKeyVersion         = metadatapkg.KeyVersion
)

const (
	DefaultResponseTimeout     = configpkg.DefaultResponseTimeout
	DefaultTransientRetryDelay = configpkg.DefaultTransientRetryDelay
	DefaultSendMaxAttempts     = configpkg.DefaultSendMaxAttempts
)

// RegisterDispatch binds a request/response handler for TReq on svc.
func RegisterDispatch[TReq, TResp any](svc *ServiceChannel, fn func(ctx context.Context, req TReq, ic InvokeContext) (TResp, error), opts ...DispatchOption) error {
	return runtimepkg.RegisterDispatch(svc, fn, opts...)
}

// RegisterOneWayDispatch binds a handler that never answers.
func RegisterOneWayDispatch[TReq any](svc *ServiceChannel, fn func(ctx context.Context, req TReq, ic InvokeContext) error, opts ...DispatchOption) error {
	return runtimepkg.RegisterOneWayDispatch(svc, fn, opts...)
}

func RegisterAsyncDispatch[TReq, TResp any](svc *ServiceChannel, fn func(ctx context.Context, req TReq, ic InvokeContext) <-chan Outcome[TResp], opts ...DispatchOption) error {
	return runtimepkg.RegisterAsyncDispatch(svc, fn, opts...)
}

func RegisterAsyncOneWayDispatch[TReq any](svc *ServiceChannel, fn func(ctx context.Context, req TReq, ic InvokeContext) <-chan error, opts ...DispatchOption) error {
	return runtimepkg.RegisterAsyncOneWayDispatch(svc, fn, opts...)
}

// RegisterNotifyDispatch binds a notification handler for T on nc.
func RegisterNotifyDispatch[T any](nc *NotifyChannel, fn func(ctx context.Context, body T, ic InvokeContext) error, opts ...DispatchOption) error {
	return runtimepkg.RegisterNotifyDispatch(nc, fn, opts...)
}

func RegisterAsyncNotifyDispatch[T any](nc *NotifyChannel, fn func(ctx context.Context, body T, ic InvokeContext) <-chan error, opts ...DispatchOption) error {
	return runtimepkg.RegisterAsyncNotifyDispatch(nc, fn, opts...)
}

// Call sends request and converts the response to TResp.
func Call[TResp any](ctx context.Context, ch *RequestChannel, request any, timeout time.Duration) (TResp, error) {
	return runtimepkg.Call[TResp](ctx, ch, request, timeout)
}

// RegisterType makes T decodable by r and returns its wire type name.
func RegisterType[T any](r *Registry) string {
	return codec.Register[T](r)
}

func TypeNameFor[T any]() string {
	return codec.TypeNameFor[T]()
}

// As converts a decoded body to T.
func As[T any](body any) (T, bool) {
	return codec.As[T](body)
}

// RegisterErrorKind lets errors of type T be rebuilt on the calling side.
func RegisterErrorKind[T error](kind string) {
	errspkg.RegisterErrorKind[T](kind)
}

func Async[T any](fn func() (T, error)) <-chan Outcome[T] {
	return handlerpkg.Async(fn)
}

func Await[T any](ctx context.Context, ch <-chan Outcome[T]) (T, error) {
	return handlerpkg.Await(ctx, ch)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
