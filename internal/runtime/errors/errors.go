package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrChannelClosed               = sterrors.New("rpcflow: channel is closed")
	ErrTransportClosed             = sterrors.New("rpcflow: transport is closed")
	ErrTransportRequired           = sterrors.New("rpcflow: transport is required")
	ErrHandlerRequired             = sterrors.New("rpcflow: handler function is required")
	ErrTopicRequired               = sterrors.New("rpcflow: topic is required")
	ErrRequestRequired             = sterrors.New("rpcflow: request body is required")
	ErrDispatchExists              = sterrors.New("rpcflow: a dispatcher is already registered for this type")
	ErrServiceChannelNotConfigured = sterrors.New("rpcflow: no service channel is configured for notify forwarding")
	ErrUnknownCompression          = sterrors.New("rpcflow: unknown compression scheme")
	ErrOverflowBlobMissing         = sterrors.New("rpcflow: overflow blob not found")
	ErrBlobStoreRequired           = sterrors.New("rpcflow: blob store is required")
	ErrContentTypeRequired         = sterrors.New("rpcflow: content type is required")
	ErrSenderPoolEmpty             = sterrors.New("rpcflow: sender pool is empty")
	ErrConfigRequired              = sterrors.New("rpcflow: configuration is required")
	ErrLoggerRequired              = sterrors.New("rpcflow: logger is required")

	// ErrSend matches every SendError through errors.Is.
	ErrSend = sterrors.New("rpcflow: send failed")
	// ErrTimeout matches every TimeoutError through errors.Is.
	ErrTimeout = sterrors.New("rpcflow: response timeout")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "rpcflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// SendError is returned when the outbound pipeline could not hand a message to
// the transport, either because the transport failed or because every attempt
// went unacknowledged.
type SendError struct {
	MessageID string
	Attempts  int
	Err       error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rpcflow: send of message %s failed after %d attempt(s)", e.MessageID, e.Attempts)
	}
	return fmt.Sprintf("rpcflow: send of message %s failed after %d attempt(s): %v", e.MessageID, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSend }

// TimeoutError is returned when no response arrived for a request within its
// timeout.
type TimeoutError struct {
	MessageID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpcflow: no response to message %s within %s", e.MessageID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ServiceError is the generic stand-in for a remote handler failure whose kind
// is not registered locally.
type ServiceError struct {
	Kind       string
	Message    string
	StackTrace string
}

func (e *ServiceError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// WarningError marks a business warning. Handlers returning it are logged at
// warning level instead of error level; marshaling is unaffected.
type WarningError struct {
	Message string
}

func (e *WarningError) Error() string { return e.Message }

// NewWarning creates a business warning.
func NewWarning(format string, args ...any) error {
	return &WarningError{Message: fmt.Sprintf(format, args...)}
}

// IsWarning reports whether err is, or wraps, a WarningError.
func IsWarning(err error) bool {
	var w *WarningError
	return sterrors.As(err, &w)
}

// TransientError marks a receive-side transport failure that the receive loop
// should retry after a pause instead of terminating.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "rpcflow: transient transport error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return sterrors.As(err, &t)
}
