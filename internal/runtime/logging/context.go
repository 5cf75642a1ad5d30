package logging

import "context"

// Field names attached to every log line produced while a message is handled.
const (
	FieldMessageID       = "message_id"
	FieldCustomSessionID = "custom_session_id"
	FieldRelatesTo       = "relates_to"
	FieldTopic           = "topic"
	FieldContentType     = "content_type"
)

type fieldsKey struct{}

// WithContextFields returns a child context carrying the supplied fields merged
// over whatever fields the parent already carries. Log correlation travels with
// the context instead of goroutine-local state.
func WithContextFields(ctx context.Context, fields LogFields) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	merged := make(LogFields, len(fields))
	for k, v := range ContextFields(ctx) {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// ContextFields returns the fields stored on ctx, or nil.
func ContextFields(ctx context.Context) LogFields {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).(LogFields)
	return fields
}

// FromContext enriches logger with the fields carried by ctx.
func FromContext(ctx context.Context, logger ServiceLogger) ServiceLogger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields)
}
