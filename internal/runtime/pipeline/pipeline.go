// Package pipeline runs envelopes through ordered stages: serialize, compress
// and overflow on the way out, and the mirror image on the way in.
package pipeline

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
)

// Stage transforms an envelope. Stages keep no per-message state.
type Stage interface {
	Execute(ctx context.Context, env *envelope.Envelope) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, env *envelope.Envelope) error

func (f StageFunc) Execute(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Pipeline executes its stages in order and stops at the first error.
type Pipeline struct {
	name   string
	stages []Stage
	logger loggingpkg.ServiceLogger
}

// New composes stages into a pipeline. name labels spans and logs.
func New(name string, logger loggingpkg.ServiceLogger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &Pipeline{name: name, stages: stages, logger: logger}
}

// Name returns the label given at construction.
func (p *Pipeline) Name() string { return p.name }

// Execute runs every stage against env.
func (p *Pipeline) Execute(ctx context.Context, env *envelope.Envelope) error {
	tracer := otel.Tracer("rpcflow")
	ctx, span := tracer.Start(ctx, "pipeline "+p.name)
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", env.MessageID),
		attribute.String("message.kind", env.Kind().String()),
	)

	for _, stage := range p.stages {
		if err := stage.Execute(ctx, env); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	span.SetAttributes(attribute.String("message.content_type", env.ContentType))
	return nil
}

// Close releases stages that hold resources, such as the sender pool.
// Shutdown errors are logged and otherwise ignored.
func (p *Pipeline) Close() error {
	for _, stage := range p.stages {
		closer, ok := stage.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			p.logger.Debug("Ignoring stage close error", loggingpkg.LogFields{"pipeline": p.name, "error": err.Error()})
		}
	}
	return nil
}
