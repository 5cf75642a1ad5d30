// Package receiver drives one transport subscription: receive, run the inbound
// pipeline, offer the envelope to observers, then complete or abandon.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/drblury/rpcflow/internal/runtime/bus"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
	"github.com/drblury/rpcflow/internal/runtime/pipeline"
)

// DefaultTransientRetryDelay is the pause after a transient receive error.
const DefaultTransientRetryDelay = 3 * time.Second

// Observer is offered each inbound envelope. Returning true marks the envelope
// handled and stops the chain. An error abandons the message.
type Observer func(ctx context.Context, env *envelope.Envelope) (bool, error)

// Options tunes a Loop.
type Options struct {
	TransientRetryDelay time.Duration
	Logger              loggingpkg.ServiceLogger
	Metrics             *metrics.Metrics
}

// Loop is a worker goroutine per subscription. Each received message is
// processed on its own goroutine, so ordering across messages is not kept.
type Loop struct {
	transport bus.Transport
	inbound   *pipeline.Pipeline
	opts      Options
	logger    loggingpkg.ServiceLogger

	mu        sync.RWMutex
	observers []observerEntry
	nextID    uint64

	inflight  sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// New creates a stopped loop over transport.
func New(transport bus.Transport, inbound *pipeline.Pipeline, opts Options) (*Loop, error) {
	if transport == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if inbound == nil {
		inbound = pipeline.New("inbound", opts.Logger)
	}
	if opts.TransientRetryDelay <= 0 {
		opts.TransientRetryDelay = DefaultTransientRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NopLogger()
	}
	return &Loop{
		transport: transport,
		inbound:   inbound,
		opts:      opts,
		logger:    opts.Logger.With(loggingpkg.LogFields{loggingpkg.FieldTopic: transport.Topic()}),
		done:      make(chan struct{}),
	}, nil
}

type observerEntry struct {
	id      uint64
	observe Observer
}

// AddObserver appends o to the chain. Observers run in the order they were
// added. The returned func removes o again and is safe to call more than once.
func (l *Loop) AddObserver(o Observer) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.observers = append(l.observers, observerEntry{id: id, observe: o})
	return func() { l.removeObserver(id) }
}

func (l *Loop) removeObserver(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.observers {
		if entry.id == id {
			l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
			return
		}
	}
}

// ObserverCount reports how many observers are attached.
func (l *Loop) ObserverCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.observers)
}

// Transport returns the subscription the loop reads from.
func (l *Loop) Transport() bus.Transport { return l.transport }

// Start launches the worker. Later calls are no-ops.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		go l.run(runCtx)
	})
}

// Done is closed when the worker has stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Err returns the non-transient error that ended the loop, if any.
func (l *Loop) Err() error {
	<-l.done
	return l.err
}

// Close stops re-arming, closes the transport and waits for the messages
// already being processed.
func (l *Loop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.transport.Close()
		// A loop that never started still has to report Done.
		l.startOnce.Do(func() { close(l.done) })
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
		l.inflight.Wait()
		l.inbound.Close()
	})
	return err
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	l.logger.Debug("Receive loop started", nil)

	for {
		if l.transport.IsClosed() {
			return
		}
		delivery, err := l.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errspkg.ErrTransportClosed) {
				l.logger.Debug("Receive loop stopped", nil)
				return
			}
			if errspkg.IsTransient(err) {
				l.logger.Warn("Transient receive error, retrying", err, loggingpkg.LogFields{
					"delay": l.opts.TransientRetryDelay.String(),
				})
				select {
				case <-ctx.Done():
					return
				case <-time.After(l.opts.TransientRetryDelay):
				}
				continue
			}
			l.logger.Error("Receive loop terminated", err, nil)
			l.err = err
			return
		}

		l.inflight.Add(1)
		go func() {
			defer l.inflight.Done()
			l.process(ctx, delivery)
		}()
	}
}

func (l *Loop) process(ctx context.Context, delivery *bus.Delivery) {
	env := delivery.Envelope
	ctx = loggingpkg.WithContextFields(ctx, loggingpkg.LogFields{loggingpkg.FieldMessageID: env.MessageID})
	topic := l.transport.Topic()
	l.opts.Metrics.RecordReceived(topic, env.Kind().String())

	if err := l.handle(ctx, env); err != nil {
		loggingpkg.FromContext(ctx, l.logger).Error("Message processing failed, abandoning", err, nil)
		l.opts.Metrics.RecordAbandoned(topic)
		delivery.Abandon()
		return
	}
	delivery.Complete()
}

func (l *Loop) handle(ctx context.Context, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()

	if err := l.inbound.Execute(ctx, env); err != nil {
		return fmt.Errorf("inbound pipeline: %w", err)
	}

	l.mu.RLock()
	observers := append([]observerEntry(nil), l.observers...)
	l.mu.RUnlock()

	for _, entry := range observers {
		handled, err := entry.observe(ctx, env)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	return nil
}
