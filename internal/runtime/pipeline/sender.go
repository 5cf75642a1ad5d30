package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/rpcflow/internal/runtime/bus"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
)

var errNotAcknowledged = errors.New("transport did not acknowledge the message")

// SenderConfig tunes the send stage. Zero values select the defaults of three
// attempts one second apart, growing linearly.
type SenderConfig struct {
	Topic       string
	Step        time.Duration
	MaxAttempts int
	Metrics     *metrics.Metrics
	Logger      loggingpkg.ServiceLogger
}

// SendStage hands envelopes to one sender of a fixed pool, picked round-robin.
type SendStage struct {
	pool    []bus.Sender
	counter atomic.Uint64
	cfg     SenderConfig
}

// NewSendStage builds the send stage over pool.
func NewSendStage(pool []bus.Sender, cfg SenderConfig) (*SendStage, error) {
	if len(pool) == 0 {
		return nil, errspkg.ErrSenderPoolEmpty
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NopLogger()
	}
	return &SendStage{pool: pool, cfg: cfg}, nil
}

func (s *SendStage) next() bus.Sender {
	idx := s.counter.Add(1) - 1
	return s.pool[idx%uint64(len(s.pool))]
}

// Execute delivers env. An unacknowledged attempt is retried with linear
// backoff; a transport error ends the send at once. Both outcomes surface as
// *errors.SendError.
func (s *SendStage) Execute(ctx context.Context, env *envelope.Envelope) error {
	sender := s.next()
	attempts := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		ok, err := sender.Send(ctx, env)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errNotAcknowledged
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(&linearBackOff{step: s.cfg.Step}),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.cfg.Metrics.RecordSendRetry(s.cfg.Topic)
			s.cfg.Logger.Debug("Send not acknowledged, retrying", loggingpkg.LogFields{
				loggingpkg.FieldMessageID: env.MessageID,
				loggingpkg.FieldTopic:     s.cfg.Topic,
				"attempt":                 attempts,
				"wait":                    wait.String(),
			})
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		s.cfg.Metrics.RecordSendFailure(s.cfg.Topic)
		return &errspkg.SendError{MessageID: env.MessageID, Attempts: attempts, Err: err}
	}
	s.cfg.Metrics.RecordSent(s.cfg.Topic, env.Kind().String())
	return nil
}

// Close closes every sender in the pool. Errors are dropped.
func (s *SendStage) Close() error {
	for _, sender := range s.pool {
		_ = sender.Close()
	}
	return nil
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
