package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
)

// waiter is a single-assignment slot for the response to one request.
type waiter struct {
	id      string
	timeout time.Duration
	started time.Time
	timer   *time.Timer

	once   sync.Once
	result chan waitResult
}

type waitResult struct {
	env *envelope.Envelope
	err error
}

func (w *waiter) complete(env *envelope.Envelope, err error) {
	w.once.Do(func() {
		w.result <- waitResult{env: env, err: err}
	})
}

// Elapsed is the time since the request was registered.
func (w *waiter) Elapsed() time.Duration { return time.Since(w.started) }

// correlationTable tracks outstanding requests by message id. The timeout
// timer removes its own entry before failing the waiter, so a late response
// finds nothing and is dropped.
type correlationTable struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{waiters: make(map[string]*waiter)}
}

func (t *correlationTable) add(id string, timeout time.Duration) *waiter {
	w := &waiter{
		id:      id,
		timeout: timeout,
		started: time.Now(),
		result:  make(chan waitResult, 1),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiters[id] = w
	w.timer = time.AfterFunc(timeout, func() {
		if t.take(id) != nil {
			w.complete(nil, &errspkg.TimeoutError{MessageID: id, Timeout: timeout})
		}
	})
	return w
}

// take removes and returns the waiter for id, or nil.
func (t *correlationTable) take(id string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[id]
	if !ok {
		return nil
	}
	delete(t.waiters, id)
	return w
}

// resolve completes the waiter registered under relatesTo. It reports false
// for unknown, stale or duplicate responses.
func (t *correlationTable) resolve(relatesTo string, env *envelope.Envelope) (*waiter, bool) {
	w := t.take(relatesTo)
	if w == nil {
		return nil, false
	}
	w.timer.Stop()
	w.complete(env, nil)
	return w, true
}

// cancel drops the entry for id without completing it.
func (t *correlationTable) cancel(id string) {
	if w := t.take(id); w != nil {
		w.timer.Stop()
	}
}

func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// wait blocks until the waiter completes or ctx ends. Ending ctx removes the
// entry.
func (t *correlationTable) wait(ctx context.Context, w *waiter) (*envelope.Envelope, error) {
	select {
	case res := <-w.result:
		return res.env, res.err
	case <-ctx.Done():
		t.cancel(w.id)
		return nil, ctx.Err()
	}
}
