package handlers

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/drblury/rpcflow/internal/runtime/codec"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
)

// Func is the untyped form every registered handler is reduced to. A nil
// result means there is nothing to send back.
type Func func(ctx context.Context, body any, ic InvokeContext) (any, error)

// Entry is one row of a dispatch Table.
type Entry struct {
	TypeName string
	Handle   Func
	// Logger replaces the channel logger for this type when set.
	Logger loggingpkg.ServiceLogger
	// OneWay entries never produce a response.
	OneWay bool
}

// Invoke calls the handler. A panic is converted into *errors.PanicError.
func (e *Entry) Invoke(ctx context.Context, body any, ic InvokeContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &errspkg.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return e.Handle(ctx, body, ic)
}

// Table maps a body type tag to its handler. Entries are added while a channel
// is being set up and only read once it receives.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Add installs entry. A type can only be registered once.
func (t *Table) Add(entry *Entry) error {
	if entry == nil || entry.Handle == nil {
		return errspkg.ErrHandlerRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[entry.TypeName]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDispatchExists, entry.TypeName)
	}
	t.entries[entry.TypeName] = entry
	return nil
}

// Lookup returns the entry for typeName.
func (t *Table) Lookup(typeName string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[typeName]
	return entry, ok
}

// TypeNames lists the registered type tags in sorted order.
func (t *Table) TypeNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind adapts a typed request/response handler.
func Bind[TReq, TResp any](fn func(ctx context.Context, req TReq, ic InvokeContext) (TResp, error)) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, body any, ic InvokeContext) (any, error) {
		req, err := typedBody[TReq](body)
		if err != nil {
			return nil, err
		}
		resp, err := fn(ctx, req, ic)
		if err != nil {
			return nil, err
		}
		return nilIfEmpty(resp), nil
	}
}

// BindOneWay adapts a typed handler that sends no response.
func BindOneWay[TReq any](fn func(ctx context.Context, req TReq, ic InvokeContext) error) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, body any, ic InvokeContext) (any, error) {
		req, err := typedBody[TReq](body)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, req, ic)
	}
}

// BindAsync adapts a handler that delivers its response on a channel.
func BindAsync[TReq, TResp any](fn func(ctx context.Context, req TReq, ic InvokeContext) <-chan Outcome[TResp]) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, body any, ic InvokeContext) (any, error) {
		req, err := typedBody[TReq](body)
		if err != nil {
			return nil, err
		}
		resp, err := Await(ctx, fn(ctx, req, ic))
		if err != nil {
			return nil, err
		}
		return nilIfEmpty(resp), nil
	}
}

// BindAsyncOneWay adapts an asynchronous handler that sends no response. The
// returned channel yields the handler error, or nothing on success.
func BindAsyncOneWay[TReq any](fn func(ctx context.Context, req TReq, ic InvokeContext) <-chan error) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, body any, ic InvokeContext) (any, error) {
		req, err := typedBody[TReq](body)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-fn(ctx, req, ic):
			return nil, err
		}
	}
}

func typedBody[T any](body any) (T, error) {
	req, ok := codec.As[T](body)
	if !ok {
		var zero T
		return zero, fmt.Errorf("dispatch: body of type %T cannot be handled as %s", body, reflect.TypeOf(&zero).Elem())
	}
	return req, nil
}

func nilIfEmpty(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil
		}
	}
	return v
}
