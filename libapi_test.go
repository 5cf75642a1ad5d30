package rpcflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetRequest struct {
	Name string `json:"name"`
}

type greetReply struct {
	Greeting string `json:"greeting"`
}

type rejected struct {
	Reason string `json:"reason"`
}

func (e *rejected) Error() string { return "rejected: " + e.Reason }

func newFacadeFactory(t *testing.T) *ChannelFactory {
	t.Helper()
	f, err := NewChannelFactory(context.Background(), &Config{ResponseTimeout: 2 * time.Second}, NopLogger(), FactoryDependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFacadeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFacadeFactory(t)

	svc, err := f.NewServiceChannel(ctx, "greeter")
	require.NoError(t, err)
	require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req greetRequest, ic InvokeContext) (greetReply, error) {
		return greetReply{Greeting: "hello " + req.Name + " from " + CustomSessionIDFrom(ctx)}, nil
	}))
	require.NoError(t, svc.StartReceiving(ctx))

	req, err := f.NewRequestChannel(ctx, "caller", "greeter")
	require.NoError(t, err)

	reply, err := Call[greetReply](WithCustomSessionID(ctx, "s-1"), req, greetRequest{Name: "ada"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello ada from s-1", reply.Greeting)

	out, err := Await(ctx, req.SendWaitResponseAsync(ctx, &greetRequest{Name: "bob"}, time.Second))
	require.NoError(t, err)
	typed, ok := As[greetReply](out)
	require.True(t, ok)
	assert.Equal(t, "hello bob from "+f.SessionID(), typed.Greeting)
}

func TestFacadeRemoteErrorKinds(t *testing.T) {
	RegisterErrorKind[*rejected]("rpcflow_test.Rejected")

	ctx := context.Background()
	f := newFacadeFactory(t)

	svc, err := f.NewServiceChannel(ctx, "strict")
	require.NoError(t, err)
	require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req greetRequest, ic InvokeContext) (*greetReply, error) {
		if req.Name == "" {
			return nil, &rejected{Reason: "name missing"}
		}
		return nil, errors.New("backend down")
	}))
	require.NoError(t, svc.StartReceiving(ctx))

	req, err := f.NewRequestChannel(ctx, "caller", "strict")
	require.NoError(t, err)

	_, err = req.SendWaitResponse(ctx, greetRequest{}, time.Second)
	var rej *rejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "name missing", rej.Reason)

	_, err = req.SendWaitResponse(ctx, greetRequest{Name: "x"}, time.Second)
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "backend down", svcErr.Message)
}

func TestFacadeNotify(t *testing.T) {
	ctx := context.Background()
	f := newFacadeFactory(t)

	received := make(chan string, 1)
	nc, err := f.NewNotifyChannel(ctx, "events")
	require.NoError(t, err)
	require.NoError(t, RegisterNotifyDispatch(nc, func(ctx context.Context, body greetRequest, ic InvokeContext) error {
		received <- body.Name
		return nil
	}))
	require.NoError(t, nc.StartReceiving(ctx))

	req, err := f.NewRequestChannel(ctx, "caller", "greeter")
	require.NoError(t, err)
	id, err := req.SendNotify(ctx, greetRequest{Name: "eve"}, "events")
	require.NoError(t, err)
	assert.Len(t, id, 26)

	select {
	case name := <-received:
		assert.Equal(t, "eve", name)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestFacadeRequiresConfig(t *testing.T) {
	_, err := NewChannelFactory(context.Background(), nil, NopLogger(), FactoryDependencies{})
	assert.ErrorIs(t, err, ErrConfigRequired)
}

func TestTypeNameExports(t *testing.T) {
	r := NewRegistry()
	name := RegisterType[greetRequest](r)
	assert.Equal(t, TypeNameFor[greetRequest](), name)
	assert.Equal(t, name, TypeName(greetRequest{}))
}

func TestAsyncExports(t *testing.T) {
	v, err := Await(context.Background(), Async(func() (int, error) { return 7, nil }))
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestWarningExports(t *testing.T) {
	assert.True(t, IsWarning(NewWarning("stock low: %d", 2)))
	assert.True(t, IsTransient(Transient(errors.New("reset"))))
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyVersion, "2")
	assert.Equal(t, "2", md[MetadataKeyVersion])
}

func TestCapabilityExports(t *testing.T) {
	caps := GetCapabilities("kafka")
	assert.True(t, caps.SupportsRedelivery())
	assert.Equal(t, "kafka", caps.Name)
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
	logger.Warn("slow", errors.New("late"), LogFields{"ms": 12})
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
