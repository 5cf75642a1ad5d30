package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/blobstore/memory"
	"github.com/drblury/rpcflow/internal/runtime/codec"
	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	transportpkg "github.com/drblury/rpcflow/transport"
)

type sampleMessage struct {
	IntProp    int    `json:"intProp"`
	StringProp string `json:"stringProp"`
}

type sampleReply struct {
	IntProp    int    `json:"intProp"`
	StringProp string `json:"stringProp"`
}

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

type quotaExceeded struct {
	Limit int `json:"limit"`
}

func (e *quotaExceeded) Error() string { return "quota exceeded" }

func init() {
	errspkg.RegisterErrorKind[*quotaExceeded]("test.QuotaExceeded")
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry, including those written through loggers
// derived with With.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, fields: merged}
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Warn(msg string, err error, fields loggingpkg.LogFields) {
	r.record("warn", msg, err, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) find(level, msg string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range *r.entries {
		if e.level == level && e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingLogger) count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range *r.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

type testEnv struct {
	pubsub *gochannel.GoChannel
	blobs  *memory.Store
	conf   configpkg.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	return &testEnv{
		pubsub: pubsub,
		blobs:  memory.New(),
		conf: configpkg.Config{
			PubSubSystem:     "channel",
			ResponseTimeout:  2 * time.Second,
			SendRetryBackoff: 10 * time.Millisecond,
			MetricsEnabled:   true,
		},
	}
}

// factory builds one side of a conversation. Every side gets its own session
// and metrics but shares the in-process broker and the overflow store.
func (e *testEnv) factory(t *testing.T) (*ChannelFactory, *recordingLogger) {
	t.Helper()
	logger := newRecordingLogger()
	conf := e.conf
	f, err := NewChannelFactory(context.Background(), &conf, logger, FactoryDependencies{
		Transport:  &transportpkg.Transport{Publisher: e.pubsub, Subscriber: e.pubsub},
		BlobStore:  e.blobs,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, logger
}

func startService(t *testing.T, f *ChannelFactory, listen string, register func(*ServiceChannel)) *ServiceChannel {
	t.Helper()
	svc, err := f.NewServiceChannel(context.Background(), listen)
	require.NoError(t, err)
	register(svc)
	require.NoError(t, svc.StartReceiving(context.Background()))
	return svc
}

func TestRequestResponseRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	var invocations atomic.Int32
	startService(t, server, "orders", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			invocations.Add(1)
			assert.Equal(t, 42, req.IntProp)
			assert.Equal(t, "Data", req.StringProp)
			assert.NotEmpty(t, ic.MessageID)
			return sampleReply{IntProp: 666, StringProp: "Test"}, nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "billing", "orders")
	require.NoError(t, err)

	reply, err := Call[sampleReply](context.Background(), req, sampleMessage{IntProp: 42, StringProp: "Data"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sampleReply{IntProp: 666, StringProp: "Test"}, reply)
	assert.EqualValues(t, 1, invocations.Load())
	assert.Zero(t, req.Pending())

	topics := client.deps.topics
	requestTopic := topics.Request("orders")
	responseTopic := topics.Response("billing", client.SessionID())

	clientSent := client.Metrics().GetTopicMetrics(requestTopic)
	require.NotNil(t, clientSent)
	assert.EqualValues(t, 1, clientSent.Sent)

	serverReceived := server.Metrics().GetTopicMetrics(requestTopic)
	require.NotNil(t, serverReceived)
	assert.EqualValues(t, 1, serverReceived.Received)

	// The response can be resolved before the server has counted its send.
	require.Eventually(t, func() bool {
		sent := server.Metrics().GetTopicMetrics(responseTopic)
		received := client.Metrics().GetTopicMetrics(responseTopic)
		return sent != nil && sent.Sent == 1 && received != nil && received.Received == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSendWaitResponseWithPointerHandler(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "orders", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req *sampleMessage, ic handlers.InvokeContext) (*sampleReply, error) {
			return &sampleReply{IntProp: req.IntProp * 2, StringProp: strings.ToUpper(req.StringProp)}, nil
		}))
	})
	codec.Register[sampleReply](client.Registry())

	req, err := client.NewRequestChannel(context.Background(), "billing", "orders")
	require.NoError(t, err)

	body, err := req.SendWaitResponse(context.Background(), &sampleMessage{IntProp: 21, StringProp: "abc"}, 0)
	require.NoError(t, err)
	reply, ok := codec.As[sampleReply](body)
	require.True(t, ok)
	assert.Equal(t, sampleReply{IntProp: 42, StringProp: "ABC"}, reply)
}

func TestConcurrentRequestsCorrelateIndependently(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "math", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{IntProp: req.IntProp + 1}, nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "math")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := Call[sampleReply](context.Background(), req, sampleMessage{IntProp: i * 10}, 2*time.Second)
			results[i], errs[i] = reply.IntProp, err
		}(i)
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, i*10+1, results[i])
	}
}

func TestRequestChannelsShareResponseLoop(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "a", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{StringProp: "a"}, nil
		}))
	})
	startService(t, server, "b", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{StringProp: "b"}, nil
		}))
	})

	toA, err := client.NewRequestChannel(context.Background(), "caller", "a")
	require.NoError(t, err)
	toB, err := client.NewRequestChannel(context.Background(), "caller", "b")
	require.NoError(t, err)
	assert.Same(t, toA.loop, toB.loop)
	assert.Equal(t, 2, toB.loop.ObserverCount())

	replyA, err := Call[sampleReply](context.Background(), toA, sampleMessage{}, time.Second)
	require.NoError(t, err)
	replyB, err := Call[sampleReply](context.Background(), toB, sampleMessage{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", replyA.StringProp)
	assert.Equal(t, "b", replyB.StringProp)

	require.NoError(t, toA.Close())
	assert.Equal(t, 1, toB.loop.ObserverCount())
	replyB, err = Call[sampleReply](context.Background(), toB, sampleMessage{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", replyB.StringProp)
}

func TestRequestTimesOutAndLateResponseIsDropped(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	release := make(chan struct{})
	var handled atomic.Int32
	startService(t, server, "slow", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			<-release
			handled.Add(1)
			return sampleReply{IntProp: 1}, nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "slow")
	require.NoError(t, err)

	start := time.Now()
	_, err = req.SendWaitResponse(context.Background(), sampleMessage{}, 100*time.Millisecond)
	var timeout *errspkg.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, req.Pending())

	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 10*time.Millisecond)

	responseTopic := client.deps.topics.Response("caller", client.SessionID())
	require.Eventually(t, func() bool {
		tm := client.Metrics().GetTopicMetrics(responseTopic)
		return tm != nil && tm.Received == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, req.Pending())
}

// failFirstResponsePublisher rejects the first publish to a response topic.
type failFirstResponsePublisher struct {
	message.Publisher
	failed atomic.Int32
}

func (p *failFirstResponsePublisher) Publish(topic string, msgs ...*message.Message) error {
	if strings.Contains(topic, ".response.") && p.failed.CompareAndSwap(0, 1) {
		return errors.New("broker unavailable")
	}
	return p.Publisher.Publish(topic, msgs...)
}

func TestFailedResponseSendIsReportedNotRedelivered(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.factory(t)

	publisher := &failFirstResponsePublisher{Publisher: env.pubsub}
	logger := newRecordingLogger()
	conf := env.conf
	server, err := NewChannelFactory(context.Background(), &conf, logger, FactoryDependencies{
		Transport:  &transportpkg.Transport{Publisher: publisher, Subscriber: env.pubsub},
		BlobStore:  env.blobs,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	var invocations atomic.Int32
	startService(t, server, "orders", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			invocations.Add(1)
			return sampleReply{IntProp: req.IntProp}, nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "billing", "orders")
	require.NoError(t, err)

	_, err = Call[sampleReply](context.Background(), req, sampleMessage{IntProp: 7}, time.Second)
	var svcErr *errspkg.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Contains(t, svcErr.Message, "broker unavailable")
	assert.EqualValues(t, 1, publisher.failed.Load())
	assert.Len(t, logger.find("error", "Failed to send response"), 1)

	assert.Never(t, func() bool { return invocations.Load() != 1 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestContextCancellationAbortsWait(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.factory(t)

	req, err := client.NewRequestChannel(context.Background(), "caller", "nobody-listens")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = req.SendWaitResponse(ctx, sampleMessage{}, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, req.Pending())
}

func TestRegisteredErrorKindCrossesTheWire(t *testing.T) {
	env := newTestEnv(t)
	server, serverLog := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "quota", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{}, &quotaExceeded{Limit: 5}
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "quota")
	require.NoError(t, err)

	_, err = req.SendWaitResponse(context.Background(), sampleMessage{}, time.Second)
	var quota *quotaExceeded
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 5, quota.Limit)

	failures := serverLog.find("error", "Handler failed")
	require.Len(t, failures, 1)
	assert.NotEmpty(t, failures[0].fields["stack"])
}

func TestUnregisteredErrorBecomesServiceError(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "db", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{}, errors.New("database unavailable")
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "db")
	require.NoError(t, err)

	_, err = req.SendWaitResponse(context.Background(), sampleMessage{}, time.Second)
	var svcErr *errspkg.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "database unavailable", svcErr.Message)
	assert.NotEmpty(t, svcErr.StackTrace)
}

func TestExceptionHandlerRemapsErrors(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "secret", func(svc *ServiceChannel) {
		svc.RegisterExceptionHandler(func(err error) error {
			return errors.New("internal error")
		})
		svc.RegisterExceptionHandler(func(err error) error {
			// keeps whatever the previous handler produced
			return nil
		})
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{}, errors.New("password for db-7 rejected")
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "secret")
	require.NoError(t, err)

	_, err = req.SendWaitResponse(context.Background(), sampleMessage{}, time.Second)
	var svcErr *errspkg.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "internal error", svcErr.Message)
	assert.NotContains(t, err.Error(), "db-7")
}

func TestBusinessWarningLogsAtWarnLevel(t *testing.T) {
	env := newTestEnv(t)
	server, serverLog := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "customers", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{}, errspkg.NewWarning("customer %d blocked", req.IntProp)
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "customers")
	require.NoError(t, err)

	_, err = req.SendWaitResponse(context.Background(), sampleMessage{IntProp: 7}, time.Second)
	require.Error(t, err)
	assert.True(t, errspkg.IsWarning(err))
	assert.Equal(t, "customer 7 blocked", err.Error())

	assert.Len(t, serverLog.find("warn", "Handler reported a warning"), 1)
	assert.Empty(t, serverLog.find("error", "Handler failed"))
}

func TestUnknownRequestTypeWarnsOnceWithoutResponse(t *testing.T) {
	env := newTestEnv(t)
	server, serverLog := env.factory(t)
	client, _ := env.factory(t)

	var invoked atomic.Int32
	startService(t, server, "orders", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			invoked.Add(1)
			return sampleReply{}, nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)

	_, err = req.SendWaitResponse(context.Background(), orderPlaced{OrderID: "o-1"}, 200*time.Millisecond)
	assert.ErrorIs(t, err, errspkg.ErrTimeout)

	warnings := serverLog.find("warn", "No dispatcher registered for message type")
	require.Len(t, warnings, 1)
	assert.Equal(t, codec.TypeNameFor[orderPlaced](), warnings[0].fields["type"])
	assert.Zero(t, invoked.Load())

	requestTopic := server.deps.topics.Request("orders")
	tm := server.Metrics().GetTopicMetrics(requestTopic)
	require.NotNil(t, tm)
	assert.Zero(t, tm.Abandoned)
}

func TestOneWayDispatchSendsNoResponse(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	got := make(chan orderPlaced, 1)
	startService(t, server, "orders", func(svc *ServiceChannel) {
		require.NoError(t, RegisterOneWayDispatch(svc, func(ctx context.Context, req orderPlaced, ic handlers.InvokeContext) error {
			got <- req
			return nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)

	id, err := req.SendOneWay(context.Background(), orderPlaced{OrderID: "o-9"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case order := <-got:
		assert.Equal(t, "o-9", order.OrderID)
	case <-time.After(time.Second):
		t.Fatal("one-way request was not dispatched")
	}

	responseTopic := server.deps.topics.Response("caller", client.SessionID())
	assert.Nil(t, server.Metrics().GetTopicMetrics(responseTopic))
}

func TestAsyncDispatchAndAsyncSend(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "async", func(svc *ServiceChannel) {
		require.NoError(t, RegisterAsyncDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) <-chan handlers.Outcome[sampleReply] {
			return handlers.Async(func() (sampleReply, error) {
				return sampleReply{IntProp: req.IntProp, StringProp: "async"}, nil
			})
		}))
	})
	codec.Register[sampleReply](client.Registry())

	req, err := client.NewRequestChannel(context.Background(), "caller", "async")
	require.NoError(t, err)

	outcome, err := handlers.Await(context.Background(), req.SendWaitResponseAsync(context.Background(), sampleMessage{IntProp: 3}, time.Second))
	require.NoError(t, err)
	reply, ok := codec.As[sampleReply](outcome)
	require.True(t, ok)
	assert.Equal(t, sampleReply{IntProp: 3, StringProp: "async"}, reply)
}

func TestCustomSessionIDPropagates(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	seen := make(chan string, 1)
	startService(t, server, "sessions", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			seen <- ic.CustomSessionID
			return sampleReply{}, nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "sessions")
	require.NoError(t, err)

	ctx := handlers.WithCustomSessionID(context.Background(), "tenant-42")
	_, err = Call[sampleReply](ctx, req, sampleMessage{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", <-seen)

	_, err = Call[sampleReply](context.Background(), req, sampleMessage{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, client.SessionID(), <-seen)
}

func TestNotifyChannelReceivesNotifications(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	notifyCh, err := server.NewNotifyChannel(context.Background(), "orders")
	require.NoError(t, err)
	got := make(chan orderPlaced, 1)
	require.NoError(t, RegisterNotifyDispatch(notifyCh, func(ctx context.Context, body orderPlaced, ic handlers.InvokeContext) error {
		got <- body
		return nil
	}))
	require.NoError(t, notifyCh.StartReceiving(context.Background()))

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)
	_, err = req.SendNotify(context.Background(), orderPlaced{OrderID: "n-1"}, "")
	require.NoError(t, err)

	select {
	case order := <-got:
		assert.Equal(t, "n-1", order.OrderID)
	case <-time.After(time.Second):
		t.Fatal("notification was not dispatched")
	}
}

func TestNotifyHandlerForwardsThroughServiceChannel(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	svc := startService(t, server, "orders", func(*ServiceChannel) {})

	inbound, err := server.NewNotifyChannel(context.Background(), "orders")
	require.NoError(t, err)
	inbound.SetServiceChannel(svc)
	require.NoError(t, RegisterNotifyDispatch(inbound, func(ctx context.Context, body orderPlaced, ic handlers.InvokeContext) error {
		_, err := ic.SendNotify(ctx, sampleMessage{StringProp: body.OrderID}, "audit")
		return err
	}))
	require.NoError(t, inbound.StartReceiving(context.Background()))

	audit, err := client.NewNotifyChannel(context.Background(), "audit")
	require.NoError(t, err)
	forwarded := make(chan sampleMessage, 1)
	require.NoError(t, RegisterNotifyDispatch(audit, func(ctx context.Context, body sampleMessage, ic handlers.InvokeContext) error {
		forwarded <- body
		return nil
	}))
	require.NoError(t, audit.StartReceiving(context.Background()))

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)
	_, err = req.SendNotify(context.Background(), orderPlaced{OrderID: "fwd-1"}, "")
	require.NoError(t, err)

	select {
	case body := <-forwarded:
		assert.Equal(t, "fwd-1", body.StringProp)
	case <-time.After(time.Second):
		t.Fatal("notification was not forwarded")
	}
}

func TestNotifyWithoutServiceChannelFails(t *testing.T) {
	env := newTestEnv(t)
	server, serverLog := env.factory(t)
	client, _ := env.factory(t)

	notifyCh, err := server.NewNotifyChannel(context.Background(), "orders")
	require.NoError(t, err)
	result := make(chan error, 1)
	require.NoError(t, RegisterNotifyDispatch(notifyCh, func(ctx context.Context, body orderPlaced, ic handlers.InvokeContext) error {
		_, err := ic.SendNotify(ctx, sampleMessage{}, "")
		result <- err
		return err
	}))
	require.NoError(t, notifyCh.StartReceiving(context.Background()))

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)
	_, err = req.SendNotify(context.Background(), orderPlaced{}, "")
	require.NoError(t, err)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, errspkg.ErrServiceChannelNotConfigured)
	case <-time.After(time.Second):
		t.Fatal("notification was not dispatched")
	}
	require.Eventually(t, func() bool {
		return len(serverLog.find("error", "Handler failed")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnhandledNotificationIsQuietUnlessFullLogging(t *testing.T) {
	for _, full := range []bool{false, true} {
		env := newTestEnv(t)
		env.conf.FullLogging = full
		server, serverLog := env.factory(t)
		client, _ := env.factory(t)

		notifyCh, err := server.NewNotifyChannel(context.Background(), "orders")
		require.NoError(t, err)
		require.NoError(t, notifyCh.StartReceiving(context.Background()))

		req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
		require.NoError(t, err)
		_, err = req.SendNotify(context.Background(), orderPlaced{}, "")
		require.NoError(t, err)

		notifyTopic := server.deps.topics.Notify("orders")
		require.Eventually(t, func() bool {
			tm := server.Metrics().GetTopicMetrics(notifyTopic)
			return tm != nil && tm.Received == 1
		}, time.Second, 10*time.Millisecond)

		time.Sleep(20 * time.Millisecond)
		debug := serverLog.find("debug", "No dispatcher registered for notification")
		if full {
			assert.Len(t, debug, 1)
		} else {
			assert.Empty(t, debug)
		}
		assert.Zero(t, serverLog.count("warn"))
	}
}

func TestLargePayloadOverflowsThroughBlobStore(t *testing.T) {
	env := newTestEnv(t)
	server, _ := env.factory(t)
	client, _ := env.factory(t)

	startService(t, server, "echo", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			return sampleReply{IntProp: len(req.StringProp), StringProp: req.StringProp}, nil
		}))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "echo")
	require.NoError(t, err)

	// Random-looking text so compression cannot bring it under the overflow threshold.
	var b strings.Builder
	seed := uint32(7)
	for b.Len() < 200_000 {
		seed = seed*1664525 + 1013904223
		b.WriteByte(byte('!' + seed>>24%90))
	}
	big := b.String()

	reply, err := Call[sampleReply](context.Background(), req, sampleMessage{StringProp: big}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, len(big), reply.IntProp)
	assert.Equal(t, big, reply.StringProp)
}

func TestRegisterDispatchValidation(t *testing.T) {
	env := newTestEnv(t)
	server, serverLog := env.factory(t)

	svc, err := server.NewServiceChannel(context.Background(), "orders")
	require.NoError(t, err)

	assert.ErrorIs(t, RegisterDispatch[sampleMessage, sampleReply](svc, nil), errspkg.ErrHandlerRequired)

	handler := func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
		return sampleReply{}, nil
	}
	require.NoError(t, RegisterDispatch(svc, handler))
	assert.ErrorIs(t, RegisterDispatch(svc, handler), errspkg.ErrDispatchExists)
	assert.Equal(t, []string{codec.TypeNameFor[sampleMessage]()}, svc.DispatchTypes())

	require.NoError(t, svc.StartReceiving(context.Background()))
	require.NoError(t, RegisterOneWayDispatch(svc, func(ctx context.Context, req orderPlaced, ic handlers.InvokeContext) error {
		return nil
	}))
	assert.Len(t, serverLog.find("warn", "Dispatcher registered after receiving started"), 1)
}

func TestWithDispatchLoggerOverridesChannelLogger(t *testing.T) {
	env := newTestEnv(t)
	server, serverLog := env.factory(t)
	client, _ := env.factory(t)
	handlerLog := newRecordingLogger()

	startService(t, server, "orders", func(svc *ServiceChannel) {
		require.NoError(t, RegisterDispatch(svc, func(ctx context.Context, req sampleMessage, ic handlers.InvokeContext) (sampleReply, error) {
			ic.Logger.Info("handling", nil)
			return sampleReply{}, errors.New("boom")
		}, WithDispatchLogger(handlerLog)))
	})

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)
	_, err = req.SendWaitResponse(context.Background(), sampleMessage{}, time.Second)
	require.Error(t, err)

	assert.Len(t, handlerLog.find("info", "handling"), 1)
	assert.Len(t, handlerLog.find("error", "Handler failed"), 1)
	assert.Empty(t, serverLog.find("error", "Handler failed"))
}

func TestClosedChannelsRejectWork(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.factory(t)

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)
	require.NoError(t, req.Close())
	require.NoError(t, req.Close())

	_, err = req.SendWaitResponse(context.Background(), sampleMessage{}, time.Second)
	assert.ErrorIs(t, err, errspkg.ErrChannelClosed)
	_, err = req.SendOneWay(context.Background(), sampleMessage{})
	assert.ErrorIs(t, err, errspkg.ErrChannelClosed)
	_, err = req.SendNotify(context.Background(), sampleMessage{}, "")
	assert.ErrorIs(t, err, errspkg.ErrChannelClosed)

	svc, err := client.NewServiceChannel(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	assert.ErrorIs(t, svc.StartReceiving(context.Background()), errspkg.ErrChannelClosed)
}

func TestRequestRequiresBody(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.factory(t)

	req, err := client.NewRequestChannel(context.Background(), "caller", "orders")
	require.NoError(t, err)
	_, err = req.SendWaitResponse(context.Background(), nil, time.Second)
	assert.ErrorIs(t, err, errspkg.ErrRequestRequired)
	_, err = req.SendOneWay(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrRequestRequired)
}
