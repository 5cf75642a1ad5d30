package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/rpcflow/blobstore"
	_ "github.com/drblury/rpcflow/blobstore/backends"
	"github.com/drblury/rpcflow/internal/runtime/blob"
	"github.com/drblury/rpcflow/internal/runtime/bus"
	"github.com/drblury/rpcflow/internal/runtime/codec"
	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
	"github.com/drblury/rpcflow/internal/runtime/receiver"
	transportpkg "github.com/drblury/rpcflow/transport"
	_ "github.com/drblury/rpcflow/transport/transports"
)

// FactoryDependencies holds optional collaborators. Leave fields nil to build
// them from the configuration.
type FactoryDependencies struct {
	// Transport replaces the publisher/subscriber pair selected by PubSubSystem.
	Transport *transportpkg.Transport
	// BlobStore replaces the overflow backend selected by BlobStore.
	BlobStore blobstore.Store
	// Registry is the codec registry shared by all channels of the factory.
	Registry *codec.Registry
	// Metrics replaces the collectors created when MetricsEnabled is set.
	Metrics *metrics.Metrics
	// Registerer receives the collectors. Nil selects the default registerer.
	Registerer prometheus.Registerer
}

// ChannelFactory builds request, service and notify channels on one transport
// and blob store. All channels of a factory share one session id, and request
// channels listening on the same topic share one response receive loop.
type ChannelFactory struct {
	deps         *channelDeps
	bus          *bus.Factory
	gatherer     prometheus.Gatherer
	capabilities transportpkg.Capabilities

	mu            sync.Mutex
	responseLoops map[string]*sharedLoop
	channels      []trackedChannel
	closed        bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

type sharedLoop struct {
	loop *receiver.Loop
	refs int
}

type trackedChannel interface {
	Close() error
	status() ChannelStatus
}

// NewChannelFactory validates conf and connects the transport and blob store
// it selects.
func NewChannelFactory(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger, deps FactoryDependencies) (*ChannelFactory, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(logger)
	logger.Info("Creating channel factory", loggingpkg.LogFields{
		"pubsub_system": c.PubSubSystem,
		"blob_store":    c.BlobStore,
		"config":        c,
	})

	tr := deps.Transport
	if tr == nil {
		built, err := transportpkg.Build(ctx, &c, wmLogger)
		if err != nil {
			return nil, err
		}
		tr = &built
	}
	if tr.Capabilities.Known() && !tr.Capabilities.SupportsRedelivery() {
		logger.Warn("Transport does not redeliver abandoned messages", nil, loggingpkg.LogFields{
			"pubsub_system": tr.Capabilities.Name,
		})
	}
	busFactory, err := bus.NewFactory(tr.Publisher, tr.Subscriber, bus.Topics{
		Prefix:  c.QueuePrefix,
		Version: c.DeploymentVersion,
	}, logger)
	if err != nil {
		return nil, err
	}

	store := deps.BlobStore
	if store == nil {
		if store, err = blobstore.Build(ctx, &c, wmLogger); err != nil {
			_ = busFactory.Close()
			return nil, err
		}
	}
	blobs, err := blob.NewRepository(store, c.BlobContainer)
	if err != nil {
		_ = busFactory.Close()
		return nil, err
	}

	m := deps.Metrics
	if m == nil && c.MetricsEnabled {
		m = metrics.New(deps.Registerer)
	}
	if err := m.Register(); err != nil {
		_ = busFactory.Close()
		_ = blobs.Close()
		return nil, err
	}

	registry := deps.Registry
	if registry == nil {
		registry = codec.NewRegistry()
	}

	f := &ChannelFactory{
		deps: &channelDeps{
			conf:      c,
			sessionID: idspkg.NewSessionID(),
			topics:    busFactory.Topics(),
			registry:  registry,
			blobs:     blobs,
			metrics:   m,
			logger:    logger,
		},
		bus:           busFactory,
		gatherer:      prometheus.DefaultGatherer,
		capabilities:  tr.Capabilities,
		responseLoops: make(map[string]*sharedLoop),
	}
	if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
		f.gatherer = g
	}
	logger.Info("Channel factory ready", loggingpkg.LogFields{"session_id": f.deps.sessionID})
	return f, nil
}

// SessionID is the process-wide session id stamped on every channel.
func (f *ChannelFactory) SessionID() string { return f.deps.sessionID }

// Registry is the codec registry shared by the channels.
func (f *ChannelFactory) Registry() *codec.Registry { return f.deps.registry }

// Metrics returns the collectors, or nil when metrics are disabled.
func (f *ChannelFactory) Metrics() *metrics.Metrics { return f.deps.metrics }

// Capabilities describes the transport the channels run on. It is zero for a
// transport passed in FactoryDependencies without capabilities.
func (f *ChannelFactory) Capabilities() transportpkg.Capabilities { return f.capabilities }

// Config returns the effective configuration, defaults applied.
func (f *ChannelFactory) Config() configpkg.Config { return f.deps.conf }

func (f *ChannelFactory) track(ch trackedChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errspkg.ErrChannelClosed
	}
	f.channels = append(f.channels, ch)
	return nil
}

// NewRequestChannel creates a channel sending requests to destinationTopic.
// Responses arrive on the session topic derived from listenTopic.
func (f *ChannelFactory) NewRequestChannel(ctx context.Context, listenTopic, destinationTopic string) (*RequestChannel, error) {
	if listenTopic == "" || destinationTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	loop, release, err := f.acquireResponseLoop(ctx, listenTopic)
	if err != nil {
		return nil, err
	}
	ch, err := newRequestChannel(f.deps, listenTopic, destinationTopic, loop, release)
	if err != nil {
		release()
		return nil, err
	}
	if err := f.track(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// NewServiceChannel creates a channel serving requests sent to listenTopic.
// Register handlers on it, then call StartReceiving.
func (f *ChannelFactory) NewServiceChannel(ctx context.Context, listenTopic string) (*ServiceChannel, error) {
	if listenTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	tr, err := f.bus.CreateRequestTopic(ctx, listenTopic, f.deps.conf.SubscriptionName)
	if err != nil {
		return nil, err
	}
	loop, err := f.deps.newLoop(tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	ch := newServiceChannel(f.deps, listenTopic, loop)
	if err := f.track(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// NewNotifyChannel creates a channel receiving notifications published on
// listenTopic. Register handlers on it, then call StartReceiving.
func (f *ChannelFactory) NewNotifyChannel(ctx context.Context, listenTopic string) (*NotifyChannel, error) {
	if listenTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	tr, err := f.bus.CreateNotifyTopic(ctx, listenTopic, f.deps.conf.SubscriptionName)
	if err != nil {
		return nil, err
	}
	loop, err := f.deps.newLoop(tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	ch := newNotifyChannel(f.deps, listenTopic, loop)
	if err := f.track(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// acquireResponseLoop returns the running response loop for listenTopic,
// creating it on first use. The release function drops the reference and
// closes the loop with the last one.
func (f *ChannelFactory) acquireResponseLoop(ctx context.Context, listenTopic string) (*receiver.Loop, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, errspkg.ErrChannelClosed
	}

	shared, ok := f.responseLoops[listenTopic]
	if !ok {
		tr, err := f.bus.CreateResponseTopic(ctx, listenTopic, f.deps.sessionID)
		if err != nil {
			return nil, nil, err
		}
		loop, err := f.deps.newLoop(tr)
		if err != nil {
			_ = tr.Close()
			return nil, nil, err
		}
		// The loop outlives the call that created it.
		loop.Start(context.WithoutCancel(ctx))
		shared = &sharedLoop{loop: loop}
		f.responseLoops[listenTopic] = shared
	}
	shared.refs++

	release := sync.OnceFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		shared.refs--
		if shared.refs > 0 {
			return
		}
		if f.responseLoops[listenTopic] == shared {
			delete(f.responseLoops, listenTopic)
		}
		_ = shared.loop.Close()
	})
	return shared.loop, release, nil
}

// Close closes every channel built by the factory, then the transport and the
// blob store.
func (f *ChannelFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	channels := f.channels
	f.channels = nil
	f.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		errs = append(errs, ch.Close())
	}

	f.mu.Lock()
	loops := f.responseLoops
	f.responseLoops = make(map[string]*sharedLoop)
	f.mu.Unlock()
	for _, shared := range loops {
		errs = append(errs, shared.loop.Close())
	}

	errs = append(errs, f.bus.Close(), f.deps.blobs.Close())
	f.deps.logger.Info("Channel factory closed", nil)
	return errors.Join(errs...)
}
