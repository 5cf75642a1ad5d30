package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/drblury/rpcflow/internal/runtime/blob"
	"github.com/drblury/rpcflow/internal/runtime/bus"
	"github.com/drblury/rpcflow/internal/runtime/codec"
	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
	"github.com/drblury/rpcflow/internal/runtime/pipeline"
	"github.com/drblury/rpcflow/internal/runtime/receiver"
)

// channelDeps is what every channel built by one factory shares.
type channelDeps struct {
	conf      configpkg.Config
	sessionID string
	topics    bus.Topics
	registry  *codec.Registry
	blobs     *blob.Repository
	metrics   *metrics.Metrics
	logger    loggingpkg.ServiceLogger
}

func (d *channelDeps) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		Registry:         d.registry,
		Blobs:            d.blobs,
		CompressionLevel: d.conf.CompressionLevel,
		SendStep:         d.conf.SendRetryBackoff,
		SendMaxAttempts:  d.conf.SendMaxAttempts,
		Metrics:          d.metrics,
		Logger:           d.logger,
	}
}

func (d *channelDeps) loopOptions() receiver.Options {
	return receiver.Options{
		TransientRetryDelay: d.conf.TransientRetryDelay,
		Logger:              d.logger,
		Metrics:             d.metrics,
	}
}

func (d *channelDeps) responseTimeout() time.Duration {
	return d.conf.ResponseTimeout
}

// newLoop builds a receive loop with a fresh inbound pipeline over tr.
func (d *channelDeps) newLoop(tr bus.Transport) (*receiver.Loop, error) {
	inbound, err := pipeline.NewInbound(d.pipelineOptions())
	if err != nil {
		return nil, err
	}
	return receiver.New(tr, inbound, d.loopOptions())
}

// newOutbound opens a pool of OutboundConnections senders to destination and
// wraps them in the outbound pipeline.
func (d *channelDeps) newOutbound(tr bus.Transport, destination string) (*pipeline.Pipeline, error) {
	size := d.conf.OutboundConnections
	if size <= 0 {
		size = configpkg.DefaultOutboundConnections
	}
	senders := make([]bus.Sender, 0, size)
	for i := 0; i < size; i++ {
		sender, err := tr.CreateSender(destination, d.sessionID)
		if err != nil {
			for _, s := range senders {
				_ = s.Close()
			}
			return nil, err
		}
		senders = append(senders, sender)
	}
	return pipeline.NewOutbound(destination, senders, d.pipelineOptions())
}

// outboundCache lazily creates one outbound pipeline per destination topic and
// keeps it for the lifetime of its channel.
type outboundCache struct {
	mu    sync.Mutex
	pipes map[string]*pipeline.Pipeline
	build func(destination string) (*pipeline.Pipeline, error)
}

func newOutboundCache(build func(destination string) (*pipeline.Pipeline, error)) *outboundCache {
	return &outboundCache{pipes: make(map[string]*pipeline.Pipeline), build: build}
}

func (c *outboundCache) get(destination string) (*pipeline.Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipes[destination]; ok {
		return p, nil
	}
	p, err := c.build(destination)
	if err != nil {
		return nil, err
	}
	c.pipes[destination] = p
	return p, nil
}

func (c *outboundCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for dest, p := range c.pipes {
		errs = append(errs, p.Close())
		delete(c.pipes, dest)
	}
	return errors.Join(errs...)
}
