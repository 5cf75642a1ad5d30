package pipeline

import (
	"time"

	"github.com/drblury/rpcflow/internal/runtime/blob"
	"github.com/drblury/rpcflow/internal/runtime/bus"
	"github.com/drblury/rpcflow/internal/runtime/codec"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
)

// Options carries what the standard stages are built from.
type Options struct {
	Registry         *codec.Registry
	Blobs            *blob.Repository
	CompressionLevel int
	SendStep         time.Duration
	SendMaxAttempts  int
	Metrics          *metrics.Metrics
	Logger           loggingpkg.ServiceLogger
}

// NewOutbound builds Serialize, Compress, Overflow-Put and Send for one
// destination topic over the given sender pool.
func NewOutbound(topic string, senders []bus.Sender, opts Options) (*Pipeline, error) {
	if opts.Registry == nil {
		opts.Registry = codec.NewRegistry()
	}
	if opts.Blobs == nil {
		return nil, errspkg.ErrBlobStoreRequired
	}
	send, err := NewSendStage(senders, SenderConfig{
		Topic:       topic,
		Step:        opts.SendStep,
		MaxAttempts: opts.SendMaxAttempts,
		Metrics:     opts.Metrics,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return New("outbound "+topic, opts.Logger,
		SerializeStage{Registry: opts.Registry},
		CompressStage{Level: opts.CompressionLevel, Topic: topic, Metrics: opts.Metrics},
		OverflowPutStage{Blobs: opts.Blobs, Topic: topic, Metrics: opts.Metrics, Logger: opts.Logger},
		send,
	), nil
}

// NewInbound builds Overflow-Get, Decompress and Deserialize.
func NewInbound(opts Options) (*Pipeline, error) {
	if opts.Registry == nil {
		opts.Registry = codec.NewRegistry()
	}
	if opts.Blobs == nil {
		return nil, errspkg.ErrBlobStoreRequired
	}
	return New("inbound", opts.Logger,
		OverflowGetStage{Blobs: opts.Blobs},
		DecompressStage{},
		DeserializeStage{Registry: opts.Registry},
	), nil
}
