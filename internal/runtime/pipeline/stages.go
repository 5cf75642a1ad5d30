package pipeline

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/drblury/rpcflow/blobstore"
	"github.com/drblury/rpcflow/internal/runtime/blob"
	"github.com/drblury/rpcflow/internal/runtime/codec"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/metrics"
)

// Payloads strictly larger than these sizes are compressed and overflowed.
const (
	CompressThreshold = 4096
	OverflowThreshold = 65535
)

// SerializeStage encodes the typed body and records its type tag.
type SerializeStage struct {
	Registry *codec.Registry
}

func (s SerializeStage) Execute(ctx context.Context, env *envelope.Envelope) error {
	contentType, data, err := s.Registry.Marshal(env.Body)
	if err != nil {
		return err
	}
	env.ContentType = contentType
	env.SetPayload(data)
	return nil
}

// DeserializeStage decodes the payload into the type registered for its tag.
type DeserializeStage struct {
	Registry *codec.Registry
}

func (s DeserializeStage) Execute(ctx context.Context, env *envelope.Envelope) error {
	body, err := s.Registry.Unmarshal(env.ContentType, env.Payload)
	if err != nil {
		return err
	}
	env.SetBody(body)
	return nil
}

// CompressStage deflates payloads above CompressThreshold.
type CompressStage struct {
	Level   int
	Topic   string
	Metrics *metrics.Metrics
}

func (s CompressStage) Execute(ctx context.Context, env *envelope.Envelope) error {
	if len(env.Payload) <= CompressThreshold {
		return nil
	}
	level := s.Level
	if level == 0 {
		level = flate.DefaultCompression
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return err
	}
	if _, err := w.Write(env.Payload); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	env.SetPayload(buf.Bytes())
	env.Properties[metadatapkg.KeyCompress] = metadatapkg.CompressDeflate
	s.Metrics.RecordCompressed(s.Topic)
	return nil
}

// DecompressStage inflates payloads marked by CompressStage.
type DecompressStage struct{}

func (DecompressStage) Execute(ctx context.Context, env *envelope.Envelope) error {
	scheme, ok := env.Properties[metadatapkg.KeyCompress]
	if !ok {
		return nil
	}
	if scheme != metadatapkg.CompressDeflate {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownCompression, scheme)
	}
	r := flate.NewReader(bytes.NewReader(env.Payload))
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("inflate payload of message %s: %w", env.MessageID, err)
	}
	env.SetPayload(data)
	return nil
}

// OverflowPutStage moves payloads above OverflowThreshold to blob storage.
type OverflowPutStage struct {
	Blobs   *blob.Repository
	Topic   string
	Metrics *metrics.Metrics
	Logger  loggingpkg.ServiceLogger
}

func (s OverflowPutStage) Execute(ctx context.Context, env *envelope.Envelope) error {
	if len(env.Payload) <= OverflowThreshold {
		return nil
	}
	container, err := s.Blobs.ContainerForStoring(ctx)
	if err != nil {
		return err
	}
	name := idspkg.NewBlobName()
	size := len(env.Payload)
	if err := container.BlockBlob(name).Upload(ctx, bytes.NewReader(env.Payload)); err != nil {
		return fmt.Errorf("upload overflow blob %s: %w", name, err)
	}

	env.SetPayload(nil)
	env.Properties.SetFlag(metadatapkg.KeyOverflow)
	env.Properties[metadatapkg.KeyOverflowBlobName] = name
	env.Properties[metadatapkg.KeyOverflowContainer] = container.Name()
	s.Metrics.RecordOverflowed(s.Topic)
	if s.Logger != nil {
		s.Logger.Debug("Payload moved to blob storage", loggingpkg.LogFields{
			loggingpkg.FieldMessageID: env.MessageID,
			"blob":                    name,
			"size":                    size,
		})
	}
	return nil
}

// OverflowGetStage downloads an overflowed payload and deletes the blob. The
// blob is single-use, so a redelivered message fails with ErrOverflowBlobMissing.
type OverflowGetStage struct {
	Blobs *blob.Repository
}

func (s OverflowGetStage) Execute(ctx context.Context, env *envelope.Envelope) error {
	if !env.Properties.Flag(metadatapkg.KeyOverflow) {
		return nil
	}
	name := env.Properties[metadatapkg.KeyOverflowBlobName]
	container, err := s.Blobs.Container(ctx, env.Properties[metadatapkg.KeyOverflowContainer])
	if err != nil {
		return err
	}

	ref := container.BlockBlob(name)
	var buf bytes.Buffer
	if err := ref.Download(ctx, &buf); err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return fmt.Errorf("%w: %s/%s", errspkg.ErrOverflowBlobMissing, container.Name(), name)
		}
		return fmt.Errorf("download overflow blob %s: %w", name, err)
	}
	if err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("delete overflow blob %s: %w", name, err)
	}
	env.SetPayload(buf.Bytes())
	return nil
}
