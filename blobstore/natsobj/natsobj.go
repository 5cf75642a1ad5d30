// Package natsobj stores overflow payloads in a NATS JetStream object store.
// Each container is one object store bucket.
package natsobj

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/rpcflow/blobstore"
)

// StoreName is the name used to register this backend.
const StoreName = "nats"

func init() {
	blobstore.Register(StoreName, Build)
}

// Build connects to NATS and returns a store bound to its JetStream context.
func Build(ctx context.Context, cfg blobstore.Config, logger watermill.LoggerAdapter) (blobstore.Store, error) {
	conn, err := nats.Connect(cfg.GetNATSURL(), nats.Name("rpcflow-blobstore"))
	if err != nil {
		logger.Error("Failed to connect to NATS for blob store", err, watermill.LogFields{})
		return nil, fmt.Errorf("nats blob store: connect: %w", err)
	}
	js, err := conn.JetStream(nats.Context(ctx))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats blob store: jetstream: %w", err)
	}
	logger.Info("Created NATS object blob store", watermill.LogFields{"servers": conn.Servers()})
	return New(js, conn.Close), nil
}

// Store maps containers onto object store buckets.
type Store struct {
	manager nats.ObjectStoreManager
	closeFn func()
}

// New wraps an object store manager. closeFn, if not nil, runs on Close.
func New(manager nats.ObjectStoreManager, closeFn func()) *Store {
	return &Store{manager: manager, closeFn: closeFn}
}

// Container binds to the bucket called name, creating it on first use.
func (s *Store) Container(ctx context.Context, name string) (blobstore.Container, error) {
	obs, err := s.manager.ObjectStore(name)
	if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrBucketNotFound) {
		obs, err = s.manager.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      name,
			Description: "rpcflow overflow payloads",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("nats blob store: bucket %q: %w", name, err)
	}
	return &container{obs: obs, name: name}, nil
}

func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

type container struct {
	obs  nats.ObjectStore
	name string
}

func (c *container) Name() string { return c.name }

func (c *container) BlockBlob(name string) blobstore.Blob {
	return &object{obs: c.obs, name: name}
}

type object struct {
	obs  nats.ObjectStore
	name string
}

func (o *object) Name() string { return o.name }

func (o *object) Upload(ctx context.Context, r io.Reader) error {
	if _, err := o.obs.Put(&nats.ObjectMeta{Name: o.name}, r, nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats blob store: put %s: %w", o.name, err)
	}
	return nil
}

func (o *object) Download(ctx context.Context, w io.Writer) error {
	result, err := o.obs.Get(o.name, nats.Context(ctx))
	if err != nil {
		return translate(err, "get", o.name)
	}
	defer func() { _ = result.Close() }()
	_, err = io.Copy(w, result)
	return err
}

func (o *object) Delete(ctx context.Context) error {
	if err := o.obs.Delete(o.name); err != nil {
		return translate(err, "delete", o.name)
	}
	return nil
}

func translate(err error, op, name string) error {
	if errors.Is(err, nats.ErrObjectNotFound) {
		return blobstore.ErrBlobNotFound
	}
	return fmt.Errorf("nats blob store: %s %s: %w", op, name, err)
}
