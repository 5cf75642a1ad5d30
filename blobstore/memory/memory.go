// Package memory provides an in-process blob store. It is the default overflow
// backend and the one used in tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/rpcflow/blobstore"
)

// StoreName is the name used to register this backend.
const StoreName = "memory"

func init() {
	blobstore.Register(StoreName, Build)
}

// Build returns a fresh, empty store.
func Build(ctx context.Context, cfg blobstore.Config, logger watermill.LoggerAdapter) (blobstore.Store, error) {
	return New(), nil
}

// Store keeps blobs in maps keyed by container and blob name.
type Store struct {
	mu         sync.RWMutex
	containers map[string]map[string][]byte
}

// New creates an empty store.
func New() *Store {
	return &Store{containers: make(map[string]map[string][]byte)}
}

func (s *Store) Container(ctx context.Context, name string) (blobstore.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; !ok {
		s.containers[name] = make(map[string][]byte)
	}
	return &container{store: s, name: name}, nil
}

func (s *Store) Close() error { return nil }

// Len returns the number of blobs held in the named container.
func (s *Store) Len(containerName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.containers[containerName])
}

type container struct {
	store *Store
	name  string
}

func (c *container) Name() string { return c.name }

func (c *container) BlockBlob(name string) blobstore.Blob {
	return &blob{container: c, name: name}
}

type blob struct {
	container *container
	name      string
}

func (b *blob) Name() string { return b.name }

func (b *blob) Upload(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s := b.container.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[b.container.name][b.name] = data
	return nil
}

func (b *blob) Download(ctx context.Context, w io.Writer) error {
	s := b.container.store
	s.mu.RLock()
	data, ok := s.containers[b.container.name][b.name]
	s.mu.RUnlock()
	if !ok {
		return blobstore.ErrBlobNotFound
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (b *blob) Delete(ctx context.Context) error {
	s := b.container.store
	s.mu.Lock()
	defer s.mu.Unlock()
	blobs := s.containers[b.container.name]
	if _, ok := blobs[b.name]; !ok {
		return blobstore.ErrBlobNotFound
	}
	delete(blobs, b.name)
	return nil
}
