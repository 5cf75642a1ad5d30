// Package blob caches the containers used by the overflow stages.
package blob

import (
	"context"
	"strings"
	"sync"

	"github.com/drblury/rpcflow/blobstore"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
)

// Repository resolves containers by name and caches them. Names are compared
// case-insensitively; the cache key is the lower-cased name.
type Repository struct {
	store          blobstore.Store
	storeContainer string

	mu    sync.Mutex
	cache map[string]blobstore.Container
}

// NewRepository wraps store. storeContainer names the container new overflow
// blobs are written to.
func NewRepository(store blobstore.Store, storeContainer string) (*Repository, error) {
	if store == nil {
		return nil, errspkg.ErrBlobStoreRequired
	}
	return &Repository{
		store:          store,
		storeContainer: strings.ToLower(storeContainer),
		cache:          make(map[string]blobstore.Container),
	}, nil
}

// ContainerNameForStoring is the container outbound overflow blobs go to.
func (r *Repository) ContainerNameForStoring() string {
	return r.storeContainer
}

// ContainerForStoring returns the container outbound overflow blobs go to.
func (r *Repository) ContainerForStoring(ctx context.Context) (blobstore.Container, error) {
	return r.Container(ctx, r.storeContainer)
}

// Container returns the named container, creating it on first use.
func (r *Repository) Container(ctx context.Context, name string) (blobstore.Container, error) {
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[key]; ok {
		return c, nil
	}
	c, err := r.store.Container(ctx, key)
	if err != nil {
		return nil, err
	}
	r.cache[key] = c
	return c, nil
}

// Close releases the underlying store.
func (r *Repository) Close() error {
	return r.store.Close()
}
