package blobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Builder creates a Store from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error)

// Registry maps backend names to their builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global blob store registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a backend. The name should match the BlobStore config value.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates the store selected by cfg.GetBlobStore().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	name := cfg.GetBlobStore()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown blob store: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a backend is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a backend to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a store using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
