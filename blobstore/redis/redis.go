// Package redis stores overflow payloads as plain Redis string values keyed
// by "<container>/<blob>".
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/rpcflow/blobstore"
)

// StoreName is the name used to register this backend.
const StoreName = "redis"

// DefaultTTL bounds how long an overflow payload survives when the receiver
// never deletes it.
const DefaultTTL = 24 * time.Hour

func init() {
	blobstore.Register(StoreName, Build)
}

// Build connects to the configured Redis server and checks it answers.
func Build(ctx context.Context, cfg blobstore.Config, logger watermill.LoggerAdapter) (blobstore.Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.GetRedisAddress(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Error("Failed to reach Redis for blob store", err, watermill.LogFields{"addr": cfg.GetRedisAddress()})
		return nil, fmt.Errorf("redis blob store: ping: %w", err)
	}

	logger.Info("Created Redis blob store", watermill.LogFields{"addr": cfg.GetRedisAddress(), "db": cfg.GetRedisDB()})
	return New(client, DefaultTTL), nil
}

// Store keeps blobs in one Redis database.
type Store struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// New wraps client. A ttl of zero keeps blobs until they are deleted.
func New(client goredis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) Container(ctx context.Context, name string) (blobstore.Container, error) {
	return &container{store: s, name: name}, nil
}

func (s *Store) Close() error { return s.client.Close() }

type container struct {
	store *Store
	name  string
}

func (c *container) Name() string { return c.name }

func (c *container) BlockBlob(name string) blobstore.Blob {
	return &blob{store: c.store, key: c.name + "/" + name, name: name}
}

type blob struct {
	store *Store
	key   string
	name  string
}

func (b *blob) Name() string { return b.name }

func (b *blob) Upload(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := b.store.client.Set(ctx, b.key, data, b.store.ttl).Err(); err != nil {
		return fmt.Errorf("redis blob store: set %s: %w", b.key, err)
	}
	return nil
}

func (b *blob) Download(ctx context.Context, w io.Writer) error {
	data, err := b.store.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return blobstore.ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("redis blob store: get %s: %w", b.key, err)
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

func (b *blob) Delete(ctx context.Context) error {
	n, err := b.store.client.Del(ctx, b.key).Result()
	if err != nil {
		return fmt.Errorf("redis blob store: del %s: %w", b.key, err)
	}
	if n == 0 {
		return blobstore.ErrBlobNotFound
	}
	return nil
}
