// Package blobstore defines the storage contract used to park payloads that are
// too large to travel inline. Each backend (memory, s3, azure, nats, redis, sql)
// lives in its own sub-package and registers itself with the blob store registry.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned by Download and Delete when the blob is absent.
var ErrBlobNotFound = errors.New("blobstore: blob not found")

// Store hands out containers. Container creates the container when the backend
// needs it to exist before blobs can be written.
type Store interface {
	Container(ctx context.Context, name string) (Container, error)
	Close() error
}

// Container groups blobs under a name (a bucket, an object store, a key prefix).
type Container interface {
	Name() string
	BlockBlob(name string) Blob
}

// Blob is a single stored object.
type Blob interface {
	Name() string
	Upload(ctx context.Context, r io.Reader) error
	Download(ctx context.Context, w io.Writer) error
	Delete(ctx context.Context) error
}

// Config provides the configuration values needed by blob store backends.
type Config interface {
	GetBlobStore() string
	GetBlobContainer() string

	// S3 reuses the AWS credentials of the SNS/SQS transport.
	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
	GetS3UsePathStyle() bool

	GetAzureStorageAccount() string
	GetAzureStorageKey() string
	GetAzureBlobEndpoint() string

	GetNATSURL() string

	GetRedisAddress() string
	GetRedisPassword() string
	GetRedisDB() int

	GetBlobSQLDriver() string
	GetBlobSQLDSN() string
}
