// Package azure stores overflow payloads as block blobs in an Azure Storage
// account.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/rpcflow/blobstore"
)

// StoreName is the name used to register this backend.
const StoreName = "azure"

// PipelineFactory allows overriding the request pipeline for testing.
var PipelineFactory = func(cred azblob.Credential) pipeline.Pipeline {
	return azblob.NewPipeline(cred, azblob.PipelineOptions{})
}

func init() {
	blobstore.Register(StoreName, Build)
}

// Build creates a store for the configured storage account.
func Build(ctx context.Context, cfg blobstore.Config, logger watermill.LoggerAdapter) (blobstore.Store, error) {
	account, key := cfg.GetAzureStorageAccount(), cfg.GetAzureStorageKey()
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		logger.Error("Invalid Azure storage credentials", err, watermill.LogFields{"account": account})
		return nil, fmt.Errorf("azure: credentials: %w", err)
	}

	endpoint := cfg.GetAzureBlobEndpoint()
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	serviceURL, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("azure: parse endpoint: %w", err)
	}

	logger.Info("Created Azure blob store", watermill.LogFields{
		"account":         account,
		"custom_endpoint": cfg.GetAzureBlobEndpoint() != "",
	})
	return &Store{service: azblob.NewServiceURL(*serviceURL, PipelineFactory(cred))}, nil
}

// Store hands out containers of one storage account.
type Store struct {
	service azblob.ServiceURL
}

// Container returns the named container, creating it if needed.
func (s *Store) Container(ctx context.Context, name string) (blobstore.Container, error) {
	containerURL := s.service.NewContainerURL(name)
	_, err := containerURL.Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone)
	if err != nil && serviceCode(err) != azblob.ServiceCodeContainerAlreadyExists {
		return nil, fmt.Errorf("azure: create container %q: %w", name, err)
	}
	return &container{url: containerURL, name: name}, nil
}

func (s *Store) Close() error { return nil }

type container struct {
	url  azblob.ContainerURL
	name string
}

func (c *container) Name() string { return c.name }

func (c *container) BlockBlob(name string) blobstore.Blob {
	return &blob{url: c.url.NewBlockBlobURL(name), name: name}
}

type blob struct {
	url  azblob.BlockBlobURL
	name string
}

func (b *blob) Name() string { return b.name }

func (b *blob) Upload(ctx context.Context, r io.Reader) error {
	if _, err := azblob.UploadStreamToBlockBlob(ctx, r, b.url, azblob.UploadStreamToBlockBlobOptions{}); err != nil {
		return fmt.Errorf("azure: upload %s: %w", b.name, err)
	}
	return nil
}

func (b *blob) Download(ctx context.Context, w io.Writer) error {
	resp, err := b.url.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return translate(err, "download", b.name)
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer func() { _ = body.Close() }()
	_, err = io.Copy(w, body)
	return err
}

func (b *blob) Delete(ctx context.Context) error {
	if _, err := b.url.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
		return translate(err, "delete", b.name)
	}
	return nil
}

func serviceCode(err error) azblob.ServiceCodeType {
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.ServiceCode()
	}
	return ""
}

func translate(err error, op, name string) error {
	if serviceCode(err) == azblob.ServiceCodeBlobNotFound {
		return blobstore.ErrBlobNotFound
	}
	return fmt.Errorf("azure: %s %s: %w", op, name, err)
}
