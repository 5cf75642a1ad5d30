// Package blobstoretest holds the behaviour every blob store backend must share.
package blobstoretest

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/blobstore"
)

// Run exercises upload, download and delete against store.
func Run(t *testing.T, store blobstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("upload download delete", func(t *testing.T) {
		container, err := store.Container(ctx, "overflow")
		require.NoError(t, err)
		assert.Equal(t, "overflow", container.Name())

		payload := bytes.Repeat([]byte("rpcflow"), 20000)
		blob := container.BlockBlob("blob-1")
		assert.Equal(t, "blob-1", blob.Name())
		require.NoError(t, blob.Upload(ctx, bytes.NewReader(payload)))

		var out bytes.Buffer
		require.NoError(t, blob.Download(ctx, &out))
		assert.Equal(t, payload, out.Bytes())

		require.NoError(t, blob.Delete(ctx))
		assert.ErrorIs(t, blob.Download(ctx, &bytes.Buffer{}), blobstore.ErrBlobNotFound)
	})

	t.Run("missing blob", func(t *testing.T) {
		container, err := store.Container(ctx, "overflow")
		require.NoError(t, err)

		blob := container.BlockBlob("never-written")
		assert.ErrorIs(t, blob.Download(ctx, &bytes.Buffer{}), blobstore.ErrBlobNotFound)
	})

	t.Run("containers are isolated", func(t *testing.T) {
		first, err := store.Container(ctx, "first")
		require.NoError(t, err)
		second, err := store.Container(ctx, "second")
		require.NoError(t, err)

		require.NoError(t, first.BlockBlob("shared-name").Upload(ctx, bytes.NewReader([]byte("one"))))
		assert.ErrorIs(t, second.BlockBlob("shared-name").Download(ctx, &bytes.Buffer{}), blobstore.ErrBlobNotFound)
	})
}
