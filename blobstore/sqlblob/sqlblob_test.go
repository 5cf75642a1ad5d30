package sqlblob

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/blobstore"
	"github.com/drblury/rpcflow/blobstore/blobstoretest"
	"github.com/drblury/rpcflow/internal/runtime/config"
)

func newSQLiteStore(t *testing.T) blobstore.Store {
	t.Helper()
	store, err := Build(context.Background(), &config.Config{
		BlobStore:     StoreName,
		BlobSQLDriver: DriverSQLite,
		BlobSQLDSN:    ":memory:",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreConformance(t *testing.T) {
	blobstoretest.Run(t, newSQLiteStore(t))
}

func TestSQLiteUploadOverwrites(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	container, err := store.Container(ctx, "overflow")
	require.NoError(t, err)
	blob := container.BlockBlob("same")

	require.NoError(t, blob.Upload(ctx, bytes.NewReader([]byte("first"))))
	require.NoError(t, blob.Upload(ctx, bytes.NewReader([]byte("second"))))

	var out bytes.Buffer
	require.NoError(t, blob.Download(ctx, &out))
	assert.Equal(t, "second", out.String())
}

func TestSQLiteDeleteMissing(t *testing.T) {
	container, err := newSQLiteStore(t).Container(context.Background(), "overflow")
	require.NoError(t, err)
	assert.ErrorIs(t, container.BlockBlob("missing").Delete(context.Background()), blobstore.ErrBlobNotFound)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	lite := &Store{driver: DriverSQLite}
	query := "SELECT data FROM t WHERE container = ? AND name = ?"

	assert.Equal(t, "SELECT data FROM t WHERE container = $1 AND name = $2", pg.rebind(query))
	assert.Equal(t, query, lite.rebind(query))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	db, err := sql.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(context.Background(), db, "mysql")
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestSQLRegistered(t *testing.T) {
	assert.True(t, blobstore.DefaultRegistry.Has(StoreName))
}
