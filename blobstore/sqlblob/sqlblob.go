// Package sqlblob stores overflow payloads in a SQL table. SQLite and
// PostgreSQL are supported.
package sqlblob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/rpcflow/blobstore"
)

// StoreName is the name used to register this backend.
const StoreName = "sql"

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const tableName = "rpcflow_blobs"

func init() {
	blobstore.Register(StoreName, Build)
}

// Build opens the configured database and makes sure the blob table exists.
func Build(ctx context.Context, cfg blobstore.Config, logger watermill.LoggerAdapter) (blobstore.Store, error) {
	driver := cfg.GetBlobSQLDriver()
	db, err := sql.Open(driver, cfg.GetBlobSQLDSN())
	if err != nil {
		return nil, fmt.Errorf("sql blob store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		logger.Error("Failed to initialise SQL blob store", err, watermill.LogFields{"driver": driver})
		return nil, err
	}
	logger.Info("Created SQL blob store", watermill.LogFields{"driver": driver, "table": tableName})
	return store, nil
}

// Store keeps every container in one table keyed by (container, name).
type Store struct {
	db     *sql.DB
	driver string
}

// New creates the blob table if needed. The store takes ownership of db.
func New(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("sql blob store: unsupported driver %q", driver)
	}
	s := &Store{db: db, driver: driver}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("sql blob store: schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	dataType := "BLOB"
	if s.driver == DriverPostgres {
		dataType = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		container TEXT NOT NULL,
		name TEXT NOT NULL,
		data %s NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (container, name)
	)`, tableName, dataType))
	return err
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Container(ctx context.Context, name string) (blobstore.Container, error) {
	return &container{store: s, name: name}, nil
}

func (s *Store) Close() error { return s.db.Close() }

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
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO `+tableName+` (container, name, data) VALUES (?, ?, ?)
		ON CONFLICT (container, name) DO UPDATE SET data = excluded.data`),
		b.container.name, b.name, data)
	if err != nil {
		return fmt.Errorf("sql blob store: insert %s/%s: %w", b.container.name, b.name, err)
	}
	return nil
}

func (b *blob) Download(ctx context.Context, w io.Writer) error {
	s := b.container.store
	var data []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM `+tableName+` WHERE container = ? AND name = ?`),
		b.container.name, b.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return blobstore.ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("sql blob store: select %s/%s: %w", b.container.name, b.name, err)
	}
	_, err = w.Write(data)
	return err
}

func (b *blob) Delete(ctx context.Context) error {
	s := b.container.store
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+tableName+` WHERE container = ? AND name = ?`),
		b.container.name, b.name)
	if err != nil {
		return fmt.Errorf("sql blob store: delete %s/%s: %w", b.container.name, b.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return blobstore.ErrBlobNotFound
	}
	return nil
}
