// Package dolt implements the storage interface on a Dolt database.
//
// Two access modes:
//   - Embedded via github.com/dolthub/driver (no server required, needs CGO)
//   - Server mode via the MySQL wire protocol against a running dolt
//     sql-server
//
// Both modes share the same document table and SQL; only the open path
// differs.
package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flowcanon/flowcanon/internal/storage"
)

// Config controls how the Dolt store is opened.
type Config struct {
	Path string // Embedded: directory holding the dolt database

	ServerMode bool   // Connect to a dolt sql-server instead of embedded
	ServerHost string // default 127.0.0.1
	ServerPort int    // default 3306
	ServerUser string // default root
	Database   string // default flowcanon
}

func (c *Config) applyDefaults() {
	if c.ServerHost == "" {
		c.ServerHost = "127.0.0.1"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 3306
	}
	if c.ServerUser == "" {
		c.ServerUser = "root"
	}
	if c.Database == "" {
		c.Database = "flowcanon"
	}
}

// DoltStore implements storage.Store over a Dolt database.
type DoltStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// New opens a Dolt store per the config.
func New(ctx context.Context, cfg *Config) (*DoltStore, error) {
	cfg.applyDefaults()
	if cfg.ServerMode {
		return newServerMode(ctx, cfg)
	}
	return newEmbeddedMode(ctx, cfg)
}

func newServerMode(ctx context.Context, cfg *Config) (*DoltStore, error) {
	connStr := fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=false",
		cfg.ServerUser, cfg.ServerHost, cfg.ServerPort, cfg.Database)
	db, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open dolt server connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: dolt server unreachable: %v", storage.ErrUnavailable, err)
	}
	s := &DoltStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DoltStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Get returns the document with the given id, or storage.ErrNotFound.
func (s *DoltStore) Get(ctx context.Context, set, id string) (*storage.Doc, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, updated_at, body FROM docs WHERE set_name = ? AND id = ?`, set, id)
	doc := &storage.Doc{ID: id}
	var updatedAt string
	if err := row.Scan(&doc.Seq, &updatedAt, (*[]byte)(&doc.Body)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", set, id, err)
	}
	doc.UpdatedAt = parseTime(updatedAt)
	return doc, nil
}

// Upsert inserts or replaces the document with a fresh sequence number.
func (s *DoltStore) Upsert(ctx context.Context, set, id string, body json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", set, id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM docs WHERE set_name = ? AND id = ?`, set, id); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", set, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO docs (set_name, id, updated_at, body) VALUES (?, ?, ?, ?)`,
		set, id, time.Now().UTC().Format(time.RFC3339Nano), []byte(body)); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", set, id, err)
	}
	return tx.Commit()
}

// Delete removes the document. Deleting a missing document is a no-op.
func (s *DoltStore) Delete(ctx context.Context, set, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM docs WHERE set_name = ? AND id = ?`, set, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", set, id, err)
	}
	return nil
}

// Page returns the pageNumber-th page (1-based) in sequence order.
func (s *DoltStore) Page(ctx context.Context, set string, pageNumber, pageSize int) ([]*storage.Doc, error) {
	if pageNumber < 1 || pageSize < 1 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, updated_at, body FROM docs
		 WHERE set_name = ? ORDER BY seq LIMIT ? OFFSET ?`,
		set, pageSize, (pageNumber-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", set, err)
	}
	defer rows.Close()

	var out []*storage.Doc
	for rows.Next() {
		doc := &storage.Doc{}
		var updatedAt string
		if err := rows.Scan(&doc.ID, &doc.Seq, &updatedAt, (*[]byte)(&doc.Body)); err != nil {
			return nil, fmt.Errorf("page %s: %w", set, err)
		}
		doc.UpdatedAt = parseTime(updatedAt)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Count returns the number of documents in the set.
func (s *DoltStore) Count(ctx context.Context, set string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM docs WHERE set_name = ?`, set).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", set, err)
	}
	return n, nil
}

// Close closes the underlying database. Safe to call more than once.
func (s *DoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// schema creates the shared document table in MySQL dialect.
const schema = `
CREATE TABLE IF NOT EXISTS docs (
    seq        BIGINT NOT NULL AUTO_INCREMENT,
    set_name   VARCHAR(512) NOT NULL,
    id         VARCHAR(512) NOT NULL,
    updated_at VARCHAR(64) NOT NULL,
    body       LONGBLOB NOT NULL,
    PRIMARY KEY (seq),
    UNIQUE KEY uniq_docs_set_id (set_name, id),
    KEY idx_docs_set_seq (set_name, seq)
)
`
