// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/flowcanon/flowcanon/internal/storage"
)

// SQLiteStore implements the storage.Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the embedded SQLite
// engine compiles once per machine instead of once per process start.
// Falls back to an in-memory cache if the filesystem cache cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "flowcanon", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New creates a SQLite-backed store at the given path. ":memory:" opens a
// shared in-memory database.
func New(ctx context.Context, path string) (*SQLiteStore, error) {
	var connStr string
	switch {
	case path == ":memory:":
		// Shared cache so multiple connections see the same data. WAL does
		// not work with shared in-memory databases, so use DELETE mode.
		connStr = "file:flowcanon?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(30000)"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=busy_timeout") {
			connStr += "&_pragma=busy_timeout(30000)"
		}
	default:
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Get returns the document with the given id, or storage.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, set, id string) (*storage.Doc, error) {
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

// Upsert inserts or replaces the document. The delete-then-insert pair runs
// in one transaction so the replacement document always gets a fresh,
// monotonically larger sequence number.
func (s *SQLiteStore) Upsert(ctx context.Context, set, id string, body json.RawMessage) error {
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
func (s *SQLiteStore) Delete(ctx context.Context, set, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM docs WHERE set_name = ? AND id = ?`, set, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", set, id, err)
	}
	return nil
}

// Page returns the pageNumber-th page (1-based) in sequence order.
func (s *SQLiteStore) Page(ctx context.Context, set string, pageNumber, pageSize int) ([]*storage.Doc, error) {
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
func (s *SQLiteStore) Count(ctx context.Context, set string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM docs WHERE set_name = ?`, set).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", set, err)
	}
	return n, nil
}

// Close closes the underlying database. Safe to call more than once.
func (s *SQLiteStore) Close() error {
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
