// Package storage provides the set-oriented document store the pipeline
// workers run against.
//
// The concrete implementations live in the memory, sqlite, and dolt
// sub-packages. This package holds the interface and value types referenced
// by both the backends and their consumers, plus the generic typed helpers
// that marshal entities in and out of raw documents.
//
// A store holds named sets. Each set is an ordered collection of JSON
// documents keyed by id. There are no cross-set transactions: per-record
// upsert and delete are the only mutations, and the workers are written so
// that every multi-step transition is idempotent under re-processing.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned for transient backend failures. Callers retry
// the record or task on the next tick.
var ErrUnavailable = errors.New("storage unavailable")

// ErrBackend is returned for permanent backend failures. The record is
// logged and skipped for the current iteration.
var ErrBackend = errors.New("backend error")

// Doc is a stored document. Seq is assigned by the backend and increases on
// every upsert, so paging in Seq order yields a stable scan by
// insertion/update time.
type Doc struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	UpdatedAt time.Time       `json:"updated_at"`
	Body      json.RawMessage `json:"body"`
}

// Store is the interface satisfied by every backend.
//
// Guarantees the pipeline relies on:
//   - Read-your-writes within a single worker for the same key.
//   - Upsert is idempotent by (set, id); last writer wins on contention.
//   - Page ordering is stable across calls while the set is unchanged.
//
// Delete of a missing document is a no-op: the workers' compensating
// re-processing depends on it.
type Store interface {
	Get(ctx context.Context, set, id string) (*Doc, error)
	Upsert(ctx context.Context, set, id string, body json.RawMessage) error
	Delete(ctx context.Context, set, id string) error
	// Page returns the pageNumber-th page (1-based) of the set in Seq order.
	Page(ctx context.Context, set string, pageNumber, pageSize int) ([]*Doc, error)
	Count(ctx context.Context, set string) (int, error)
	Close() error
}

// FirstPage is shorthand for Page(1, pageSize).
func FirstPage(ctx context.Context, s Store, set string, pageSize int) ([]*Doc, error) {
	return s.Page(ctx, set, 1, pageSize)
}

// Get fetches and unmarshals a single document.
func Get[T any](ctx context.Context, s Store, set, id string) (*T, error) {
	doc, err := s.Get(ctx, set, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s/%s: %v", ErrBackend, set, id, err)
	}
	return &v, nil
}

// Upsert marshals and stores a single entity under the given id.
func Upsert[T any](ctx context.Context, s Store, set, id string, v *T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %s/%s: %v", ErrBackend, set, id, err)
	}
	return s.Upsert(ctx, set, id, body)
}

// PageOf fetches a page and unmarshals every document into T, preserving
// scan order.
func PageOf[T any](ctx context.Context, s Store, set string, pageNumber, pageSize int) ([]*T, error) {
	docs, err := s.Page(ctx, set, pageNumber, pageSize)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc.Body, &v); err != nil {
			return nil, fmt.Errorf("%w: unmarshal %s/%s: %v", ErrBackend, set, doc.ID, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// IsTransient reports whether err should be retried on the next tick rather
// than surfaced as a policy decision.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
