// Package memory implements the storage interface with in-process maps.
// It backs tests and the dev-mode pipeline; semantics match the durable
// backends (Seq-ordered paging, last-writer-wins upsert).
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/flowcanon/flowcanon/internal/storage"
)

type entry struct {
	id        string
	seq       int64
	updatedAt time.Time
	body      json.RawMessage
}

// MemoryStore is a mutex-guarded, set-partitioned document store.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]*entry
	seq  int64
	now  func() time.Time
}

// New creates an empty in-memory store.
func New() *MemoryStore {
	return &MemoryStore{
		sets: make(map[string]map[string]*entry),
		now:  time.Now,
	}
}

// SetClock overrides the clock (for tests).
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get returns the document with the given id, or storage.ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, set, id string) (*storage.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sets[set][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return docOf(e), nil
}

// Upsert inserts or replaces the document, advancing its sequence number.
func (m *MemoryStore) Upsert(_ context.Context, set, id string, body json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]*entry)
		m.sets[set] = s
	}
	m.seq++
	s[id] = &entry{
		id:        id,
		seq:       m.seq,
		updatedAt: m.now(),
		body:      append(json.RawMessage(nil), body...),
	}
	return nil
}

// Delete removes the document. Deleting a missing document is a no-op.
func (m *MemoryStore) Delete(_ context.Context, set, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[set], id)
	return nil
}

// Page returns the pageNumber-th page (1-based) in sequence order.
func (m *MemoryStore) Page(_ context.Context, set string, pageNumber, pageSize int) ([]*storage.Doc, error) {
	if pageNumber < 1 || pageSize < 1 {
		return nil, nil
	}
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sets[set]))
	for _, e := range m.sets[set] {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	start := (pageNumber - 1) * pageSize
	if start >= len(entries) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]*storage.Doc, 0, end-start)
	for _, e := range entries[start:end] {
		out = append(out, docOf(e))
	}
	return out, nil
}

// Count returns the number of documents in the set.
func (m *MemoryStore) Count(_ context.Context, set string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets[set]), nil
}

// Close releases nothing; the store is garbage collected.
func (m *MemoryStore) Close() error { return nil }

func docOf(e *entry) *storage.Doc {
	return &storage.Doc{
		ID:        e.id,
		Seq:       e.seq,
		UpdatedAt: e.updatedAt,
		Body:      append(json.RawMessage(nil), e.body...),
	}
}
