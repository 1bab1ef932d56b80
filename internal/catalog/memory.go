package catalog

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryIndex is an in-process [Index]. Entries are lost when the process
// exits.
type MemoryIndex struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{now: time.Now, entries: make(map[string]Entry)}
}

// Register implements [Index].
func (m *MemoryIndex) Register(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	e = WithDefaults(e)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[e.ID]; ok {
		e.CreatedAt = prev.CreatedAt
	} else {
		e.CreatedAt = m.now()
	}
	m.entries[e.ID] = e
	return e, nil
}

// List implements [Index].
func (m *MemoryIndex) List(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if c := b.RecordedAt.Compare(a.RecordedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryIndex) Ping(context.Context) error { return nil }
