package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	queue   []byte
	history []HistoryRecord
	closed  bool
}

// NewMemory returns a store that lives as long as the process.
func NewMemory() Store { return &memoryStore{} }

func (m *memoryStore) SaveQueue(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queue = slices.Clone(data)
	return nil
}

func (m *memoryStore) LoadQueue(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.queue), nil
}

func (m *memoryStore) AppendHistory(_ context.Context, r HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	m.history = append(m.history, r)
	return nil
}

func (m *memoryStore) RecentHistory(_ context.Context, limit int) ([]HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.history, limit), nil
}

func (m *memoryStore) CountSince(_ context.Context, since time.Time, actions ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.history {
		if !r.At.Before(since) && matchAction(r.Action, actions) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func newestFirst(recs []HistoryRecord, limit int) []HistoryRecord {
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]HistoryRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out
}
