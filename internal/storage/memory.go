package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{recs: map[string]Record{}}
}

func (m *memoryStore) PutEntry(_ context.Context, r Record) error {
	if r.Key == "" {
		return errors.New("record key required")
	}
	if r.SavedAt.IsZero() {
		r.SavedAt = time.Now()
	}
	r.Value = append([]byte(nil), r.Value...)
	m.mu.Lock()
	m.recs[r.Key] = r
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) DeleteEntry(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.recs, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) LoadEntries(context.Context) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) PruneBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.recs {
		if r.SavedAt.Before(t) {
			delete(m.recs, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Close() error { return nil }
