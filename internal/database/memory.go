package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() Store {
	return &memoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (s *memoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *memoryStore) Set(ctx context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.records[key].Revision + 1
	s.records[key] = Record{Key: key, Value: cloneBytes(value), Revision: rev, UpdatedAt: s.now()}
	return rev, nil
}

func (s *memoryStore) CompareAndSwap(ctx context.Context, key string, revision int64, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[key]
	switch {
	case revision == 0 && exists:
		return 0, ErrConflict
	case revision != 0 && (!exists || cur.Revision != revision):
		return 0, ErrConflict
	}

	rev := cur.Revision + 1
	s.records[key] = Record{Key: key, Value: cloneBytes(value), Revision: rev, UpdatedAt: s.now()}
	return rev, nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *memoryStore) ListByPrefix(ctx context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for k, rec := range s.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, *cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

func cloneRecord(r Record) *Record {
	r.Value = cloneBytes(r.Value)
	return &r
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
