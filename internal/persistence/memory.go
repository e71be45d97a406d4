package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/kdlbs/orchestra/internal/common/errors"
)

// MemoryStore is an in-memory Store, the default used at runtime: one
// map per record kind, guarded by a single RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*Record // kind -> id -> record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, kind, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.records[kind]
	if !ok {
		bucket = make(map[string]*Record)
		s.records[kind] = bucket
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	bucket[id] = &Record{Kind: kind, ID: id, Data: cp, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, kind, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.records[kind]
	if !ok {
		return nil, errors.NotFound(kind, id)
	}
	rec, ok := bucket[id]
	if !ok {
		return nil, errors.NotFound(kind, id)
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) List(ctx context.Context, kind string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.records[kind]
	out := make([]*Record, 0, len(bucket))
	for _, rec := range bucket {
		clone := *rec
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.records[kind]; ok {
		delete(bucket, id)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
