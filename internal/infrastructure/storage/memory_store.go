package storage

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/quillchat/quill/pkg/errors"
)

// MemoryStore is the in-memory Store backend, used in tests and as the
// ephemeral fallback when no database path is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

var _ Store = (*MemoryStore)(nil)

// Get returns the value at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("record not found: " + key)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put writes the value at key.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

// Delete removes the record at key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns all records under prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]byte{}
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

// Transact runs fn under the store lock against an unlocked view. On error
// the pre-transaction snapshot is restored.
func (s *MemoryStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}

	if err := fn(&memoryTx{store: s}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// memoryTx is the view handed to Transact callbacks. The outer lock is
// already held, so operations touch the map directly.
type memoryTx struct {
	store *MemoryStore
}

var _ Store = (*memoryTx)(nil)

func (t *memoryTx) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := t.store.data[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("record not found: " + key)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *memoryTx) Put(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	t.store.data[key] = cp
	return nil
}

func (t *memoryTx) Delete(ctx context.Context, key string) error {
	delete(t.store.data, key)
	return nil
}

func (t *memoryTx) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for k, v := range t.store.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

// Transact nests trivially: the enclosing transaction already owns the lock
// and its rollback covers this scope.
func (t *memoryTx) Transact(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}
