package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/aining777/grouped-history/internal/storage"
	"github.com/aining777/grouped-history/internal/validation"
)

// Store is an in-memory implementation of storage.KV for tests and embedding.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	value, ok := s.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(value), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validation.ValidateStorageKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	stored := bytes.Clone(value)
	if stored == nil {
		stored = []byte{}
	}
	s.values[key] = stored
	return nil
}
