package store

import (
	"context"
	"sync"

	"ticket-ledger/utils"
)

// MemoryStore is an in-process LedgerStore. It backs tests and single-node
// deployments where durability is delegated elsewhere.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	keyLock *utils.KeyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		keyLock: utils.NewKeyedMutex(),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; ok {
		return ErrKeyExists
	}
	s.records[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, mutate func([]byte) ([]byte, error)) error {
	s.keyLock.Lock(key)
	defer s.keyLock.Unlock(key)

	current, err := s.Read(ctx, key)
	if err != nil {
		return err
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.records[key] = append([]byte(nil), next...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Apply(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range batch.Creates {
		if _, ok := s.records[key]; ok {
			return ErrKeyExists
		}
	}
	for key, value := range batch.Creates {
		s.records[key] = append([]byte(nil), value...)
	}
	for key, value := range batch.Updates {
		s.records[key] = append([]byte(nil), value...)
	}
	return nil
}

// Len reports the number of stored records. Used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
