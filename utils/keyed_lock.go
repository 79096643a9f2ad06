package utils

import (
	"sync"
)

// KeyedMutex serializes work per key. The processor and delegation manager
// hold the event's lock for a whole operation, so all writes to one event are
// strictly ordered while distinct events proceed in parallel.
//
// Locks are never evicted; events are retained forever, so the map grows with
// the number of events, not with traffic.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}
