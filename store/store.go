// Package store provides the keyed-record contract backing the ticket ledger.
// Records are opaque JSON blobs addressed by derived keys. Create fails on an
// existing key, Read fails on a missing key, and Update is an atomic
// read-modify-write under per-key exclusivity. Apply folds a multi-record
// batch in as one unit so no reader ever observes a half-applied commit.
package store

import (
	"context"
	"errors"
)

// ErrKeyExists is returned by Create when the key is already present. Key
// derivation is deterministic, so this is how duplicate events and duplicate
// tickets are detected.
var ErrKeyExists = errors.New("store: key already exists")

// ErrKeyNotFound is returned by Read and Update for unknown keys.
var ErrKeyNotFound = errors.New("store: key not found")

// Batch is an all-or-nothing set of writes produced by the commit pipeline.
type Batch struct {
	// Creates are records that must not exist yet.
	Creates map[string][]byte
	// Updates are full-record replacements for existing keys.
	Updates map[string][]byte
}

func (b Batch) Empty() bool {
	return len(b.Creates) == 0 && len(b.Updates) == 0
}

// LedgerStore is the transactional keyed-record contract of the ledger.
// The persistence engine behind it is an external collaborator; callers rely
// only on this interface.
type LedgerStore interface {
	Create(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	// Update applies mutate to the current value and persists the result
	// atomically. No other operation observes an intermediate state. Errors
	// returned by mutate abort the write and pass through unchanged.
	Update(ctx context.Context, key string, mutate func([]byte) ([]byte, error)) error
	// Apply writes the whole batch atomically, failing with ErrKeyExists if
	// any created key is already present.
	Apply(ctx context.Context, batch Batch) error
}
