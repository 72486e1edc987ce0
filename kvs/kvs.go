// Package kvs defines the ordered key-value store abstraction every other
// glyphdb package is built on (spec §4.2, §6.2). Two backends implement it:
// kvs/boltkv (bbolt-backed, durable) and kvs/memkv (in-memory, used by
// tests across the whole module).
package kvs

import (
	"context"
	"errors"
)

// ErrConflict is returned by Commit when a backend that supports optimistic
// concurrency detects the transaction's read set was invalidated.
var ErrConflict = errors.New("kvs: write conflict, retry transaction")

// KeyValue is a single scan result.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// SavepointHandle identifies a point in a transaction's write history that
// RollbackToSavePoint can return to.
type SavepointHandle int

// Txn is a single read/write transaction over the store. All methods
// operate on the transaction's isolated snapshot until Commit.
type Txn interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	PutIfAbsent(ctx context.Context, key, value []byte) error
	Del(ctx context.Context, key []byte) error
	DelRange(ctx context.Context, begin, end []byte) error
	Scan(ctx context.Context, begin, end []byte, limit int) ([]KeyValue, error)

	SavePoint() SavepointHandle
	RollbackToSavePoint(h SavepointHandle) error
	ReleaseSavePoint(h SavepointHandle)

	Commit(ctx context.Context) error
	Cancel()
}

// Store opens transactions against the backing ordered key space.
type Store interface {
	Transaction(ctx context.Context, write bool) (Txn, error)
	Close() error
}

// ErrNotFound is returned by Get when the key does not exist. Backends
// should wrap this, not return a raw driver-specific not-found error.
var ErrNotFound = errors.New("kvs: key not found")

// ErrKeyExists is returned by PutIfAbsent when the key is already present.
var ErrKeyExists = errors.New("kvs: key already exists")
