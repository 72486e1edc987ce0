// Package memkv is an in-memory kvs.Store used by every other package's
// tests, grounded on the teacher pack's pattern of providing a lightweight
// fake alongside the real backend. Its savepoint emulation follows the
// MemBuffer.Staging/Release/Cleanup handle-stack design from TiDB's kv
// package: every write past a savepoint is recorded in an undo log keyed
// by that savepoint's generation, and rollback replays the log backwards.
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"glyphdb.dev/glyphdb/kvs"
)

type entry struct {
	key   []byte
	value []byte
}

// Store is a mutex-guarded map of entries. Writers are
// serialized, so "commit conflict" manifests as blocking, not abort+retry
// (see DESIGN.md Open Question 4); ForceConflict lets tests exercise the
// TxRetry path anyway.
type Store struct {
	mu           sync.Mutex
	data         map[string][]byte
	ForceConflict bool
}

func New() *Store {
	return &Store{data: map[string][]byte{}}
}

func (s *Store) Transaction(ctx context.Context, write bool) (kvs.Txn, error) {
	s.mu.Lock()
	return &txn{store: s, write: write}, nil
}

func (s *Store) Close() error { return nil }

type undoOp struct {
	key      []byte
	hadValue bool
	value    []byte
}

type txn struct {
	store     *Store
	write     bool
	done      bool
	undoLog   []undoOp
	savepoints []int // index into undoLog at time of SavePoint
}

func (t *txn) requireOpen() error {
	if t.done {
		return context.Canceled
	}
	return nil
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := t.requireOpen(); err != nil {
		return nil, err
	}
	v, ok := t.store.data[string(key)]
	if !ok {
		return nil, kvs.ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (t *txn) recordUndo(key []byte) {
	old, had := t.store.data[string(key)]
	var oldCopy []byte
	if had {
		oldCopy = append([]byte{}, old...)
	}
	t.undoLog = append(t.undoLog, undoOp{key: append([]byte{}, key...), hadValue: had, value: oldCopy})
}

func (t *txn) Put(ctx context.Context, key, value []byte) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	if !t.write {
		return context.Canceled
	}
	t.recordUndo(key)
	t.store.data[string(key)] = append([]byte{}, value...)
	return nil
}

func (t *txn) PutIfAbsent(ctx context.Context, key, value []byte) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	if _, ok := t.store.data[string(key)]; ok {
		return kvs.ErrKeyExists
	}
	return t.Put(ctx, key, value)
}

func (t *txn) Del(ctx context.Context, key []byte) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	t.recordUndo(key)
	delete(t.store.data, string(key))
	return nil
}

func (t *txn) DelRange(ctx context.Context, begin, end []byte) error {
	pairs, err := t.Scan(ctx, begin, end, 0)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		if err := t.Del(ctx, kv.Key); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) Scan(ctx context.Context, begin, end []byte, limit int) ([]kvs.KeyValue, error) {
	if err := t.requireOpen(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.store.data))
	for k := range t.store.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []kvs.KeyValue
	for _, k := range keys {
		kb := []byte(k)
		if bytes.Compare(kb, begin) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			break
		}
		out = append(out, kvs.KeyValue{Key: kb, Value: append([]byte{}, t.store.data[k]...)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *txn) SavePoint() kvs.SavepointHandle {
	t.savepoints = append(t.savepoints, len(t.undoLog))
	return kvs.SavepointHandle(len(t.savepoints) - 1)
}

func (t *txn) RollbackToSavePoint(h kvs.SavepointHandle) error {
	idx := int(h)
	if idx < 0 || idx >= len(t.savepoints) {
		return context.Canceled
	}
	mark := t.savepoints[idx]
	for i := len(t.undoLog) - 1; i >= mark; i-- {
		op := t.undoLog[i]
		if op.hadValue {
			t.store.data[string(op.key)] = op.value
		} else {
			delete(t.store.data, string(op.key))
		}
	}
	t.undoLog = t.undoLog[:mark]
	t.savepoints = t.savepoints[:idx]
	return nil
}

func (t *txn) ReleaseSavePoint(h kvs.SavepointHandle) {
	idx := int(h)
	if idx >= 0 && idx < len(t.savepoints) {
		t.savepoints = t.savepoints[:idx]
	}
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return context.Canceled
	}
	t.done = true
	defer t.store.mu.Unlock()
	if t.write && t.store.ForceConflict {
		return kvs.ErrConflict
	}
	return nil
}

func (t *txn) Cancel() {
	if t.done {
		return
	}
	for i := len(t.undoLog) - 1; i >= 0; i-- {
		op := t.undoLog[i]
		if op.hadValue {
			t.store.data[string(op.key)] = op.value
		} else {
			delete(t.store.data, string(op.key))
		}
	}
	t.done = true
	t.store.mu.Unlock()
}
