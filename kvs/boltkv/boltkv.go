// Package boltkv is the durable kvs.Store backend, adapted from the
// teacher's db/bolt/bolt.go wrapper: the same Open/bucket-management shape,
// generalized from JSON-per-key storage to raw ordered bytes so the
// lexicographic order required by the keys package survives untouched.
//
// bbolt has no nested-transaction or savepoint primitive, so Txn emulates
// savepoints the way TiDB's kv.MemBuffer does: an undo log of (key,
// previous value) pairs recorded before every write, with
// RollbackToSavePoint replaying the log backwards to the mark.
package boltkv

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"glyphdb.dev/glyphdb/kvs"
)

var bucketName = []byte("glyphdb")

// Store opens a single bbolt file holding the entire ordered keyspace in
// one bucket (bbolt buckets already preserve key byte order, so no
// secondary sort step is needed on read).
type Store struct {
	db *bolt.DB
}

// Open opens or creates the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltkv: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltkv: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Transaction opens a bbolt transaction. bbolt only allows one open
// read-write transaction at a time; callers that need concurrent readers
// should keep write transactions short, per bbolt's own documentation.
func (s *Store) Transaction(ctx context.Context, write bool) (kvs.Txn, error) {
	tx, err := s.db.Begin(write)
	if err != nil {
		return nil, fmt.Errorf("boltkv: begin: %w", err)
	}
	return &txn{tx: tx, write: write, bucket: bucketName}, nil
}

type undoOp struct {
	key      []byte
	hadValue bool
	value    []byte
}

type txn struct {
	tx      *bolt.Tx
	write   bool
	bucket  []byte
	done    bool
	undoLog []undoOp
	marks   []int
}

func (t *txn) bucketHandle() *bolt.Bucket { return t.tx.Bucket(t.bucket) }

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	v := t.bucketHandle().Get(key)
	if v == nil {
		return nil, kvs.ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (t *txn) recordUndo(key []byte) {
	b := t.bucketHandle()
	old := b.Get(key)
	op := undoOp{key: append([]byte{}, key...)}
	if old != nil {
		op.hadValue = true
		op.value = append([]byte{}, old...)
	}
	t.undoLog = append(t.undoLog, op)
}

func (t *txn) Put(ctx context.Context, key, value []byte) error {
	if !t.write {
		return fmt.Errorf("boltkv: write on read-only transaction")
	}
	t.recordUndo(key)
	return t.bucketHandle().Put(key, value)
}

func (t *txn) PutIfAbsent(ctx context.Context, key, value []byte) error {
	if t.bucketHandle().Get(key) != nil {
		return kvs.ErrKeyExists
	}
	return t.Put(ctx, key, value)
}

func (t *txn) Del(ctx context.Context, key []byte) error {
	t.recordUndo(key)
	return t.bucketHandle().Delete(key)
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
	c := t.bucketHandle().Cursor()
	var out []kvs.KeyValue
	for k, v := c.Seek(begin); k != nil; k, v = c.Next() {
		if end != nil && string(k) >= string(end) {
			break
		}
		out = append(out, kvs.KeyValue{Key: append([]byte{}, k...), Value: append([]byte{}, v...)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *txn) SavePoint() kvs.SavepointHandle {
	t.marks = append(t.marks, len(t.undoLog))
	return kvs.SavepointHandle(len(t.marks) - 1)
}

func (t *txn) RollbackToSavePoint(h kvs.SavepointHandle) error {
	idx := int(h)
	if idx < 0 || idx >= len(t.marks) {
		return fmt.Errorf("boltkv: invalid savepoint handle")
	}
	mark := t.marks[idx]
	b := t.bucketHandle()
	for i := len(t.undoLog) - 1; i >= mark; i-- {
		op := t.undoLog[i]
		if op.hadValue {
			if err := b.Put(op.key, op.value); err != nil {
				return err
			}
		} else {
			if err := b.Delete(op.key); err != nil {
				return err
			}
		}
	}
	t.undoLog = t.undoLog[:mark]
	t.marks = t.marks[:idx]
	return nil
}

func (t *txn) ReleaseSavePoint(h kvs.SavepointHandle) {
	idx := int(h)
	if idx >= 0 && idx < len(t.marks) {
		t.marks = t.marks[:idx]
	}
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("boltkv: transaction already closed")
	}
	t.done = true
	return t.tx.Commit()
}

func (t *txn) Cancel() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback()
}
