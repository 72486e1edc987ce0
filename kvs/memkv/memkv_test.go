package memkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"glyphdb.dev/glyphdb/kvs"
)

func TestPutGetCommit(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Transaction(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := s.Transaction(ctx, false)
	require.NoError(t, err)
	v, err := tx2.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	tx2.Cancel()
}

func TestSavepointRollback(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Transaction(ctx, true)

	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	sp := tx.SavePoint()
	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("2")))
	require.NoError(t, tx.Put(ctx, []byte("b"), []byte("3")))

	require.NoError(t, tx.RollbackToSavePoint(sp))

	v, err := tx.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = tx.Get(ctx, []byte("b"))
	assert.ErrorIs(t, err, kvs.ErrNotFound)
}

func TestPutIfAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Transaction(ctx, true)
	require.NoError(t, tx.PutIfAbsent(ctx, []byte("a"), []byte("1")))
	assert.ErrorIs(t, tx.PutIfAbsent(ctx, []byte("a"), []byte("2")), kvs.ErrKeyExists)
}

func TestScanRange(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Transaction(ctx, true)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tx.Put(ctx, []byte(k), []byte(k)))
	}
	res, err := tx.Scan(ctx, []byte("a"), []byte("c"), 0)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", string(res[0].Key))
	assert.Equal(t, "b", string(res[1].Key))
}
