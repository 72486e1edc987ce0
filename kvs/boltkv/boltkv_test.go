package boltkv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"glyphdb.dev/glyphdb/kvs"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "glyphdb.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutCommitGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	tx, err := s.Transaction(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := s.Transaction(ctx, false)
	require.NoError(t, err)
	defer tx2.Cancel()
	v, err := tx2.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestSavepointRollback(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	tx, err := s.Transaction(ctx, true)
	require.NoError(t, err)

	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	sp := tx.SavePoint()
	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("2")))
	require.NoError(t, tx.RollbackToSavePoint(sp))

	v, err := tx.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, tx.Commit(ctx))
}

func TestPutIfAbsentConflict(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	tx, err := s.Transaction(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.PutIfAbsent(ctx, []byte("a"), []byte("1")))
	assert.ErrorIs(t, tx.PutIfAbsent(ctx, []byte("a"), []byte("2")), kvs.ErrKeyExists)
	require.NoError(t, tx.Commit(ctx))
}
