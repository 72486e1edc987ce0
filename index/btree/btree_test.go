package btree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/kvs/memkv"
	"glyphdb.dev/glyphdb/values"
)

func row(email string) values.Value {
	return values.Object(map[string]values.Value{"email": values.String(email)})
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "user", "email_unique", []string{"email"}, true)
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("user:1"), values.None(), row("a@b"), false))

	err = ix.OnWrite(ctx, tx, []byte("user:2"), values.None(), row("a@b"), false)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindRecordExists))
}

func TestUniqueIndexAllowsRetryWithIDWhenPermitted(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "user", "email_unique", []string{"email"}, true)
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("user:1"), values.None(), row("a@b"), true))

	err = ix.OnWrite(ctx, tx, []byte("user:2"), values.None(), row("a@b"), true)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindRetryWithID))
}

func TestNonUniqueIndexAllowsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "user", "email_idx", []string{"email"}, false)
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("user:1"), values.None(), row("a@b"), false))
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("user:2"), values.None(), row("a@b"), false))
}

func TestOnWriteRemovesStaleEntryWhenFieldsChange(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "user", "email_idx", []string{"email"}, false)
	rk := []byte("user:1")
	require.NoError(t, ix.OnWrite(ctx, tx, rk, values.None(), row("old@b"), false))
	require.NoError(t, ix.OnWrite(ctx, tx, rk, row("old@b"), row("new@b"), false))

	staleKey := ix.entryKey(ix.fieldVals(row("old@b")), rk)
	_, err = tx.Get(ctx, staleKey)
	assert.Error(t, err)

	freshKey := ix.entryKey(ix.fieldVals(row("new@b")), rk)
	v, err := tx.Get(ctx, freshKey)
	require.NoError(t, err)
	assert.Equal(t, rk, v)
}

func TestOnDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "user", "email_unique", []string{"email"}, true)
	rk := []byte("user:1")
	require.NoError(t, ix.OnWrite(ctx, tx, rk, values.None(), row("a@b"), false))
	require.NoError(t, ix.OnDelete(ctx, tx, rk, row("a@b")))

	key := ix.entryKey(ix.fieldVals(row("a@b")), rk)
	_, err = tx.Get(ctx, key)
	assert.Error(t, err)
}
