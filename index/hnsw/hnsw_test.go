package hnsw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/kvs/memkv"
	"glyphdb.dev/glyphdb/values"
)

func vecRow(xs ...float64) values.Value {
	vs := make([]values.Value, len(xs))
	for i, x := range xs {
		vs[i] = values.Float(x)
	}
	return values.Object(map[string]values.Value{"embedding": values.Array(vs)})
}

func allowAll([]byte) (bool, error) { return true, nil }

func TestSearchReturnsExactMatchFirst(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "doc", "embedding_hnsw", []string{"embedding"})
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:1"), values.None(), vecRow(1, 0, 0), false))
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:2"), values.None(), vecRow(0, 1, 0), false))
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:3"), values.None(), vecRow(0.9, 0.1, 0), false))

	hits, err := ix.Search(ctx, tx, []float32{1, 0, 0}, 1, 8, allowAll)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []byte("doc:1"), hits[0])
}

func TestSearchHonorsKLimit(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "doc", "embedding_hnsw", []string{"embedding"})
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:1"), values.None(), vecRow(1, 0, 0), false))
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:2"), values.None(), vecRow(0.9, 0.1, 0), false))
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:3"), values.None(), vecRow(0, 1, 0), false))

	hits, err := ix.Search(ctx, tx, []float32{1, 0, 0}, 2, 8, allowAll)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 2)
}

func TestSearchAppliesFilterPredicate(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "doc", "embedding_hnsw", []string{"embedding"})
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:1"), values.None(), vecRow(1, 0, 0), false))
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("doc:2"), values.None(), vecRow(1, 0, 0), false))

	onlyDocTwo := func(rk []byte) (bool, error) { return string(rk) == "doc:2", nil }
	hits, err := ix.Search(ctx, tx, []float32{1, 0, 0}, 5, 8, onlyDocTwo)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, []byte("doc:2"), h)
	}
}

func TestOnDeleteRemovesElement(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "doc", "embedding_hnsw", []string{"embedding"})
	rk := []byte("doc:1")
	require.NoError(t, ix.OnWrite(ctx, tx, rk, values.None(), vecRow(1, 0, 0), false))
	require.NoError(t, ix.OnDelete(ctx, tx, rk, vecRow(1, 0, 0)))

	_, err = tx.Get(ctx, ix.recordToIDKey(rk))
	assert.Error(t, err)
}

func TestOnWriteWithoutVectorFieldActsAsDelete(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "doc", "embedding_hnsw", []string{"embedding"})
	rk := []byte("doc:1")
	require.NoError(t, ix.OnWrite(ctx, tx, rk, values.None(), vecRow(1, 0, 0), false))
	require.NoError(t, ix.OnWrite(ctx, tx, rk, vecRow(1, 0, 0), values.Object(map[string]values.Value{}), false))

	_, err = tx.Get(ctx, ix.recordToIDKey(rk))
	assert.Error(t, err)
}
