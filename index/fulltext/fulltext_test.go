package fulltext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/kvs/memkv"
	"glyphdb.dev/glyphdb/values"
)

func row(text string) values.Value {
	return values.Object(map[string]values.Value{"body": values.String(text)})
}

func TestSearchRanksDocumentsContainingQueryTerm(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "article", "body_ft", []string{"body"}, false)
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("article:1"), values.None(), row("the quick brown fox"), false))
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("article:2"), values.None(), row("lazy dog sleeps"), false))

	hits, err := ix.Search(ctx, tx, "fox", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []byte("article:1"), hits[0])
}

func TestSearchFindsNothingForAbsentTerm(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "article", "body_ft", []string{"body"}, false)
	require.NoError(t, ix.OnWrite(ctx, tx, []byte("article:1"), values.None(), row("hello world"), false))

	hits, err := ix.Search(ctx, tx, "nonexistent", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOnWriteRemovesStaleTermOnUpdate(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "article", "body_ft", []string{"body"}, false)
	rk := []byte("article:1")
	require.NoError(t, ix.OnWrite(ctx, tx, rk, values.None(), row("alpha beta"), false))
	require.NoError(t, ix.OnWrite(ctx, tx, rk, row("alpha beta"), row("gamma delta"), false))

	hits, err := ix.Search(ctx, tx, "alpha", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = ix.Search(ctx, tx, "gamma", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestOnDeleteRemovesAllPostingsForRecord(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "article", "body_ft", []string{"body"}, false)
	rk := []byte("article:1")
	require.NoError(t, ix.OnWrite(ctx, tx, rk, values.None(), row("one two three"), false))
	require.NoError(t, ix.OnDelete(ctx, tx, rk, row("one two three")))

	hits, err := ix.Search(ctx, tx, "two", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeferModeQueuesDeltasInsteadOfPostings(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "article", "body_ft_deferred", []string{"body"}, true)
	rk := []byte("article:1")
	require.NoError(t, ix.OnWrite(ctx, tx, rk, values.None(), row("queued term"), false))

	hits, err := ix.Search(ctx, tx, "queued", 0)
	require.NoError(t, err)
	assert.Empty(t, hits, "deferred writes must not be visible until Drain runs")

	require.NoError(t, ix.Drain(ctx, tx))
	hits, err = ix.Search(ctx, tx, "queued", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSearchRespectsLimit(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	ix := New("n", "d", "article", "body_ft", []string{"body"}, false)
	for i, id := range []string{"article:1", "article:2", "article:3"} {
		_ = i
		require.NoError(t, ix.OnWrite(ctx, tx, []byte(id), values.None(), row("shared"), false))
	}

	hits, err := ix.Search(ctx, tx, "shared", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
