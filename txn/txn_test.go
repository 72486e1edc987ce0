package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/kvs/memkv"
)

type fakeClock struct{ n Versionstamp }

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0).UTC() }
func (f *fakeClock) NextVersionstamp() Versionstamp {
	f.n++
	return f.n
}

func TestSavePointRollbackTruncatesMutationLog(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	ktx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	c := New(ctx, ktx, &fakeClock{}, 0)
	c.LogMutation(MutationLogEntry{Table: "person", Action: ActionCreate})

	sp := c.SavePoint()
	require.NoError(t, ktx.Put(c.Ctx(), []byte("k"), []byte("v")))
	c.LogMutation(MutationLogEntry{Table: "person", Action: ActionUpdate})
	assert.Len(t, c.Mutations(), 2)

	require.NoError(t, c.RollbackToSavePoint(sp))
	assert.Len(t, c.Mutations(), 1)

	_, err = ktx.Get(c.Ctx(), []byte("k"))
	assert.Error(t, err)
}

func TestCommitAssignsMonotonicVersionstamp(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	clock := &fakeClock{}

	ktx1, _ := store.Transaction(ctx, true)
	c1 := New(ctx, ktx1, clock, 0)
	c1.LogMutation(MutationLogEntry{Table: "t", Action: ActionCreate})
	res1, err := c1.Commit(nil)
	require.NoError(t, err)

	ktx2, _ := store.Transaction(ctx, true)
	c2 := New(ctx, ktx2, clock, 0)
	res2, err := c2.Commit(nil)
	require.NoError(t, err)

	assert.Less(t, res1.Versionstamp, res2.Versionstamp)
}

func TestCommitPersistsChangefeedBeforeBackendCommit(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	ktx, _ := store.Transaction(ctx, true)
	c := New(ctx, ktx, &fakeClock{}, 0)

	var gotVS Versionstamp
	var gotMuts []MutationLogEntry
	c.LogMutation(MutationLogEntry{Table: "t", Action: ActionCreate})

	_, err := c.Commit(func(vs Versionstamp, muts []MutationLogEntry) error {
		gotVS = vs
		gotMuts = muts
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Versionstamp(1), gotVS)
	assert.Len(t, gotMuts, 1)
}

func TestCancelAbortsWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	ktx, _ := store.Transaction(ctx, true)
	c := New(ctx, ktx, &fakeClock{}, 0)

	require.NoError(t, ktx.Put(c.Ctx(), []byte("k"), []byte("v")))
	c.Cancel()
	assert.True(t, c.Cancelled())
}

func TestContextTripsCancellationToken(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	ktx, _ := store.Transaction(ctx, true)
	c := New(ctx, ktx, &fakeClock{}, 0)

	assert.False(t, c.Cancelled())
	c.Trip()
	assert.True(t, c.Cancelled())
}
