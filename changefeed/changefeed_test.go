package changefeed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/kvs/memkv"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

func TestPersistAndReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	muts := []txn.MutationLogEntry{
		{NS: "n", DB: "d", Table: "person", RecordID: []byte("person:1"), Action: txn.ActionCreate, After: values.Encode(values.String("tobie"))},
	}
	require.NoError(t, Persist(ctx, tx, "n", "d", 7, muts))

	entries, err := Read(ctx, tx, "n", "d", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].Versionstamp)
	assert.Equal(t, ActionCreate, entries[0].Action)
}

func TestReadFiltersByFromVersionstamp(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	require.NoError(t, Persist(ctx, tx, "n", "d", 1, []txn.MutationLogEntry{{NS: "n", DB: "d", Table: "t", Action: txn.ActionCreate}}))
	require.NoError(t, Persist(ctx, tx, "n", "d", 5, []txn.MutationLogEntry{{NS: "n", DB: "d", Table: "t", Action: txn.ActionUpdate}}))

	entries, err := Read(ctx, tx, "n", "d", 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(5), entries[0].Versionstamp)
}

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	d := NewDispatcher()
	id, ch, cancel := d.Subscribe()
	defer cancel()

	require.NoError(t, d.Publish(context.Background(), Notification{ID: id, Action: ActionCreate}))
	n := <-ch
	assert.Equal(t, ActionCreate, n.Action)
}

func TestDispatcherOverflowDisconnectsSlowSubscriber(t *testing.T) {
	d := NewDispatcher()
	id, ch, _ := d.Subscribe()

	for i := 0; i < subscriberBufferSize+5; i++ {
		_ = d.Publish(context.Background(), Notification{ID: id, Action: ActionUpdate})
	}

	_, ok := d.Chan(id)
	assert.False(t, ok, "overflowing the subscriber's channel should disconnect it")

	// draining the channel should eventually close, not block forever.
	for range ch {
	}
}

func TestKillUnregistersSubscriber(t *testing.T) {
	d := NewDispatcher()
	id, _, _ := d.Subscribe()
	d.Kill(id)
	_, ok := d.Chan(id)
	assert.False(t, ok)
}

func TestRouterAddAndRemoveByID(t *testing.T) {
	r := NewRouter(nil)
	r.Add(Registration{LiveID: "lq1", NS: "n", DB: "d", Table: "person"})
	assert.Equal(t, []string{"lq1"}, r.LiveIDsForTable("n", "d", "person"))

	r.RemoveByID("lq1")
	assert.Empty(t, r.LiveIDsForTable("n", "d", "person"))
}

func TestDispatchCommitNotifiesRegisteredLiveQueries(t *testing.T) {
	d := NewDispatcher()
	id, ch, cancel := d.Subscribe()
	defer cancel()

	router := NewRouter([]Registration{{LiveID: id, NS: "n", DB: "d", Table: "person"}})
	muts := []txn.MutationLogEntry{{NS: "n", DB: "d", Table: "person", Action: txn.ActionCreate, After: values.Encode(values.String("x"))}}

	require.NoError(t, DispatchCommit(context.Background(), d, router.LiveIDsForTable, "n", "d", muts))
	n := <-ch
	assert.Equal(t, ActionCreate, n.Action)
}
