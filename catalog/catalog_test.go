package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/kvs/memkv"
)

func TestDefineAndGetTable(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)

	c := New(tx)
	require.NoError(t, c.DefineTable(ctx, Table{NS: "n", DB: "d", Name: "person", Kind: "schemafull"}, DefineOptions{}))

	got, err := c.GetTable(ctx, "n", "d", "person")
	require.NoError(t, err)
	assert.Equal(t, "schemafull", got.Kind)
}

func TestDefineIfNotExistsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, _ := store.Transaction(ctx, true)
	c := New(tx)

	opts := DefineOptions{IfNotExists: true}
	require.NoError(t, c.DefineDatabase(ctx, Database{NS: "n", Name: "first"}, opts))
	require.NoError(t, c.DefineDatabase(ctx, Database{NS: "n", Name: "second"}, opts))

	got, err := c.GetDatabase(ctx, "n", "first")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestDefineDefaultModeErrorsOnExisting(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, _ := store.Transaction(ctx, true)
	c := New(tx)

	require.NoError(t, c.DefineNamespace(ctx, Namespace{Name: "n"}, DefineOptions{}))
	err := c.DefineNamespace(ctx, Namespace{Name: "n"}, DefineOptions{})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindRecordExists))
}

func TestDefineOverwriteReplacesLatest(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, _ := store.Transaction(ctx, true)
	c := New(tx)

	require.NoError(t, c.DefineField(ctx, Field{NS: "n", DB: "d", Table: "person", Name: "age", Type: "int"}, DefineOptions{}))
	require.NoError(t, c.DefineField(ctx, Field{NS: "n", DB: "d", Table: "person", Name: "age", Type: "string"}, DefineOptions{Overwrite: true}))

	got, err := c.GetField(ctx, "n", "d", "person", "age")
	require.NoError(t, err)
	assert.Equal(t, "string", got.Type)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, _ := store.Transaction(ctx, true)
	c := New(tx)

	_, err := c.GetNamespace(ctx, "nope")
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindNotFound))
}

func TestRemoveTableDeletesDescendantRecords(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, err := store.Transaction(ctx, true)
	require.NoError(t, err)
	c := New(tx)

	require.NoError(t, c.DefineTable(ctx, Table{NS: "n", DB: "d", Name: "person"}, DefineOptions{}))
	require.NoError(t, c.DefineField(ctx, Field{NS: "n", DB: "d", Table: "person", Name: "age"}, DefineOptions{}))

	require.NoError(t, c.RemoveTable(ctx, "n", "d", "person"))

	_, err = c.GetTable(ctx, "n", "d", "person")
	require.Error(t, err)
	fields, err := c.AllFields(ctx, "n", "d", "person")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestAllTablesListsDefinitions(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	tx, _ := store.Transaction(ctx, true)
	c := New(tx)

	require.NoError(t, c.DefineTable(ctx, Table{NS: "n", DB: "d", Name: "a"}, DefineOptions{}))
	require.NoError(t, c.DefineTable(ctx, Table{NS: "n", DB: "d", Name: "b"}, DefineOptions{}))

	tbs, err := c.AllTables(ctx, "n", "d")
	require.NoError(t, err)
	assert.Len(t, tbs, 2)
}
