package doc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/kvs/memkv"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

func newTC(t *testing.T) (*txn.Context, func()) {
	t.Helper()
	store := memkv.New()
	tx, err := store.Transaction(context.Background(), true)
	require.NoError(t, err)
	tc := txn.New(context.Background(), tx, txn.NewSystemClock(), 0)
	return tc, func() { tc.Cancel() }
}

func defineSchemalessTable(t *testing.T, tc *txn.Context, name string) {
	t.Helper()
	require.NoError(t, tc.Cat.DefineTable(tc.Ctx(), catalog.Table{NS: "n", DB: "d", Name: name, Kind: "schemaless", Changefeed: true}, catalog.DefineOptions{}))
}

func TestProcessCreateWritesRecordAndLogsChangefeed(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "person")

	rt := New(expr.NewEvaluator(nil))
	req := Request{
		NS: "n", DB: "d", Table: "person",
		RecordID: values.String("1"),
		Action:   txn.ActionCreate,
		Data: map[string]*expr.Expr{
			"name": expr.Literal(values.String("tobie")),
		},
	}

	res, err := rt.Process(tc, req)
	require.NoError(t, err)
	assert.True(t, res.Before.IsNone())
	name, ok := res.After.Pick(values.ParseIdiom("name"))
	require.True(t, ok)
	s, _ := name.AsString()
	assert.Equal(t, "tobie", s)

	require.Len(t, tc.Mutations(), 1)
	assert.Equal(t, txn.ActionCreate, tc.Mutations()[0].Action)
}

func TestProcessDeleteRemovesRecord(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "person")

	rt := New(expr.NewEvaluator(nil))
	createReq := Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"name": expr.Literal(values.String("tobie"))}}
	_, err := rt.Process(tc, createReq)
	require.NoError(t, err)

	delReq := Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionDelete}
	res, err := rt.Process(tc, delReq)
	require.NoError(t, err)
	assert.True(t, res.After.IsNone())

	_, err = tc.Txn.Get(tc.Ctx(), res.RecordKey)
	assert.Error(t, err)
}

func TestProcessUpdateMergePreservesUntouchedFields(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "person")

	rt := New(expr.NewEvaluator(nil))
	_, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"name": expr.Literal(values.String("tobie")), "age": expr.Literal(values.Int(30))}})
	require.NoError(t, err)

	res, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionUpdate, Merge: true,
		Data: map[string]*expr.Expr{"age": expr.Literal(values.Int(31))}})
	require.NoError(t, err)

	name, _ := res.After.Pick(values.ParseIdiom("name"))
	s, _ := name.AsString()
	assert.Equal(t, "tobie", s)
	age, _ := res.After.Pick(values.ParseIdiom("age"))
	i, _ := age.AsInt()
	assert.Equal(t, int64(31), i)
}

func TestProcessUpdateReplaceDropsUntouchedFields(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "person")

	rt := New(expr.NewEvaluator(nil))
	_, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"name": expr.Literal(values.String("tobie")), "age": expr.Literal(values.Int(30))}})
	require.NoError(t, err)

	res, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionUpdate, Merge: false,
		Data: map[string]*expr.Expr{"age": expr.Literal(values.Int(31))}})
	require.NoError(t, err)

	_, ok := res.After.Pick(values.ParseIdiom("name"))
	assert.False(t, ok)
}

func TestProcessSchemafullRejectsUndefinedField(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	require.NoError(t, tc.Cat.DefineTable(tc.Ctx(), catalog.Table{NS: "n", DB: "d", Name: "person", Kind: "schemafull"}, catalog.DefineOptions{}))
	require.NoError(t, tc.Cat.DefineField(tc.Ctx(), catalog.Field{NS: "n", DB: "d", Table: "person", Name: "name", Type: "string"}, catalog.DefineOptions{}))

	rt := New(expr.NewEvaluator(nil))
	_, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"unknown": expr.Literal(values.String("x"))}})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindFieldCheck))
}

func TestProcessAssertFailureRejectsWrite(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	require.NoError(t, tc.Cat.DefineTable(tc.Ctx(), catalog.Table{NS: "n", DB: "d", Name: "person", Kind: "schemafull"}, catalog.DefineOptions{}))
	assertExpr, err := expr.Marshal(expr.Binary(">", expr.IdiomExpr(values.ParseIdiom("age")), expr.Literal(values.Int(0))))
	require.NoError(t, err)
	require.NoError(t, tc.Cat.DefineField(tc.Ctx(), catalog.Field{NS: "n", DB: "d", Table: "person", Name: "age", Type: "int", Assert: assertExpr}, catalog.DefineOptions{}))

	rt := New(expr.NewEvaluator(nil))
	_, err = rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"age": expr.Literal(values.Int(-1))}})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindFieldCheck))
}

func TestProcessPermissionNoneDeniesWrite(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	require.NoError(t, tc.Cat.DefineTable(tc.Ctx(), catalog.Table{
		NS: "n", DB: "d", Name: "person", Kind: "schemaless",
		Permissions: map[string]catalog.Permission{"create": {Kind: "none"}},
	}, catalog.DefineOptions{}))

	rt := New(expr.NewEvaluator(nil))
	_, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"name": expr.Literal(values.String("x"))}})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindPermissionDenied))
}

func TestProcessRetryWithIdRetriesOnUniqueConflict(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "person")
	require.NoError(t, tc.Cat.DefineIndex(tc.Ctx(), catalog.Index{NS: "n", DB: "d", Table: "person", Name: "email_unique", Fields: []string{"email"}, Unique: true, Kind: "btree"}, catalog.DefineOptions{}))

	rt := New(expr.NewEvaluator(nil))
	_, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"email": expr.Literal(values.String("a@b"))}})
	require.NoError(t, err)

	res, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("2"), Action: txn.ActionCreate, AllowRetry: true,
		Data: map[string]*expr.Expr{"email": expr.Literal(values.String("a@b"))}})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindRecordExists))
	_ = res
}

func TestProcessRelateBindsInOutAndEdgeData(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "knows")

	rt := New(expr.NewEvaluator(nil))
	res, err := rt.Process(tc, Request{
		NS: "n", DB: "d", Table: "knows", RecordID: values.String("1"), Action: txn.ActionCreate,
		InField: values.ThingOf("person", values.String("a")), OutField: values.ThingOf("person", values.String("b")),
		EdgeData: map[string]*expr.Expr{"since": expr.Literal(values.Int(2020))},
	})
	require.NoError(t, err)

	in, ok := res.After.Pick(values.ParseIdiom("in"))
	require.True(t, ok)
	thing, _ := in.AsThing()
	assert.Equal(t, "person", thing.Table)

	since, ok := res.After.Pick(values.ParseIdiom("since"))
	require.True(t, ok)
	i, _ := since.AsInt()
	assert.Equal(t, int64(2020), i)
}

// adjacencyKey mirrors plan's relateOp.writeAdjacency key construction so
// this test can set up and then check the `~` entries independent of the
// plan package.
func adjacencyKey(ns, db, table string, recordID values.Value, dir byte, edgeTable string, edgeID values.Value) []byte {
	return keys.Key{
		Kind: keys.KindGraphAdjacency, NS: ns, DB: db, TB: table,
		RecordID: keys.Ident(values.Encode(recordID)), Dir: dir,
		EdgeTable: edgeTable, EdgeID: keys.Ident(values.Encode(edgeID)),
	}.Encode()
}

func TestProcessDeleteEdgeRemovesAdjacencyEntries(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "knows")

	personA := values.ThingOf("person", values.String("a"))
	personB := values.ThingOf("person", values.String("b"))
	thingA, _ := personA.AsThing()
	thingB, _ := personB.AsThing()

	rt := New(expr.NewEvaluator(nil))
	res, err := rt.Process(tc, Request{
		NS: "n", DB: "d", Table: "knows", RecordID: values.String("1"), Action: txn.ActionCreate,
		InField: personA, OutField: personB,
	})
	require.NoError(t, err)

	outKey := adjacencyKey("n", "d", thingA.Table, thingA.ID, '>', "knows", thingB.ID)
	inKey := adjacencyKey("n", "d", thingB.Table, thingB.ID, '<', "knows", thingA.ID)
	require.NoError(t, tc.Txn.Put(tc.Ctx(), outKey, []byte("edge")))
	require.NoError(t, tc.Txn.Put(tc.Ctx(), inKey, []byte("edge")))

	_, err = rt.Process(tc, Request{NS: "n", DB: "d", Table: "knows", RecordID: values.String("1"), Action: txn.ActionDelete})
	require.NoError(t, err)

	_, err = tc.Txn.Get(tc.Ctx(), res.RecordKey)
	assert.Error(t, err)
	_, err = tc.Txn.Get(tc.Ctx(), outKey)
	assert.Error(t, err, "outgoing adjacency entry must be removed on edge delete")
	_, err = tc.Txn.Get(tc.Ctx(), inKey)
	assert.Error(t, err, "incoming adjacency entry must be removed on edge delete")
}

func TestProcessDeleteNonEdgeRecordSkipsAdjacencyCleanup(t *testing.T) {
	tc, cancel := newTC(t)
	defer cancel()
	defineSchemalessTable(t, tc, "person")

	rt := New(expr.NewEvaluator(nil))
	_, err := rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionCreate,
		Data: map[string]*expr.Expr{"name": expr.Literal(values.String("tobie"))}})
	require.NoError(t, err)

	_, err = rt.Process(tc, Request{NS: "n", DB: "d", Table: "person", RecordID: values.String("1"), Action: txn.ActionDelete})
	require.NoError(t, err)
}
