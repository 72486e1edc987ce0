package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/auth"
	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/kvs/memkv"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

func rootSession() *auth.Session {
	return &auth.Session{Auth: &auth.Auth{Level: auth.LevelRoot, Roles: []auth.Role{auth.RoleOwner}}}
}

func newEngine() *Engine {
	store := memkv.New()
	eval := NewEvaluator(nil)
	return New(store, txn.NewSystemClock(), eval, nil, nil, "node1")
}

func defineTableStmt(ns, db, table string) *expr.Statement {
	return &expr.Statement{
		Kind: expr.StmtDefine, NS: ns, DB: db,
		Define: &expr.DefineSpec{Entity: "table", Name: table, Spec: catalog.Table{Kind: "schemaless", Changefeed: true}},
	}
}

func createStmt(ns, db, table, id, field string, v values.Value) *expr.Statement {
	return &expr.Statement{
		Kind: expr.StmtCreate, NS: ns, DB: db, Table: table,
		What: []*expr.Expr{expr.Literal(values.ThingOf(table, values.String(id)))},
		Data: map[string]*expr.Expr{field: expr.Literal(v)},
	}
}

func selectAllStmt(ns, db, table string) *expr.Statement {
	return &expr.Statement{Kind: expr.StmtSelect, NS: ns, DB: db, Table: table}
}

func TestExecuteDefineCreateSelectRoundtrip(t *testing.T) {
	eng := newEngine()
	sess := rootSession()

	results := eng.Execute(context.Background(), []*expr.Statement{
		defineTableStmt("n", "d", "person"),
		createStmt("n", "d", "person", "1", "name", values.String("tobie")),
		selectAllStmt("n", "d", "person"),
	}, sess, nil)

	require.Len(t, results, 3)
	for i, r := range results {
		require.NoError(t, r.Err, "statement %d", i)
	}

	rows, ok := results[2].Value.AsArray()
	require.True(t, ok)
	require.Len(t, rows, 1)
	name, ok := rows[0].Pick(values.ParseIdiom("name"))
	require.True(t, ok)
	s, _ := name.AsString()
	assert.Equal(t, "tobie", s)
}

func TestExecuteDeniesInsufficientSessionLevel(t *testing.T) {
	eng := newEngine()
	sess := &auth.Session{Auth: &auth.Auth{Level: auth.LevelNamespace, NS: "other"}}

	results := eng.Execute(context.Background(), []*expr.Statement{
		selectAllStmt("n", "d", "person"),
	}, sess, nil)

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestExecuteBeginCommitSharesOneTransaction(t *testing.T) {
	eng := newEngine()
	sess := rootSession()

	results := eng.Execute(context.Background(), []*expr.Statement{
		{Kind: expr.StmtBegin},
		defineTableStmt("n", "d", "person"),
		createStmt("n", "d", "person", "1", "name", values.String("a")),
		createStmt("n", "d", "person", "2", "name", values.String("b")),
		{Kind: expr.StmtCommit},
		selectAllStmt("n", "d", "person"),
	}, sess, nil)

	require.Len(t, results, 4)
	for i, r := range results[:3] {
		require.NoError(t, r.Err, "statement %d", i)
	}
	rows, ok := results[3].Value.AsArray()
	require.True(t, ok)
	assert.Len(t, rows, 2)
}

func TestExecuteExplicitCancelDiscardsWrites(t *testing.T) {
	eng := newEngine()
	sess := rootSession()

	results := eng.Execute(context.Background(), []*expr.Statement{
		defineTableStmt("n", "d", "person"),
	}, sess, nil)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	cancelResults := eng.Execute(context.Background(), []*expr.Statement{
		{Kind: expr.StmtBegin},
		createStmt("n", "d", "person", "1", "name", values.String("a")),
		{Kind: expr.StmtCancel},
	}, sess, nil)
	require.Len(t, cancelResults, 1)
	require.NoError(t, cancelResults[0].Err)

	checkResults := eng.Execute(context.Background(), []*expr.Statement{selectAllStmt("n", "d", "person")}, sess, nil)
	require.Len(t, checkResults, 1)
	rows, ok := checkResults[0].Value.AsArray()
	require.True(t, ok)
	assert.Empty(t, rows)
}

func TestExecuteDefineTableRequiresOwnerRole(t *testing.T) {
	eng := newEngine()
	sess := &auth.Session{Auth: &auth.Auth{Level: auth.LevelRoot, Roles: []auth.Role{auth.RoleViewer}}}

	results := eng.Execute(context.Background(), []*expr.Statement{
		defineTableStmt("n", "d", "person"),
	}, sess, nil)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}
