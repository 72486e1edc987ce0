package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/values"
)

func rawExpr(t *testing.T, e *expr.Expr) json.RawMessage {
	t.Helper()
	s, err := expr.Marshal(e)
	require.NoError(t, err)
	return json.RawMessage(s)
}

func TestToStatementSelectRoundtrips(t *testing.T) {
	dto := statementDTO{
		Kind: "select", NS: "n", DB: "d", Table: "person",
		Where:   rawExpr(t, expr.Binary(">", expr.IdiomExpr(values.ParseIdiom("age")), expr.Literal(values.Int(18)))),
		OrderBy: []orderClauseDTO{{Idiom: "age", Desc: true}},
		Fields:  []selectFieldDTO{{Expr: rawExpr(t, expr.IdiomExpr(values.ParseIdiom("name"))), Alias: "n"}},
	}

	stmt, err := dto.toStatement()
	require.NoError(t, err)
	assert.Equal(t, expr.StmtSelect, stmt.Kind)
	require.NotNil(t, stmt.Where)
	require.Len(t, stmt.OrderBy, 1)
	assert.True(t, stmt.OrderBy[0].Desc)
	require.Len(t, stmt.Fields, 1)
	assert.Equal(t, "n", stmt.Fields[0].Alias)
}

func TestToStatementRejectsUnknownKind(t *testing.T) {
	_, err := statementDTO{Kind: "nonsense"}.toStatement()
	require.Error(t, err)
}

func TestToStatementRejectsUnknownInsertPolicy(t *testing.T) {
	_, err := statementDTO{Kind: "insert", InsertPolicy: "bogus"}.toStatement()
	require.Error(t, err)
}

func TestToStatementDecodesDefineTableSpec(t *testing.T) {
	specJSON, err := json.Marshal(catalog.Table{Kind: "schemafull", Changefeed: true})
	require.NoError(t, err)

	dto := statementDTO{
		Kind: "define", NS: "n", DB: "d",
		Define: &defineSpecDTO{Entity: "table", Name: "person", Spec: specJSON},
	}
	stmt, err := dto.toStatement()
	require.NoError(t, err)
	require.NotNil(t, stmt.Define)
	tbl, ok := stmt.Define.Spec.(catalog.Table)
	require.True(t, ok)
	assert.Equal(t, "schemafull", tbl.Kind)
	assert.True(t, tbl.Changefeed)
}

func TestToStatementRejectsUnknownDefineEntity(t *testing.T) {
	dto := statementDTO{
		Kind:   "define",
		Define: &defineSpecDTO{Entity: "bogus", Name: "x", Spec: json.RawMessage(`{}`)},
	}
	_, err := dto.toStatement()
	require.Error(t, err)
}

func TestToStatementBuildsInsertRows(t *testing.T) {
	dto := statementDTO{
		Kind: "insert", NS: "n", DB: "d", Table: "person",
		InsertRows: []map[string]json.RawMessage{
			{"name": rawExpr(t, expr.Literal(values.String("a")))},
			{"name": rawExpr(t, expr.Literal(values.String("b")))},
		},
	}
	stmt, err := dto.toStatement()
	require.NoError(t, err)
	assert.Equal(t, expr.InsertDefault, stmt.InsertPolicy)
	require.Len(t, stmt.InsertRows, 2)
}

func TestToStatementBuildsRelateEndpoints(t *testing.T) {
	dto := statementDTO{
		Kind: "relate", NS: "n", DB: "d", EdgeTable: "knows",
		In:  rawExpr(t, expr.Literal(values.ThingOf("person", values.String("a")))),
		Out: rawExpr(t, expr.Literal(values.ThingOf("person", values.String("b")))),
	}
	stmt, err := dto.toStatement()
	require.NoError(t, err)
	require.NotNil(t, stmt.In)
	require.NotNil(t, stmt.Out)
	assert.Equal(t, "knows", stmt.EdgeTable)
}

func TestStatementsFromDTOPropagatesErrors(t *testing.T) {
	_, err := statementsFromDTO([]statementDTO{{Kind: "select"}, {Kind: "garbage"}})
	require.Error(t, err)
}
