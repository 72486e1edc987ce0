package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/values"
)

func rowsOf(ages ...int64) Batch {
	out := make(Batch, len(ages))
	for i, a := range ages {
		out[i] = values.Object(map[string]values.Value{"age": values.Int(a)})
	}
	return out
}

func testPlanner() *Planner {
	return &Planner{Opts: expr.Options{}, Eval: expr.NewEvaluator(nil)}
}

func TestFilterKeepsOnlyTruthyRows(t *testing.T) {
	src := &oneShot{rows: rowsOf(10, 20, 30)}
	pred := expr.Binary(">", expr.IdiomExpr(values.ParseIdiom("age")), expr.Literal(values.Int(15)))
	f := testPlanner().NewFilter(src, pred)

	out, err := Drain(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, out, 2)
	a0, _ := out[0].Pick(values.ParseIdiom("age"))
	i0, _ := a0.AsInt()
	assert.Equal(t, int64(20), i0)
}

func TestFilterNilPredicatePassesEverything(t *testing.T) {
	src := &oneShot{rows: rowsOf(1, 2, 3)}
	f := testPlanner().NewFilter(src, nil)
	out, err := Drain(context.Background(), f)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestLimitCapsTotalRows(t *testing.T) {
	src := &oneShot{rows: rowsOf(1, 2, 3, 4, 5)}
	l := testPlanner().NewLimit(src, 2)
	out, err := Drain(context.Background(), l)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestStartSkipsLeadingRows(t *testing.T) {
	src := &oneShot{rows: rowsOf(1, 2, 3, 4, 5)}
	s := testPlanner().NewStart(src, 3)
	out, err := Drain(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, out, 2)
	v, _ := out[0].Pick(values.ParseIdiom("age"))
	i, _ := v.AsInt()
	assert.Equal(t, int64(4), i)
}

func TestSortOrdersByIdiomDescending(t *testing.T) {
	src := &oneShot{rows: rowsOf(3, 1, 2)}
	srt := testPlanner().NewSort(src, []expr.OrderClause{{Idiom: values.ParseIdiom("age"), Desc: true}})
	out, err := Drain(context.Background(), srt)
	require.NoError(t, err)
	require.Len(t, out, 3)
	var got []int64
	for _, r := range out {
		v, _ := r.Pick(values.ParseIdiom("age"))
		i, _ := v.AsInt()
		got = append(got, i)
	}
	assert.Equal(t, []int64{3, 2, 1}, got)
}

func TestProjectValueShorthandCollapsesRow(t *testing.T) {
	src := &oneShot{rows: rowsOf(42)}
	pr := testPlanner().NewProject(src, []expr.SelectField{{Expr: expr.IdiomExpr(values.ParseIdiom("age")), Value: true}})
	out, err := Drain(context.Background(), pr)
	require.NoError(t, err)
	require.Len(t, out, 1)
	i, ok := out[0].AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(42), i)
}

func TestProjectAliasesFields(t *testing.T) {
	src := &oneShot{rows: rowsOf(7)}
	pr := testPlanner().NewProject(src, []expr.SelectField{{Expr: expr.IdiomExpr(values.ParseIdiom("age")), Alias: "years"}})
	out, err := Drain(context.Background(), pr)
	require.NoError(t, err)
	require.Len(t, out, 1)
	obj, ok := out[0].AsObject()
	require.True(t, ok)
	v, ok := obj["years"]
	require.True(t, ok)
	i, _ := v.AsInt()
	assert.Equal(t, int64(7), i)
}

func TestDrainConcatenatesAllBatches(t *testing.T) {
	src := &oneShot{rows: rowsOf(1, 2)}
	out, err := Drain(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	// a second drain on the same exhausted oneShot yields nothing further.
	out2, err := Drain(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, out2)
}
