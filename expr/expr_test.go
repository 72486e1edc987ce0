package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/values"
)

func eval(t *testing.T, doc values.Value, params map[string]values.Value, e *Expr) FlowResult {
	t.Helper()
	ev := NewEvaluator(nil)
	return ev.Eval(nil, Options{}, doc, params, e)
}

func TestLiteralAndBinary(t *testing.T) {
	r := eval(t, values.None(), nil, Binary("+", Literal(values.Int(1)), Literal(values.Int(2))))
	require.True(t, r.IsOk())
	i, _ := r.Value.AsInt()
	assert.Equal(t, int64(3), i)
}

func TestIdiomPicksFromDoc(t *testing.T) {
	doc := values.Object(map[string]values.Value{"name": values.String("Tobie")})
	r := eval(t, doc, nil, IdiomExpr(values.ParseIdiom("name")))
	require.True(t, r.IsOk())
	s, _ := r.Value.AsString()
	assert.Equal(t, "Tobie", s)
}

func TestIdiomMissingFieldYieldsNone(t *testing.T) {
	doc := values.Object(map[string]values.Value{})
	r := eval(t, doc, nil, IdiomExpr(values.ParseIdiom("missing")))
	require.True(t, r.IsOk())
	assert.True(t, r.Value.IsNone())
}

func TestParamBinding(t *testing.T) {
	params := map[string]values.Value{"age": values.Int(30)}
	r := eval(t, values.None(), params, ParamExpr("age"))
	require.True(t, r.IsOk())
	i, _ := r.Value.AsInt()
	assert.Equal(t, int64(30), i)
}

func TestIfBranches(t *testing.T) {
	e := &Expr{Kind: KindIf, Cond: Literal(values.Bool(true)), Then: Literal(values.Int(1)), Else: Literal(values.Int(2))}
	r := eval(t, values.None(), nil, e)
	i, _ := r.Value.AsInt()
	assert.Equal(t, int64(1), i)

	e.Cond = Literal(values.Bool(false))
	r = eval(t, values.None(), nil, e)
	i, _ = r.Value.AsInt()
	assert.Equal(t, int64(2), i)
}

func TestReturnUnwindsBlock(t *testing.T) {
	block := &Expr{Kind: KindBlock, Args: []*Expr{
		{Kind: KindReturn, Args: []*Expr{Literal(values.Int(7))}},
		Literal(values.Int(99)),
	}}
	r := eval(t, values.None(), nil, block)
	assert.Equal(t, FlowReturn, r.Kind)
	i, _ := r.Value.AsInt()
	assert.Equal(t, int64(7), i)
}

func TestThrowProducesThrownError(t *testing.T) {
	e := &Expr{Kind: KindThrow, Args: []*Expr{Literal(values.String("bad input"))}}
	r := eval(t, values.None(), nil, e)
	assert.Equal(t, FlowErr, r.Kind)
	assert.Contains(t, r.Err.Error(), "bad input")
}

func TestFuncCallCount(t *testing.T) {
	arr := values.Array([]values.Value{values.Int(1), values.Int(2), values.Int(3)})
	e := &Expr{Kind: KindFunc, Func: "count", Args: []*Expr{Literal(arr)}}
	r := eval(t, values.None(), nil, e)
	require.True(t, r.IsOk())
	i, _ := r.Value.AsInt()
	assert.Equal(t, int64(3), i)
}

func TestUnknownFunctionErrors(t *testing.T) {
	e := &Expr{Kind: KindFunc, Func: "nope::nope"}
	r := eval(t, values.None(), nil, e)
	assert.Equal(t, FlowErr, r.Kind)
}

func TestRecursionDepthBounded(t *testing.T) {
	ev := NewEvaluator(nil)
	ev.MaxDepth = 3
	e := Literal(values.Int(1))
	for i := 0; i < 10; i++ {
		e = Binary("+", e, Literal(values.Int(1)))
	}
	r := ev.Eval(nil, Options{}, values.None(), nil, e)
	assert.Equal(t, FlowErr, r.Kind)
}

func TestAuthIdiomBindsOptionsAuth(t *testing.T) {
	ev := NewEvaluator(nil)
	opts := Options{Auth: values.Object(map[string]values.Value{"role": values.String("owner")})}
	r := ev.Eval(nil, opts, values.None(), nil, IdiomExpr(values.ParseIdiom("auth")))
	require.True(t, r.IsOk())
	role, ok := r.Value.Pick(values.ParseIdiom("role"))
	require.True(t, ok)
	s, _ := role.AsString()
	assert.Equal(t, "owner", s)
}
