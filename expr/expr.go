// Package expr implements the expression tree evaluator (spec §4.6):
// it evaluates an externally supplied Expr tree against an optional current
// document, an Options bundle, and a Context carrying parameters and a
// transaction handle. Recursion depth is bounded by an explicit counter
// (spec §9's "manually managed async stack", see DESIGN.md Open Question 3)
// rather than host call-stack depth, so a pathological nested expression
// fails with a stable error instead of overflowing the Go stack.
package expr

import (
	"fmt"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

// Kind tags an Expr node's variant.
type Kind int

const (
	KindLiteral Kind = iota
	KindIdiom
	KindParam
	KindBinary
	KindUnary
	KindFunc
	KindArray
	KindObject
	KindIf
	KindBlock
	KindReturn
	KindThrow
	KindSubquery
)

// Expr is the external AST contract this package consumes (spec §1: "the
// parser/AST ... is out of scope, specified only by the interfaces it
// exposes"). A host (or, in this module, the plan package building a
// sub-query) constructs these nodes directly; there is no parser here.
type Expr struct {
	Kind Kind

	Lit   values.Value  // KindLiteral
	Idiom values.Idiom   // KindIdiom: field path, e.g. address.city
	Param string         // KindParam: name without the leading $

	Op   string  // KindBinary ("+","-","*","/","=","!=","<",">","<=",">=","&&","||","@@","CONTAINS"), KindUnary ("!","-")
	Args []*Expr // operands: Binary[2], Unary[1], Func args, Array elems, Block statements

	Func string // KindFunc: dotted function name, e.g. "count", "string::len"

	ObjectKeys []string
	ObjectVals []*Expr // KindObject, parallel to ObjectKeys

	Cond *Expr // KindIf
	Then *Expr
	Else *Expr

	Stmt *Statement // KindSubquery
	Only bool        // KindSubquery: collapse array result to scalar
}

func Literal(v values.Value) *Expr    { return &Expr{Kind: KindLiteral, Lit: v} }
func IdiomExpr(id values.Idiom) *Expr { return &Expr{Kind: KindIdiom, Idiom: id} }
func ParamExpr(name string) *Expr     { return &Expr{Kind: KindParam, Param: name} }
func Binary(op string, a, b *Expr) *Expr { return &Expr{Kind: KindBinary, Op: op, Args: []*Expr{a, b}} }

// FlowKind tags the three-valued FlowResult (spec §4.6).
type FlowKind int

const (
	FlowOk FlowKind = iota
	FlowReturn
	FlowErr
)

// FlowResult is the evaluator's three-valued result type.
type FlowResult struct {
	Kind  FlowKind
	Value values.Value
	Err   error
}

func Ok(v values.Value) FlowResult     { return FlowResult{Kind: FlowOk, Value: v} }
func Return(v values.Value) FlowResult { return FlowResult{Kind: FlowReturn, Value: v} }
func Err(err error) FlowResult         { return FlowResult{Kind: FlowErr, Err: err} }

// IsOk reports a normal, non-unwinding completion.
func (f FlowResult) IsOk() bool { return f.Kind == FlowOk }

// Options bundles per-evaluation context that is not transaction state:
// namespace/database scope, the caller's auth (opaque to this package so
// `expr` never imports `auth` — see DESIGN.md "auth" entry), the query
// boundary's bind parameters (spec §6.3's `params: Map<String, Value>`,
// visible as `$name` anywhere in the statement, not just in doc field
// assignments), and strict mode (schemafull coercion strictness).
type Options struct {
	NS, DB string
	Auth   values.Value // $auth binding; auth.Session.Bind() produces this
	Params map[string]values.Value
	Strict bool
}

// FuncCall is the signature a host-supplied builtin function must satisfy.
type FuncCall func(tc *txn.Context, opts Options, args []values.Value) (values.Value, error)

// SubqueryRunner drives a child Statement's operator pipeline to completion,
// implemented by the plan package and injected here to avoid an import
// cycle (plan -> expr for Filter predicates, expr -> plan for sub-queries
// would be circular; instead expr only references its own Statement type
// and this callback).
type SubqueryRunner func(tc *txn.Context, opts Options, stmt *Statement) ([]values.Value, error)

// Evaluator evaluates Expr trees with a bounded recursion depth.
type Evaluator struct {
	MaxDepth int
	Funcs    map[string]FuncCall
	Subquery SubqueryRunner
}

// NewEvaluator returns an Evaluator with the default depth bound (64) and
// the builtin function table from builtins.go.
func NewEvaluator(subquery SubqueryRunner) *Evaluator {
	return &Evaluator{MaxDepth: 64, Funcs: defaultFuncs(), Subquery: subquery}
}

// Eval evaluates e against doc (the candidate row, values.None() if there is
// none) using params for $-bound variables.
func (ev *Evaluator) Eval(tc *txn.Context, opts Options, doc values.Value, params map[string]values.Value, e *Expr) FlowResult {
	return ev.eval(tc, opts, doc, params, e, 0)
}

func (ev *Evaluator) eval(tc *txn.Context, opts Options, doc values.Value, params map[string]values.Value, e *Expr, depth int) FlowResult {
	if depth > ev.MaxDepth {
		return Err(dberr.New(dberr.KindInternal, "expression recursion exceeds max depth %d", ev.MaxDepth))
	}
	if e == nil {
		return Ok(values.None())
	}
	switch e.Kind {
	case KindLiteral:
		return Ok(e.Lit)
	case KindIdiom:
		if e.Idiom.Len() > 0 && e.Idiom.IsAuth() {
			return Ok(opts.Auth)
		}
		v, ok := doc.Pick(e.Idiom)
		if !ok {
			return Ok(values.None())
		}
		return Ok(v)
	case KindParam:
		if v, ok := params[e.Param]; ok {
			return Ok(v)
		}
		return Ok(values.None())
	case KindUnary:
		r := ev.eval(tc, opts, doc, params, e.Args[0], depth+1)
		if !r.IsOk() {
			return r
		}
		return evalUnary(e.Op, r.Value)
	case KindBinary:
		l := ev.eval(tc, opts, doc, params, e.Args[0], depth+1)
		if !l.IsOk() {
			return l
		}
		r := ev.eval(tc, opts, doc, params, e.Args[1], depth+1)
		if !r.IsOk() {
			return r
		}
		return evalBinary(e.Op, l.Value, r.Value)
	case KindArray:
		out := make([]values.Value, 0, len(e.Args))
		for _, a := range e.Args {
			r := ev.eval(tc, opts, doc, params, a, depth+1)
			if !r.IsOk() {
				return r
			}
			out = append(out, r.Value)
		}
		return Ok(values.Array(out))
	case KindObject:
		obj := make(map[string]values.Value, len(e.ObjectKeys))
		for i, k := range e.ObjectKeys {
			r := ev.eval(tc, opts, doc, params, e.ObjectVals[i], depth+1)
			if !r.IsOk() {
				return r
			}
			obj[k] = r.Value
		}
		return Ok(values.Object(obj))
	case KindFunc:
		args := make([]values.Value, 0, len(e.Args))
		for _, a := range e.Args {
			r := ev.eval(tc, opts, doc, params, a, depth+1)
			if !r.IsOk() {
				return r
			}
			args = append(args, r.Value)
		}
		fn, ok := ev.Funcs[e.Func]
		if !ok {
			return Err(dberr.New(dberr.KindParse, "unknown function %q", e.Func))
		}
		v, err := fn(tc, opts, args)
		if err != nil {
			return Err(err)
		}
		return Ok(v)
	case KindIf:
		c := ev.eval(tc, opts, doc, params, e.Cond, depth+1)
		if !c.IsOk() {
			return c
		}
		if c.Value.Truthy() {
			return ev.eval(tc, opts, doc, params, e.Then, depth+1)
		}
		return ev.eval(tc, opts, doc, params, e.Else, depth+1)
	case KindBlock:
		var last FlowResult = Ok(values.None())
		for _, stmt := range e.Args {
			last = ev.eval(tc, opts, doc, params, stmt, depth+1)
			if last.Kind != FlowOk {
				return last
			}
		}
		return last
	case KindReturn:
		r := ev.eval(tc, opts, doc, params, e.Args[0], depth+1)
		if r.Kind == FlowErr {
			return r
		}
		return Return(r.Value)
	case KindThrow:
		r := ev.eval(tc, opts, doc, params, e.Args[0], depth+1)
		if r.Kind == FlowErr {
			return r
		}
		return Err(dberr.New(dberr.KindThrown, "%v", r.Value))
	case KindSubquery:
		if ev.Subquery == nil {
			return Err(dberr.New(dberr.KindInternal, "no subquery runner configured"))
		}
		rows, err := ev.Subquery(tc, opts, e.Stmt)
		if err != nil {
			return Err(err)
		}
		return Ok(collapse(rows, e.Only))
	default:
		return Err(dberr.New(dberr.KindInternal, "unhandled expr kind %d", e.Kind))
	}
}

// collapse implements the ONLY/aggregation context rule for sub-query
// results: ONLY returns the first row bare (NONE when there are no rows;
// further rows are dropped, not reported as an error), otherwise the rows
// are returned as an array.
func collapse(rows []values.Value, only bool) values.Value {
	if only {
		if len(rows) == 0 {
			return values.None()
		}
		return rows[0]
	}
	return values.Array(rows)
}

func evalUnary(op string, v values.Value) FlowResult {
	switch op {
	case "!":
		return Ok(values.Bool(!v.Truthy()))
	case "-":
		if i, ok := v.AsInt(); ok {
			return Ok(values.Int(-i))
		}
		if f, ok := v.AsFloat(); ok {
			return Ok(values.Float(-f))
		}
		return Err(dberr.New(dberr.KindTypeCoerce, "cannot negate %v", v.Kind()))
	default:
		return Err(dberr.New(dberr.KindParse, "unknown unary operator %q", op))
	}
}

func evalBinary(op string, l, r values.Value) FlowResult {
	switch op {
	case "+":
		if v, ok := l.Add(r); ok {
			return Ok(v)
		}
	case "-":
		if v, ok := l.Sub(r); ok {
			return Ok(v)
		}
	case "*":
		if v, ok := l.Mul(r); ok {
			return Ok(v)
		}
	case "/":
		if v, ok := l.Div(r); ok {
			return Ok(v)
		}
	case "=":
		return Ok(values.Bool(l.Compare(r) == 0))
	case "!=":
		return Ok(values.Bool(l.Compare(r) != 0))
	case "<":
		return Ok(values.Bool(l.Compare(r) < 0))
	case "<=":
		return Ok(values.Bool(l.Compare(r) <= 0))
	case ">":
		return Ok(values.Bool(l.Compare(r) > 0))
	case ">=":
		return Ok(values.Bool(l.Compare(r) >= 0))
	case "&&":
		return Ok(values.Bool(l.Truthy() && r.Truthy()))
	case "||":
		return Ok(values.Bool(l.Truthy() || r.Truthy()))
	case "CONTAINS":
		arr, ok := l.AsArray()
		if !ok {
			return Ok(values.Bool(false))
		}
		for _, e := range arr {
			if e.Compare(r) == 0 {
				return Ok(values.Bool(true))
			}
		}
		return Ok(values.Bool(false))
	case "@@":
		// Full-text match, evaluated row by row: true when the right
		// operand occurs in the left string, compared case-insensitively.
		// The planner does not rewrite @@ into a FullTextMatch scan.
		s, _ := l.AsString()
		q, _ := r.AsString()
		return Ok(values.Bool(containsToken(s, q)))
	}
	return Err(dberr.New(dberr.KindTypeCoerce, "operator %q not defined for %v %v", op, l.Kind(), r.Kind()))
}

func containsToken(s, q string) bool {
	return len(q) > 0 && len(s) >= len(q) && fmt.Sprintf(" %s ", s) != "" &&
		indexOfFold(s, q) >= 0
}

func indexOfFold(s, sub string) int {
	ls, lsub := lower(s), lower(sub)
	for i := 0; i+len(lsub) <= len(ls); i++ {
		if ls[i:i+len(lsub)] == lsub {
			return i
		}
	}
	return -1
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
