package plan

import (
	"context"
	"time"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/values"
)

// Project computes the select list against each row, handling VALUE
// extraction (collapse to a single field) and aliasing (spec §4.7).
type Project struct {
	p      *Planner
	inner  Operator
	fields []expr.SelectField
}

func (p *Planner) NewProject(inner Operator, fields []expr.SelectField) *Project {
	return &Project{p: p, inner: inner, fields: fields}
}

func (pr *Project) Next(ctx context.Context) (Batch, error) {
	rows, err := pr.inner.Next(ctx)
	if err != nil || rows == nil {
		return nil, err
	}
	if len(pr.fields) == 0 {
		return rows, nil
	}
	out := make(Batch, 0, len(rows))
	for _, row := range rows {
		projected, err := pr.projectRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, projected)
	}
	return out, nil
}

func (pr *Project) projectRow(row values.Value) (values.Value, error) {
	for _, f := range pr.fields {
		if f.Value {
			r := pr.p.Eval.Eval(pr.p.TC, pr.p.Opts, row, pr.p.Opts.Params, f.Expr)
			if r.Kind == expr.FlowErr {
				return values.Value{}, r.Err
			}
			return r.Value, nil
		}
	}
	obj := map[string]values.Value{}
	for _, f := range pr.fields {
		r := pr.p.Eval.Eval(pr.p.TC, pr.p.Opts, row, pr.p.Opts.Params, f.Expr)
		if r.Kind == expr.FlowErr {
			return values.Value{}, r.Err
		}
		name := f.Alias
		if name == "" {
			name = f.Expr.Idiom.String()
		}
		obj[name] = r.Value
	}
	return values.Object(obj), nil
}

// Sort materializes the whole upstream result (bounded cardinality is
// assumed; spec §4.7's cardinality hint lets the planner avoid Sort on an
// unbounded source) and reorders it by order.
type Sort struct {
	p       *Planner
	inner   Operator
	order   []expr.OrderClause
	sorted  Batch
	primed  bool
}

func (p *Planner) NewSort(inner Operator, order []expr.OrderClause) *Sort {
	return &Sort{p: p, inner: inner, order: order}
}

func (s *Sort) Next(ctx context.Context) (Batch, error) {
	if s.primed {
		return nil, nil
	}
	s.primed = true
	all, err := Drain(ctx, s.inner)
	if err != nil {
		return nil, err
	}
	sortRows(all, s.order)
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func sortRows(rows Batch, order []expr.OrderClause) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && lessRow(rows[j], rows[j-1], order); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func lessRow(a, b values.Value, order []expr.OrderClause) bool {
	for _, o := range order {
		av, _ := a.Pick(o.Idiom)
		bv, _ := b.Pick(o.Idiom)
		c := av.Compare(bv)
		if c == 0 {
			continue
		}
		if o.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// Limit passes through at most n rows total across all batches.
type Limit struct {
	inner     Operator
	remaining int
}

func (p *Planner) NewLimit(inner Operator, n int) *Limit {
	return &Limit{inner: inner, remaining: n}
}

func (l *Limit) Next(ctx context.Context) (Batch, error) {
	if l.remaining <= 0 {
		return nil, nil
	}
	rows, err := l.inner.Next(ctx)
	if err != nil || rows == nil {
		return nil, err
	}
	if len(rows) > l.remaining {
		rows = rows[:l.remaining]
	}
	l.remaining -= len(rows)
	return rows, nil
}

// Start skips the first n rows across all batches.
type Start struct {
	inner   Operator
	toSkip  int
}

func (p *Planner) NewStart(inner Operator, n int) *Start {
	return &Start{inner: inner, toSkip: n}
}

func (s *Start) Next(ctx context.Context) (Batch, error) {
	for s.toSkip > 0 {
		rows, err := s.inner.Next(ctx)
		if err != nil || rows == nil {
			return nil, err
		}
		if len(rows) <= s.toSkip {
			s.toSkip -= len(rows)
			continue
		}
		kept := rows[s.toSkip:]
		s.toSkip = 0
		return kept, nil
	}
	return s.inner.Next(ctx)
}

// Group buckets rows by keys and reduces each bucket's aggregate
// expressions; implemented as a barrier stage (it must see every row before
// any group can be finalized).
type Group struct {
	p          *Planner
	inner      Operator
	keys       []values.Idiom
	aggregates []expr.SelectField
	done       bool
}

func (p *Planner) NewGroup(inner Operator, keys []values.Idiom, aggregates []expr.SelectField) *Group {
	return &Group{p: p, inner: inner, keys: keys, aggregates: aggregates}
}

func (g *Group) Next(ctx context.Context) (Batch, error) {
	if g.done {
		return nil, nil
	}
	g.done = true
	all, err := Drain(ctx, g.inner)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		keyVals []values.Value
		rows    Batch
	}
	var buckets []bucket
	for _, row := range all {
		keyVals := make([]values.Value, len(g.keys))
		for i, k := range g.keys {
			keyVals[i], _ = row.Pick(k)
		}
		placed := false
		for i := range buckets {
			if sameKeys(buckets[i].keyVals, keyVals) {
				buckets[i].rows = append(buckets[i].rows, row)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, bucket{keyVals: keyVals, rows: Batch{row}})
		}
	}

	var out Batch
	for _, b := range buckets {
		obj := map[string]values.Value{}
		for i, k := range g.keys {
			obj[k.String()] = b.keyVals[i]
		}
		for _, agg := range g.aggregates {
			groupVal := values.Array(b.rows)
			r := g.p.Eval.Eval(g.p.TC, g.p.Opts, groupVal, g.p.Opts.Params, agg.Expr)
			if r.Kind == expr.FlowErr {
				return nil, r.Err
			}
			name := agg.Alias
			if name == "" {
				name = agg.Expr.Func
			}
			obj[name] = r.Value
		}
		out = append(out, values.Object(obj))
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func sameKeys(a, b []values.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Compare(b[i]) != 0 {
			return false
		}
	}
	return true
}

// Fetch resolves record-reference fields into the full referenced record
// (spec §4.7's FETCH clause).
type Fetch struct {
	p      *Planner
	inner  Operator
	ns, db string
	fields []values.Idiom
}

func (p *Planner) NewFetch(inner Operator, ns, db string, fields []values.Idiom) *Fetch {
	return &Fetch{p: p, inner: inner, ns: ns, db: db, fields: fields}
}

func (f *Fetch) Next(ctx context.Context) (Batch, error) {
	rows, err := f.inner.Next(ctx)
	if err != nil || rows == nil {
		return nil, err
	}
	out := make(Batch, 0, len(rows))
	for _, row := range rows {
		for _, fl := range f.fields {
			v, ok := row.Pick(fl)
			if !ok {
				continue
			}
			t, ok := v.AsThing()
			if !ok {
				continue
			}
			resolved, err := f.p.NewThingScan(f.ns, f.db, t.Table, t.ID).Next(ctx)
			if err != nil {
				return nil, err
			}
			if len(resolved) == 1 {
				row = row.Put(fl, resolved[0])
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// Return unwraps a Statement's terminal return expression to a single
// value, collapsing FlowReturn to Ok at statement top level (spec §6.5).
type Return struct {
	p    *Planner
	e    *expr.Expr
	done bool
}

func (p *Planner) NewReturn(e *expr.Expr) *Return { return &Return{p: p, e: e} }

func (r *Return) Next(ctx context.Context) (Batch, error) {
	if r.done {
		return nil, nil
	}
	r.done = true
	res := r.p.Eval.Eval(r.p.TC, r.p.Opts, values.None(), r.p.Opts.Params, r.e)
	if res.Kind == expr.FlowErr {
		return nil, res.Err
	}
	return Batch{res.Value}, nil
}

// Timeout wraps inner, aborting with QueryTimedOut if duration elapses
// before inner's stream completes (spec §4.7). Polls the transaction's
// cancellation token on every batch rather than racing a timer goroutine
// against Next, since tc's context already carries the TIMEOUT deadline
// (txn.Context.New wires TIMEOUT into context.WithTimeout).
type Timeout struct {
	p       *Planner
	inner   Operator
	bound   time.Duration
	started time.Time
	primed  bool
}

func (p *Planner) NewTimeout(inner Operator, bound time.Duration) *Timeout {
	return &Timeout{p: p, inner: inner, bound: bound}
}

func (t *Timeout) Next(ctx context.Context) (Batch, error) {
	if !t.primed {
		t.started = t.p.TC.Clock.Now()
		t.primed = true
	}
	if t.bound > 0 && t.p.TC.Clock.Now().Sub(t.started) > t.bound {
		t.p.TC.Trip()
		return nil, dberr.New(dberr.KindQueryTimedOut, "statement exceeded timeout %s", t.bound)
	}
	if t.p.TC.Cancelled() {
		return nil, dberr.New(dberr.KindQueryTimedOut, "statement cancelled")
	}
	return t.inner.Next(ctx)
}
