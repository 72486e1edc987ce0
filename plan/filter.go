package plan

import (
	"context"

	"glyphdb.dev/glyphdb/expr"
)

// Filter evaluates predicate against each row from inner, keeping only
// truthy rows (spec §4.7).
type Filter struct {
	p         *Planner
	inner     Operator
	predicate *expr.Expr
}

func (p *Planner) NewFilter(inner Operator, predicate *expr.Expr) *Filter {
	return &Filter{p: p, inner: inner, predicate: predicate}
}

func (f *Filter) Next(ctx context.Context) (Batch, error) {
	for {
		rows, err := f.inner.Next(ctx)
		if err != nil || rows == nil {
			return nil, err
		}
		if f.predicate == nil {
			return rows, nil
		}
		out := make(Batch, 0, len(rows))
		for _, row := range rows {
			r := f.p.Eval.Eval(f.p.TC, f.p.Opts, row, f.p.Opts.Params, f.predicate)
			if r.Kind == expr.FlowErr {
				return nil, r.Err
			}
			if r.Value.Truthy() {
				out = append(out, row)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
		// this batch filtered to nothing: pull the next one instead of
		// returning an empty non-nil batch, which the caller would read as
		// "more data pending".
	}
}
