package plan

import (
	"context"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/values"
)

// compileDefine and compileRemove implement spec §4.7's "DDL compilation":
// DEFINE/REMOVE compile to a degenerate single-batch pipeline that touches
// catalog keys (and, for some REMOVE targets, data beneath them; see
// expr.RemoveSpec) directly rather than building a multi-operator tree.
func (p *Planner) compileDefine(stmt *expr.Statement) (Operator, error) {
	def := stmt.Define
	opts := catalog.DefineOptions{IfNotExists: def.IfNotExists, Overwrite: def.Overwrite}
	ctx := p.TC.Ctx()

	var err error
	switch def.Entity {
	case "namespace":
		err = p.TC.Cat.DefineNamespace(ctx, catalog.Namespace{Name: def.Name}, opts)
	case "database":
		err = p.TC.Cat.DefineDatabase(ctx, catalog.Database{NS: stmt.NS, Name: def.Name}, opts)
	case "table":
		t, _ := def.Spec.(catalog.Table)
		t.NS, t.DB, t.Name = stmt.NS, stmt.DB, def.Name
		err = p.TC.Cat.DefineTable(ctx, t, opts)
	case "field":
		f, _ := def.Spec.(catalog.Field)
		f.NS, f.DB, f.Table, f.Name = stmt.NS, stmt.DB, def.Table, def.Name
		err = p.TC.Cat.DefineField(ctx, f, opts)
	case "index":
		ix, _ := def.Spec.(catalog.Index)
		ix.NS, ix.DB, ix.Table, ix.Name = stmt.NS, stmt.DB, def.Table, def.Name
		err = p.TC.Cat.DefineIndex(ctx, ix, opts)
	case "user":
		u, _ := def.Spec.(catalog.User)
		u.NS, u.DB, u.Name = stmt.NS, stmt.DB, def.Name
		err = p.TC.Cat.DefineUser(ctx, u, opts)
	case "event":
		e, _ := def.Spec.(catalog.Event)
		e.NS, e.DB, e.Table, e.Name = stmt.NS, stmt.DB, def.Table, def.Name
		err = p.TC.Cat.DefineEvent(ctx, e, opts)
	default:
		err = dberr.New(dberr.KindParse, "unknown DEFINE entity %q", def.Entity)
	}
	if err != nil {
		return nil, err
	}
	return &oneShot{rows: Batch{values.Bool(true)}}, nil
}

func (p *Planner) compileRemove(stmt *expr.Statement) (Operator, error) {
	rem := stmt.Remove
	ctx := p.TC.Ctx()

	var err error
	switch rem.Entity {
	case "namespace":
		err = p.TC.Cat.RemoveNamespace(ctx, rem.Name)
	case "database":
		err = p.TC.Cat.RemoveDatabase(ctx, stmt.NS, rem.Name)
	case "table":
		err = p.TC.Cat.RemoveTable(ctx, stmt.NS, stmt.DB, rem.Name)
	case "field":
		err = p.TC.Cat.RemoveField(ctx, stmt.NS, stmt.DB, rem.Table, rem.Name)
	case "index":
		err = p.TC.Cat.RemoveIndex(ctx, stmt.NS, stmt.DB, rem.Table, rem.Name)
	case "user":
		err = p.TC.Cat.RemoveUser(ctx, stmt.NS, stmt.DB, rem.Name)
	case "event":
		err = p.TC.Cat.RemoveEvent(ctx, stmt.NS, stmt.DB, rem.Table, rem.Name)
	default:
		err = dberr.New(dberr.KindParse, "unknown REMOVE entity %q", rem.Entity)
	}
	if err != nil {
		return nil, err
	}
	return &oneShot{rows: Batch{values.Bool(true)}}, nil
}

// compileSelect builds Scan -> GraphTraverse -> Filter -> Group -> Sort -> Start ->
// Limit -> Fetch -> Project -> Timeout, skipping stages the statement does
// not use.
func (p *Planner) compileSelect(stmt *expr.Statement) (Operator, error) {
	var op Operator
	switch {
	case stmt.KNN != nil:
		truthy := func(recordKey []byte) (bool, error) {
			if stmt.Where == nil {
				return true, nil
			}
			raw, err := p.TC.Txn.Get(p.TC.Ctx(), recordKey)
			row, derr := values.Decode(raw)
			if err != nil || derr != nil {
				return false, nil
			}
			r := p.Eval.Eval(p.TC, p.Opts, row, p.Opts.Params, stmt.Where)
			if r.Kind == expr.FlowErr {
				return false, r.Err
			}
			return r.Value.Truthy(), nil
		}
		op = p.NewKNNScan(stmt.NS, stmt.DB, stmt.Table, stmt.KNN.Index, nil, stmt.KNN.Query, stmt.KNN.K, stmt.KNN.EF, truthy)
	case len(stmt.What) > 0:
		src, err := p.sourceFor(stmt)
		if err != nil {
			return nil, err
		}
		op = src
	default:
		op = p.NewTableScan(stmt.NS, stmt.DB, stmt.Table, ScanKeysAndValues)
	}

	for _, g := range stmt.Graph {
		op = p.NewGraphTraverse(op, stmt.NS, stmt.DB, g.Dir, g.Table, g.Depth)
	}

	if stmt.Where != nil {
		op = p.NewFilter(op, stmt.Where)
	}
	if len(stmt.GroupBy) > 0 {
		var aggs []expr.SelectField
		for _, f := range stmt.Fields {
			aggs = append(aggs, f)
		}
		op = p.NewGroup(op, stmt.GroupBy, aggs)
	}
	if len(stmt.OrderBy) > 0 {
		op = p.NewSort(op, stmt.OrderBy)
	}
	if stmt.Start != nil {
		r := p.Eval.Eval(p.TC, p.Opts, values.None(), p.Opts.Params, stmt.Start)
		if r.Kind == expr.FlowErr {
			return nil, r.Err
		}
		if n, ok := r.Value.AsInt(); ok {
			op = p.NewStart(op, int(n))
		}
	}
	if stmt.Limit != nil {
		r := p.Eval.Eval(p.TC, p.Opts, values.None(), p.Opts.Params, stmt.Limit)
		if r.Kind == expr.FlowErr {
			return nil, r.Err
		}
		if n, ok := r.Value.AsInt(); ok {
			op = p.NewLimit(op, int(n))
		}
	}
	if len(stmt.Fetch) > 0 {
		op = p.NewFetch(op, stmt.NS, stmt.DB, stmt.Fetch)
	}
	if len(stmt.Fields) > 0 && len(stmt.GroupBy) == 0 {
		op = p.NewProject(op, stmt.Fields)
	}
	if stmt.Timeout > 0 {
		op = p.NewTimeout(op, stmt.Timeout)
	}
	return op, nil
}
