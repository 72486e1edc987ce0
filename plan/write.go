package plan

import (
	"context"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/doc"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

// writeOp is the terminal CREATE/UPDATE/UPSERT/DELETE operator: it pulls
// candidate ids from inner (a Scan or a literal id list), runs each through
// doc.Runtime.Process, and yields the resulting after-image rows.
type writeOp struct {
	p      *Planner
	inner  Operator
	stmt   *expr.Statement
	action txn.MutationAction
	merge  bool
}

func (p *Planner) compileWrite(stmt *expr.Statement) (Operator, error) {
	action := actionFor(stmt.Kind)
	inner, err := p.sourceFor(stmt)
	if err != nil {
		return nil, err
	}
	return &writeOp{p: p, inner: inner, stmt: stmt, action: action, merge: stmt.Merge}, nil
}

func actionFor(k expr.StatementKind) txn.MutationAction {
	switch k {
	case expr.StmtCreate:
		return txn.ActionCreate
	case expr.StmtDelete:
		return txn.ActionDelete
	default:
		return txn.ActionUpdate
	}
}

// sourceFor resolves the Iterable a write statement targets: either a
// literal id (CREATE person:tobie) or a table/range scan (UPDATE person
// WHERE ...).
func (p *Planner) sourceFor(stmt *expr.Statement) (Operator, error) {
	if len(stmt.What) == 0 {
		return p.NewTableScan(stmt.NS, stmt.DB, stmt.Table, ScanKeysAndValues), nil
	}
	var rows Batch
	for _, w := range stmt.What {
		r := p.Eval.Eval(p.TC, p.Opts, values.None(), p.Opts.Params, w)
		if r.Kind == expr.FlowErr {
			return nil, r.Err
		}
		rows = append(rows, r.Value)
	}
	return &oneShot{rows: rows}, nil
}

func (w *writeOp) Next(ctx context.Context) (Batch, error) {
	rows, err := w.inner.Next(ctx)
	if err != nil || rows == nil {
		return nil, err
	}
	out := make(Batch, 0, len(rows))
	for _, row := range rows {
		id, table, ok := idAndTable(row, w.stmt.Table)
		if !ok {
			continue
		}
		req := doc.Request{
			NS: w.stmt.NS, DB: w.stmt.DB, Table: table,
			RecordID: id, Action: w.action, Data: w.stmt.Data, Merge: w.merge,
			AllowRetry: w.stmt.Kind.AllowsRetryWithID(),
			Auth:       w.p.Opts.Auth,
			Params:     w.p.Opts.Params,
		}
		res, err := w.p.Doc.Process(w.p.TC, req)
		if err != nil {
			return nil, err
		}
		if w.action != txn.ActionDelete {
			out = append(out, res.After)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// idAndTable extracts (id, table) from a candidate row: either the row is
// already a Thing value (from a literal WHAT list) or an object carrying an
// "id" field (from a table scan), falling back to a freshly generated id.
func idAndTable(row values.Value, defaultTable string) (values.Value, string, bool) {
	if t, ok := row.AsThing(); ok {
		return t.ID, t.Table, true
	}
	if id, ok := row.Pick(values.ParseIdiom("id")); ok && !id.IsNone() {
		return id, defaultTable, true
	}
	return values.String(txn.NewID()), defaultTable, true
}

// insertOp implements INSERT's row-at-a-time bulk write with its duplicate
// policy (spec §9 Open Question 2, resolved as expr.InsertPolicy).
type insertOp struct {
	p    *Planner
	stmt *expr.Statement
	idx  int
}

func (p *Planner) compileInsert(stmt *expr.Statement) (Operator, error) {
	return &insertOp{p: p, stmt: stmt}, nil
}

func (o *insertOp) Next(ctx context.Context) (Batch, error) {
	if o.idx >= len(o.stmt.InsertRows) {
		return nil, nil
	}
	row := o.stmt.InsertRows[o.idx]
	o.idx++

	id := values.String(txn.NewID())
	if idExpr, ok := row["id"]; ok {
		r := o.p.Eval.Eval(o.p.TC, o.p.Opts, values.None(), o.p.Opts.Params, idExpr)
		if r.Kind == expr.FlowErr {
			return nil, r.Err
		}
		id = r.Value
	}

	req := doc.Request{
		NS: o.stmt.NS, DB: o.stmt.DB, Table: o.stmt.Table,
		RecordID:   id,
		Action:     txn.ActionCreate,
		Data:       row,
		AllowRetry: o.stmt.InsertPolicy == expr.InsertUpdateOnDuplicate,
		Auth:       o.p.Opts.Auth,
		Params:     o.p.Opts.Params,
	}
	res, err := o.p.Doc.Process(o.p.TC, req)
	if err != nil {
		if dberr.Is(err, dberr.KindRecordExists) && o.stmt.InsertPolicy == expr.InsertIgnoreDuplicate {
			return Batch{}, nil
		}
		return nil, err
	}
	return Batch{res.After}, nil
}

// relateOp is RELATE's terminal writer: creates the edge record via
// doc.Runtime, then writes the two adjacency entries used by
// GraphTraverse.
type relateOp struct {
	p    *Planner
	stmt *expr.Statement
	done bool
}

func (p *Planner) compileRelate(stmt *expr.Statement) (Operator, error) {
	return &relateOp{p: p, stmt: stmt}, nil
}

type adjacencyEntry struct {
	EdgeKey   []byte
	TargetKey []byte
}

func (o *relateOp) Next(ctx context.Context) (Batch, error) {
	if o.done {
		return nil, nil
	}
	o.done = true

	inR := o.p.Eval.Eval(o.p.TC, o.p.Opts, values.None(), o.p.Opts.Params, o.stmt.In)
	if inR.Kind == expr.FlowErr {
		return nil, inR.Err
	}
	outR := o.p.Eval.Eval(o.p.TC, o.p.Opts, values.None(), o.p.Opts.Params, o.stmt.Out)
	if outR.Kind == expr.FlowErr {
		return nil, outR.Err
	}
	inThing, ok := inR.Value.AsThing()
	if !ok {
		return nil, dberr.New(dberr.KindTypeCoerce, "RELATE in side must be a record reference")
	}
	outThing, ok := outR.Value.AsThing()
	if !ok {
		return nil, dberr.New(dberr.KindTypeCoerce, "RELATE out side must be a record reference")
	}

	edgeID := values.String(txn.NewID())
	req := doc.Request{
		NS: o.stmt.NS, DB: o.stmt.DB, Table: o.stmt.EdgeTable,
		RecordID: edgeID, Action: txn.ActionCreate,
		Data:     o.stmt.EdgeData,
		InField:  inR.Value, OutField: outR.Value,
		Auth:   o.p.Opts.Auth,
		Params: o.p.Opts.Params,
	}
	res, err := o.p.Doc.Process(o.p.TC, req)
	if err != nil {
		return nil, err
	}

	inKey := keys.Key{Kind: keys.KindThing, NS: o.stmt.NS, DB: o.stmt.DB, TB: inThing.Table, RecordID: keys.Ident(values.Encode(inThing.ID))}.Encode()
	outKey := keys.Key{Kind: keys.KindThing, NS: o.stmt.NS, DB: o.stmt.DB, TB: outThing.Table, RecordID: keys.Ident(values.Encode(outThing.ID))}.Encode()

	if err := o.writeAdjacency(ctx, o.stmt.NS, o.stmt.DB, inThing.Table, inThing.ID, '>', outThing.ID, adjacencyEntry{EdgeKey: res.RecordKey, TargetKey: outKey}); err != nil {
		return nil, err
	}
	if err := o.writeAdjacency(ctx, o.stmt.NS, o.stmt.DB, outThing.Table, outThing.ID, '<', inThing.ID, adjacencyEntry{EdgeKey: res.RecordKey, TargetKey: inKey}); err != nil {
		return nil, err
	}

	return Batch{res.After}, nil
}

func (o *relateOp) writeAdjacency(ctx context.Context, ns, db, table string, recordID values.Value, dir byte, edgeID values.Value, entry adjacencyEntry) error {
	k := keys.Key{
		Kind: keys.KindGraphAdjacency, NS: ns, DB: db, TB: table,
		RecordID: keys.Ident(values.Encode(recordID)), Dir: dir,
		EdgeTable: o.stmt.EdgeTable, EdgeID: keys.Ident(values.Encode(edgeID)),
	}.Encode()
	b, err := encodeAdjacency(entry)
	if err != nil {
		return err
	}
	if err := o.p.TC.Txn.Put(ctx, k, b); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "write adjacency entry")
	}
	return nil
}
