// Package doc implements the per-record document runtime (spec §4.4): the
// pipeline every CREATE/UPDATE/UPSERT/DELETE/RELATE candidate record passes
// through — save point, statement-specific data application, schema
// enforcement, permission check, index maintenance, base write, changefeed
// append, and EVENT firing. Grounded on the teacher's
// semantic/runtime/action.go + semantic/runtime/fields.go dotted-path
// get/set-over-a-preserved-document shape, generalized from
// map[string]interface{} idioms to values.Value idioms.
package doc

import (
	"context"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/index"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

// Document is the before/after pair carried through the pipeline.
type Document struct {
	Initial values.Value // None for CREATE
	Current values.Value
}

// Request describes one candidate record's processing request, built by the
// plan package's write operators.
type Request struct {
	NS, DB, Table string
	RecordID      values.Value // the record's id component (thing id)
	Action        txn.MutationAction

	// Data holds SET/CONTENT field assignments; nil for DELETE.
	Data  map[string]*expr.Expr
	Merge bool // UPDATE MERGE (patch) vs REPLACE semantics

	// Edge fields, populated only for RELATE.
	InField, OutField values.Value
	EdgeTable         string
	EdgeData          map[string]*expr.Expr

	AllowRetry bool // statement kind permits RetryWithId (spec §9 Open Question 1)

	Params map[string]values.Value
	Auth   values.Value
}

// Result is returned by Process on success.
type Result struct {
	Before, After values.Value
	RecordKey     []byte
}

// Runtime owns the expression evaluator and drives Process for every
// candidate record in a statement's Iterable.
type Runtime struct {
	Eval *expr.Evaluator
}

func New(ev *expr.Evaluator) *Runtime { return &Runtime{Eval: ev} }

func recordKey(ns, db, table string, id values.Value) []byte {
	return keys.Key{Kind: keys.KindThing, NS: ns, DB: db, TB: table, RecordID: keys.Ident(values.Encode(id))}.Encode()
}

// Process runs spec §4.4 steps 1-10 for one candidate record. On a
// RetryWithId conflict from a unique index, it rolls back to the save point,
// computes a new id once, and retries; a second conflict is fatal.
func (rt *Runtime) Process(tc *txn.Context, req Request) (Result, error) {
	res, err := rt.attempt(tc, req)
	if err == nil {
		return res, nil
	}
	if !dberr.Is(err, dberr.KindRetryWithID) || !req.AllowRetry {
		return Result{}, err
	}
	req.RecordID = values.String(txn.NewID())
	res, err = rt.attempt(tc, req)
	if err != nil {
		if dberr.Is(err, dberr.KindRetryWithID) {
			return Result{}, dberr.New(dberr.KindRecordExists, "unique index conflict persisted after retry")
		}
		return Result{}, err
	}
	return res, nil
}

func (rt *Runtime) attempt(tc *txn.Context, req Request) (Result, error) {
	ctx := tc.Ctx()
	sp := tc.SavePoint()

	res, err := rt.run(ctx, tc, req)
	if err != nil {
		if rbErr := tc.RollbackToSavePoint(sp); rbErr != nil {
			return Result{}, rbErr
		}
		return Result{}, err
	}
	tc.ReleaseSavePoint(sp)
	return res, nil
}

func (rt *Runtime) run(ctx context.Context, tc *txn.Context, req Request) (Result, error) {
	rk := recordKey(req.NS, req.DB, req.Table, req.RecordID)

	tbl, err := tc.Cat.GetTable(ctx, req.NS, req.DB, req.Table)
	if err != nil {
		return Result{}, err
	}

	var initial values.Value = values.None()
	if raw, err := tc.Txn.Get(ctx, rk); err == nil {
		v, derr := values.Decode(raw)
		if derr != nil {
			return Result{}, dberr.Wrap(dberr.KindInternal, derr, "decode existing record")
		}
		initial = v
	}

	opts := expr.Options{NS: req.NS, DB: req.DB, Auth: req.Auth, Params: req.Params, Strict: tbl.Kind == "schemafull"}

	current, err := rt.applyData(tc, opts, req, initial)
	if err != nil {
		return Result{}, err
	}

	if req.Action != txn.ActionDelete {
		fields, err := tc.Cat.AllFields(ctx, req.NS, req.DB, req.Table)
		if err != nil {
			return Result{}, err
		}
		current, err = rt.enforceSchema(tc, opts, tbl, fields, initial, current)
		if err != nil {
			return Result{}, err
		}
	} else {
		current = values.None()
	}

	if err := rt.checkPermission(tc, opts, tbl, req.Action, initial, current); err != nil {
		return Result{}, err
	}

	indexes, err := tc.Cat.AllIndexes(ctx, req.NS, req.DB, req.Table)
	if err != nil {
		return Result{}, err
	}
	for _, ixDef := range indexes {
		m, err := index.Build(req.NS, req.DB, ixDef)
		if err != nil {
			return Result{}, err
		}
		if req.Action == txn.ActionDelete {
			if err := m.OnDelete(ctx, tc.Txn, rk, initial); err != nil {
				return Result{}, err
			}
			continue
		}
		if err := m.OnWrite(ctx, tc.Txn, rk, initial, current, req.AllowRetry); err != nil {
			return Result{}, err
		}
	}

	if req.Action == txn.ActionDelete {
		if err := tc.Txn.Del(ctx, rk); err != nil {
			return Result{}, dberr.Wrap(dberr.KindInternal, err, "delete record")
		}
		if err := deleteAdjacency(ctx, tc, req.NS, req.DB, req.Table, initial); err != nil {
			return Result{}, err
		}
	} else {
		if err := tc.Txn.Put(ctx, rk, values.Encode(current)); err != nil {
			return Result{}, dberr.Wrap(dberr.KindInternal, err, "write record")
		}
	}

	var beforeEnc, afterEnc []byte
	if !initial.IsNone() {
		beforeEnc = values.Encode(initial)
	}
	if !current.IsNone() {
		afterEnc = values.Encode(current)
	}
	if tbl.Changefeed {
		tc.LogMutation(txn.MutationLogEntry{
			NS: req.NS, DB: req.DB, Table: req.Table,
			RecordID: rk, Action: req.Action,
			Before: beforeEnc, After: afterEnc,
		})
	}

	if err := rt.fireEvents(ctx, tc, opts, req, initial, current); err != nil {
		return Result{}, err
	}

	return Result{Before: initial, After: current, RecordKey: rk}, nil
}

// deleteAdjacency removes the two `~` adjacency entries RELATE writes
// alongside an edge record (plan's relateOp.writeAdjacency), keeping the
// three writes symmetric on delete as on create (spec §3.2, §8 property 5).
// before is the edge record's pre-delete image; non-edge records (no in/out
// fields) have nothing to clean up and are left untouched.
func deleteAdjacency(ctx context.Context, tc *txn.Context, ns, db, edgeTable string, before values.Value) error {
	inField, ok := before.Pick(values.ParseIdiom("in"))
	if !ok {
		return nil
	}
	outField, ok := before.Pick(values.ParseIdiom("out"))
	if !ok {
		return nil
	}
	inThing, ok := inField.AsThing()
	if !ok {
		return nil
	}
	outThing, ok := outField.AsThing()
	if !ok {
		return nil
	}

	outKey := keys.Key{
		Kind: keys.KindGraphAdjacency, NS: ns, DB: db, TB: inThing.Table,
		RecordID: keys.Ident(values.Encode(inThing.ID)), Dir: '>',
		EdgeTable: edgeTable, EdgeID: keys.Ident(values.Encode(outThing.ID)),
	}.Encode()
	inKey := keys.Key{
		Kind: keys.KindGraphAdjacency, NS: ns, DB: db, TB: outThing.Table,
		RecordID: keys.Ident(values.Encode(outThing.ID)), Dir: '<',
		EdgeTable: edgeTable, EdgeID: keys.Ident(values.Encode(inThing.ID)),
	}.Encode()

	if err := tc.Txn.Del(ctx, outKey); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "delete outgoing adjacency entry")
	}
	if err := tc.Txn.Del(ctx, inKey); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "delete incoming adjacency entry")
	}
	return nil
}

// applyData runs the statement-specific data-application step (spec §4.4
// step 3): CREATE applies Data over an empty object, UPDATE merges or
// replaces, DELETE produces no new current value, RELATE additionally binds
// in/out and edge data.
func (rt *Runtime) applyData(tc *txn.Context, opts expr.Options, req Request, initial values.Value) (values.Value, error) {
	if req.Action == txn.ActionDelete {
		return values.None(), nil
	}

	base := values.Object(map[string]values.Value{})
	if req.Action == txn.ActionUpdate {
		if req.Merge {
			base = initial
		}
		// REPLACE semantics: base stays empty, Data must supply the whole document.
	}

	for field, e := range req.Data {
		r := rt.Eval.Eval(tc, opts, base, req.Params, e)
		if r.Kind == expr.FlowErr {
			return values.Value{}, r.Err
		}
		base = base.Put(values.ParseIdiom(field), r.Value)
	}

	if req.InField.Kind() != values.KindNone {
		base = base.Put(values.ParseIdiom("in"), req.InField)
	}
	if req.OutField.Kind() != values.KindNone {
		base = base.Put(values.ParseIdiom("out"), req.OutField)
	}
	for field, e := range req.EdgeData {
		r := rt.Eval.Eval(tc, opts, base, req.Params, e)
		if r.Kind == expr.FlowErr {
			return values.Value{}, r.Err
		}
		base = base.Put(values.ParseIdiom(field), r.Value)
	}

	return base.Put(values.ParseIdiom("id"), req.RecordID), nil
}
