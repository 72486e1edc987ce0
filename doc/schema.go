package doc

import (
	"context"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

// enforceSchema applies spec §4.4 step 4: schemafull tables reject unknown
// fields (unless FLEXIBLE), then each defined field runs DEFAULT, VALUE,
// READONLY, kind coercion, and ASSERT in that order, so ASSERT sees the
// coerced value.
func (rt *Runtime) enforceSchema(tc *txn.Context, opts expr.Options, tbl catalog.Table, fields []catalog.Field, initial, current values.Value) (values.Value, error) {
	defined := make(map[string]catalog.Field, len(fields))
	for _, f := range fields {
		defined[f.Name] = f
	}

	if tbl.Kind == "schemafull" {
		obj, ok := current.AsObject()
		if !ok {
			return values.Value{}, dberr.New(dberr.KindFieldCheck, "document is not an object")
		}
		for name := range obj {
			if name == "id" {
				continue
			}
			f, ok := defined[name]
			if !ok {
				return values.Value{}, dberr.New(dberr.KindFieldCheck, "field %q is not defined on a schemafull table", name)
			}
			if f.Flexible {
				continue
			}
		}
	}

	for _, f := range fields {
		idiom := values.ParseIdiom(f.Name)
		cur, has := current.Pick(idiom)

		if !has && f.Default != "" {
			de, err := expr.Unmarshal(f.Default)
			if err != nil {
				return values.Value{}, err
			}
			r := rt.Eval.Eval(tc, opts, current, opts.Params, de)
			if r.Kind == expr.FlowErr {
				return values.Value{}, r.Err
			}
			cur = r.Value
			current = current.Put(idiom, cur)
			has = true
		}

		if f.Value != "" {
			ve, err := expr.Unmarshal(f.Value)
			if err != nil {
				return values.Value{}, err
			}
			r := rt.Eval.Eval(tc, opts, current, opts.Params, ve)
			if r.Kind == expr.FlowErr {
				return values.Value{}, r.Err
			}
			cur = r.Value
			current = current.Put(idiom, cur)
			has = true
		}

		if f.ReadOnly && !initial.IsNone() {
			prev, _ := initial.Pick(idiom)
			if has && prev.Compare(cur) != 0 {
				return values.Value{}, dberr.New(dberr.KindFieldCheck, "field %q is read-only", f.Name)
			}
		}

		if f.Type != "" && has {
			coerced, ok := cur.Coerce(typeKind(f.Type))
			if !ok {
				return values.Value{}, dberr.New(dberr.KindTypeCoerce, "field %q cannot coerce to %s", f.Name, f.Type)
			}
			cur = coerced
			current = current.Put(idiom, cur)
		}

		if f.Assert != "" && has {
			ae, err := expr.Unmarshal(f.Assert)
			if err != nil {
				return values.Value{}, err
			}
			r := rt.Eval.Eval(tc, opts, current, opts.Params, ae)
			if r.Kind == expr.FlowErr {
				return values.Value{}, r.Err
			}
			if !r.Value.Truthy() {
				return values.Value{}, dberr.New(dberr.KindFieldCheck, "ASSERT failed for field %q", f.Name)
			}
		}
	}

	return current, nil
}

func typeKind(t string) values.Kind {
	switch t {
	case "bool":
		return values.KindBool
	case "int":
		return values.KindInt64
	case "float", "number":
		return values.KindFloat64
	case "string":
		return values.KindString
	case "bytes":
		return values.KindBytes
	case "array":
		return values.KindArray
	case "object":
		return values.KindObject
	case "datetime":
		return values.KindDatetime
	case "duration":
		return values.KindDuration
	case "uuid":
		return values.KindUUID
	case "point":
		return values.KindPoint
	default:
		return values.KindObject
	}
}

// checkPermission implements spec §4.9's DML gate: NONE always rejects, FULL
// always allows, a predicate Expr is evaluated against the candidate row
// with $auth bound and must be truthy.
func (rt *Runtime) checkPermission(tc *txn.Context, opts expr.Options, tbl catalog.Table, action txn.MutationAction, initial, current values.Value) error {
	verb := verbFor(action)
	perm, ok := tbl.Permissions[verb]
	if !ok {
		return nil // no entry defined: FULL
	}
	switch perm.Kind {
	case "none":
		return dberr.New(dberr.KindPermissionDenied, "permission denied for %s on %s", verb, tbl.Name)
	case "full", "":
		return nil
	case "where":
		pe, err := expr.Unmarshal(perm.Expr)
		if err != nil {
			return err
		}
		row := current
		if row.IsNone() {
			row = initial
		}
		r := rt.Eval.Eval(tc, opts, row, opts.Params, pe)
		if r.Kind == expr.FlowErr {
			return r.Err
		}
		if !r.Value.Truthy() {
			return dberr.New(dberr.KindPermissionDenied, "permission predicate rejected %s on %s", verb, tbl.Name)
		}
		return nil
	default:
		return dberr.New(dberr.KindInternal, "unknown permission kind %q", perm.Kind)
	}
}

func verbFor(a txn.MutationAction) string {
	switch a {
	case txn.ActionCreate:
		return "create"
	case txn.ActionUpdate:
		return "update"
	case txn.ActionDelete:
		return "delete"
	default:
		return "select"
	}
}

// fireEvents implements spec §4.4 step 9: each EVENT on the table whose
// WHEN predicate is truthy against (before, after) runs its THEN block as a
// sub-query against the same transaction.
func (rt *Runtime) fireEvents(ctx context.Context, tc *txn.Context, opts expr.Options, req Request, before, after values.Value) error {
	events, err := tc.Cat.AllEvents(ctx, req.NS, req.DB, req.Table)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	eventDoc := values.Object(map[string]values.Value{
		"before": before,
		"after":  after,
		"event":  values.String(verbFor(req.Action)),
	})

	for _, e := range events {
		truthy := true
		if e.When != "" {
			we, err := expr.Unmarshal(e.When)
			if err != nil {
				return err
			}
			r := rt.Eval.Eval(tc, opts, eventDoc, opts.Params, we)
			if r.Kind == expr.FlowErr {
				return r.Err
			}
			truthy = r.Value.Truthy()
		}
		if !truthy {
			continue
		}
		if e.Then == "" {
			continue
		}
		te, err := expr.Unmarshal(e.Then)
		if err != nil {
			return err
		}
		r := rt.Eval.Eval(tc, opts, eventDoc, opts.Params, te)
		if r.Kind == expr.FlowErr {
			return r.Err
		}
	}
	return nil
}
