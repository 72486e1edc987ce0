// Package btree implements the non-unique (Idx) and unique (Unique) B-tree
// secondary index from spec §4.5, keyed through the keys package so entries
// sort in the same lexicographic order as the logical field-value tuple
// (spec §8 property 3).
package btree

import (
	"context"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/kvs"
	"glyphdb.dev/glyphdb/values"
)

// Index maintains one B-tree secondary index, unique or non-unique.
type Index struct {
	ns, db, table, name string
	fields              []string
	unique              bool
}

func New(ns, db, table, name string, fields []string, unique bool) *Index {
	return &Index{ns: ns, db: db, table: table, name: name, fields: fields, unique: unique}
}

// fieldVals projects row onto the index's field list, as order-preserving
// keys.Ident components.
func (ix *Index) fieldVals(row values.Value) []keys.Ident {
	out := make([]keys.Ident, 0, len(ix.fields))
	for _, f := range ix.fields {
		v, _ := row.Pick(values.ParseIdiom(f))
		out = append(out, keys.Ident(values.Encode(v)))
	}
	return out
}

func (ix *Index) entryKey(fieldVals []keys.Ident, recordKey []byte) []byte {
	k := keys.Key{Kind: keys.KindIndex, NS: ix.ns, DB: ix.db, TB: ix.table, IndexName: ix.name, FieldVals: fieldVals}
	if !ix.unique {
		k.IndexKey = keys.Ident(recordKey)
	}
	return k.Encode()
}

// OnWrite removes the stale entry (if field values changed) and inserts the
// new one. Unique indexes use PutIfAbsent; a conflict raises RetryWithID
// when allowRetry is set (UPSERT semantics), else RecordExists.
func (ix *Index) OnWrite(ctx context.Context, txn kvs.Txn, recordKey []byte, before, after values.Value, allowRetry bool) error {
	var oldVals, newVals []keys.Ident
	hasBefore := !before.IsNone()
	if hasBefore {
		oldVals = ix.fieldVals(before)
	}
	newVals = ix.fieldVals(after)

	changed := !hasBefore || !identsEqual(oldVals, newVals)
	if hasBefore && changed {
		if err := txn.Del(ctx, ix.entryKey(oldVals, recordKey)); err != nil {
			return dberr.Wrap(dberr.KindInternal, err, "remove stale index entry")
		}
	}
	if !changed {
		return nil
	}

	entryKey := ix.entryKey(newVals, recordKey)
	if !ix.unique {
		if err := txn.Put(ctx, entryKey, recordKey); err != nil {
			return dberr.Wrap(dberr.KindInternal, err, "write index entry")
		}
		return nil
	}

	if err := txn.PutIfAbsent(ctx, entryKey, recordKey); err != nil {
		if err == kvs.ErrKeyExists {
			if allowRetry {
				return dberr.New(dberr.KindRetryWithID, "unique index %q conflict", ix.name)
			}
			return dberr.New(dberr.KindRecordExists, "unique index %q violated", ix.name)
		}
		return dberr.Wrap(dberr.KindInternal, err, "write unique index entry")
	}
	return nil
}

// OnDelete removes the entry derived from before.
func (ix *Index) OnDelete(ctx context.Context, txn kvs.Txn, recordKey []byte, before values.Value) error {
	if before.IsNone() {
		return nil
	}
	vals := ix.fieldVals(before)
	if err := txn.Del(ctx, ix.entryKey(vals, recordKey)); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "remove index entry")
	}
	return nil
}

func identsEqual(a, b []keys.Ident) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i]) != string(b[i]) {
			return false
		}
	}
	return true
}
