// Package index defines the common index.Maintainer contract invoked by the
// document runtime (spec §4.5) and builds the concrete maintainer for a
// catalog.Index definition. Sub-packages implement one index kind each:
// index/btree (unique/non-unique B-tree), index/fulltext (BM25 postings),
// index/hnsw (approximate nearest-neighbor).
package index

import (
	"context"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/index/btree"
	"glyphdb.dev/glyphdb/index/fulltext"
	"glyphdb.dev/glyphdb/index/hnsw"
	"glyphdb.dev/glyphdb/kvs"
	"glyphdb.dev/glyphdb/values"
)

// Maintainer keeps one secondary index consistent with base rows within the
// enclosing transaction (spec §4.5). before/after are the full record
// values, from which each maintainer picks its indexed fields
// (values.None() when absent, i.e. create has no before, delete has no
// after).
type Maintainer interface {
	// OnWrite applies the delta implied by replacing before with after.
	// allowRetry controls whether a unique-index conflict surfaces as
	// dberr.KindRetryWithID (true) or dberr.KindRecordExists (false), per
	// the statement-capability flag from spec §9's Open Question.
	OnWrite(ctx context.Context, txn kvs.Txn, recordKey []byte, before, after values.Value, allowRetry bool) error
	OnDelete(ctx context.Context, txn kvs.Txn, recordKey []byte, before values.Value) error
}

// Build constructs the Maintainer for ix, dispatching on ix.Kind.
func Build(ns, db string, ix catalog.Index) (Maintainer, error) {
	switch ix.Kind {
	case "btree":
		return btree.New(ns, db, ix.Table, ix.Name, ix.Fields, ix.Unique), nil
	case "fulltext":
		return fulltext.New(ns, db, ix.Table, ix.Name, ix.Fields, ix.Defer), nil
	case "hnsw":
		return hnsw.New(ns, db, ix.Table, ix.Name, ix.Fields), nil
	default:
		return nil, dberr.New(dberr.KindInternal, "unknown index kind %q", ix.Kind)
	}
}
