package plan

import (
	"context"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/index/fulltext"
	"glyphdb.dev/glyphdb/index/hnsw"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/values"
)

// ScanStrategy selects how TableScan walks the base key range (spec §4.7).
type ScanStrategy int

const (
	ScanKeysAndValues ScanStrategy = iota
	ScanKeysOnly
)

// TableScan walks every record key under ns/db/tb in forward order, a
// fixed-size batch at a time.
type TableScan struct {
	p             *Planner
	ns, db, table string
	strategy      ScanStrategy

	cursor []byte
	end    []byte
	done   bool
}

func (p *Planner) NewTableScan(ns, db, table string, strategy ScanStrategy) *TableScan {
	begin, end := keys.TablePrefix(ns, db, table)
	return &TableScan{p: p, ns: ns, db: db, table: table, strategy: strategy, cursor: begin, end: end}
}

func (s *TableScan) Next(ctx context.Context) (Batch, error) {
	if s.done || s.p.TC.Cancelled() {
		return nil, nil
	}
	rows, err := s.p.TC.Txn.Scan(ctx, s.cursor, s.end, defaultBatchSize)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "table scan")
	}
	if len(rows) == 0 {
		s.done = true
		return nil, nil
	}
	out := make(Batch, 0, len(rows))
	for _, r := range rows {
		if s.strategy == ScanKeysOnly {
			out = append(out, values.Bytes(r.Key))
			continue
		}
		v, err := values.Decode(r.Value)
		if err != nil {
			return nil, dberr.Wrap(dberr.KindInternal, err, "decode scanned record")
		}
		out = append(out, v)
	}
	last := rows[len(rows)-1].Key
	s.cursor = append(append([]byte{}, last...), 0x00)
	if len(rows) < defaultBatchSize {
		s.done = true
	}
	return out, nil
}

// ThingScan fetches a single record by id; produces one batch of at most one
// row, then completes.
type ThingScan struct {
	p                   *Planner
	ns, db, table       string
	id                  values.Value
	done                bool
}

func (p *Planner) NewThingScan(ns, db, table string, id values.Value) *ThingScan {
	return &ThingScan{p: p, ns: ns, db: db, table: table, id: id}
}

func (s *ThingScan) Next(ctx context.Context) (Batch, error) {
	if s.done {
		return nil, nil
	}
	s.done = true
	rk := keys.Key{Kind: keys.KindThing, NS: s.ns, DB: s.db, TB: s.table, RecordID: keys.Ident(values.Encode(s.id))}.Encode()
	raw, err := s.p.TC.Txn.Get(ctx, rk)
	if err != nil {
		return nil, nil
	}
	v, derr := values.Decode(raw)
	if derr != nil {
		return nil, dberr.Wrap(dberr.KindInternal, derr, "decode record")
	}
	return Batch{v}, nil
}

// IndexScan scans an index's key range for the given leading field values,
// fetching base rows for each match (spec §4.7's IndexScan strategy).
type IndexScan struct {
	p                   *Planner
	ns, db, table, name string
	fieldVals           []keys.Ident
	unique              bool

	cursor, end []byte
	done        bool
}

func (p *Planner) NewIndexScan(ns, db, table, name string, fieldVals []keys.Ident, unique bool) *IndexScan {
	begin, end := keys.IndexPrefix(ns, db, table, name, fieldVals)
	return &IndexScan{p: p, ns: ns, db: db, table: table, name: name, fieldVals: fieldVals, unique: unique, cursor: begin, end: end}
}

func (s *IndexScan) Next(ctx context.Context) (Batch, error) {
	if s.done {
		return nil, nil
	}
	rows, err := s.p.TC.Txn.Scan(ctx, s.cursor, s.end, defaultBatchSize)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "index scan")
	}
	if len(rows) == 0 {
		s.done = true
		return nil, nil
	}
	out := make(Batch, 0, len(rows))
	for _, r := range rows {
		raw, err := s.p.TC.Txn.Get(ctx, r.Value)
		if err != nil {
			continue
		}
		v, derr := values.Decode(raw)
		if derr != nil {
			continue
		}
		out = append(out, v)
	}
	last := rows[len(rows)-1].Key
	s.cursor = append(append([]byte{}, last...), 0x00)
	if len(rows) < defaultBatchSize {
		s.done = true
	}
	return out, nil
}

// FullTextMatch drives an FT index's postings iterator for a query string.
type FullTextMatch struct {
	p    *Planner
	ix   *fulltext.Index
	q    string
	done bool
}

func (p *Planner) NewFullTextMatch(ns, db, table, name string, fields []string, deferMode bool, query string) *FullTextMatch {
	return &FullTextMatch{p: p, ix: fulltext.New(ns, db, table, name, fields, deferMode), q: query}
}

func (s *FullTextMatch) Next(ctx context.Context) (Batch, error) {
	if s.done {
		return nil, nil
	}
	s.done = true
	matchKeys, err := s.ix.Search(ctx, s.p.TC.Txn, s.q, 0)
	if err != nil {
		return nil, err
	}
	out := make(Batch, 0, len(matchKeys))
	for _, k := range matchKeys {
		raw, err := s.p.TC.Txn.Get(ctx, k)
		if err != nil {
			continue
		}
		v, derr := values.Decode(raw)
		if derr != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// KNNScan drives the HNSW index's filtered-KNN search, consulting truthy
// (usually a compiled WHERE predicate) before admitting a candidate (spec
// §4.5's filtered-KNN design).
type KNNScan struct {
	p      *Planner
	ix     *hnsw.Index
	query  []float32
	k, ef  int
	truthy func([]byte) (bool, error)
	done   bool
}

func (p *Planner) NewKNNScan(ns, db, table, name string, fields []string, query []float32, k, ef int, truthy func([]byte) (bool, error)) *KNNScan {
	if truthy == nil {
		truthy = func([]byte) (bool, error) { return true, nil }
	}
	return &KNNScan{p: p, ix: hnsw.New(ns, db, table, name, fields), query: query, k: k, ef: ef, truthy: truthy}
}

func (s *KNNScan) Next(ctx context.Context) (Batch, error) {
	if s.done {
		return nil, nil
	}
	s.done = true
	recKeys, err := s.ix.Search(ctx, s.p.TC.Txn, s.query, s.k, s.ef, s.truthy)
	if err != nil {
		return nil, err
	}
	out := make(Batch, 0, len(recKeys))
	for _, k := range recKeys {
		raw, err := s.p.TC.Txn.Get(ctx, k)
		if err != nil {
			continue
		}
		v, derr := values.Decode(raw)
		if derr != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
