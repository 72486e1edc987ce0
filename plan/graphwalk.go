package plan

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/values"
)

func encodeAdjacency(e adjacencyEntry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "encode adjacency entry")
	}
	return b, nil
}

func decodeAdjacency(b []byte) (adjacencyEntry, error) {
	var e adjacencyEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return adjacencyEntry{}, dberr.Wrap(dberr.KindInternal, err, "decode adjacency entry")
	}
	return e, nil
}

// GraphTraverse walks the adjacency range for each input row (spec §4.7),
// producing the connected records. Depth > 1 repeats the walk that many
// hops, tracking a visited set per seed row so a cyclic graph cannot loop
// forever — the same visited/recursion-stack discipline as the teacher's
// graph.checkCycleRecursive, here bounding a traversal instead of only
// detecting a cycle.
type GraphTraverse struct {
	p         *Planner
	inner     Operator
	ns, db    string
	dir       byte
	edgeTable string
	depth     int

	pending Batch
	buf     Batch
}

func (p *Planner) NewGraphTraverse(inner Operator, ns, db string, dir byte, edgeTable string, depth int) *GraphTraverse {
	if depth < 1 {
		depth = 1
	}
	return &GraphTraverse{p: p, inner: inner, ns: ns, db: db, dir: dir, edgeTable: edgeTable, depth: depth}
}

func (g *GraphTraverse) Next(ctx context.Context) (Batch, error) {
	for len(g.buf) == 0 {
		rows, err := g.inner.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			return nil, nil
		}
		expanded, err := g.expandFanned(ctx, rows)
		if err != nil {
			return nil, err
		}
		g.buf = expanded
	}
	out := g.buf
	g.buf = nil
	return out, nil
}

// expandFanned walks g.depth hops from each row, bounding concurrent
// sub-walks to maxFanOut (spec §4.7 "bounded concurrency") via
// errgroup.Group.SetLimit.
func (g *GraphTraverse) expandFanned(ctx context.Context, rows Batch) (Batch, error) {
	results := make([]Batch, len(rows))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxFanOut)

	for i, row := range rows {
		i, row := i, row
		eg.Go(func() error {
			rs, err := g.walk(egCtx, row, g.depth, map[string]bool{})
			if err != nil {
				return err
			}
			results[i] = rs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out Batch
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (g *GraphTraverse) walk(ctx context.Context, row values.Value, depth int, visited map[string]bool) (Batch, error) {
	if depth == 0 {
		return Batch{row}, nil
	}
	id, ok := row.Pick(values.ParseIdiom("id"))
	if !ok {
		return Batch{row}, nil
	}
	table, _ := tableOf(row)
	recID := keys.Ident(values.Encode(id))
	vkey := string(recID) + "/" + table
	if visited[vkey] {
		return nil, nil
	}
	visited[vkey] = true

	begin, end := keys.AdjacencyPrefix(g.ns, g.db, table, recID, g.dir, g.edgeTable)
	adjRows, err := g.p.TC.Txn.Scan(ctx, begin, end, 0)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "scan adjacency range")
	}

	var out Batch
	for _, ar := range adjRows {
		entry, err := decodeAdjacency(ar.Value)
		if err != nil {
			continue
		}
		raw, err := g.p.TC.Txn.Get(ctx, entry.TargetKey)
		if err != nil {
			continue
		}
		target, derr := values.Decode(raw)
		if derr != nil {
			continue
		}
		if depth > 1 {
			sub, err := g.walk(ctx, target, depth-1, visited)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		} else {
			out = append(out, target)
		}
	}
	return out, nil
}

func tableOf(row values.Value) (string, bool) {
	if t, ok := row.AsThing(); ok {
		return t.Table, true
	}
	if id, ok := row.Pick(values.ParseIdiom("id")); ok {
		if t, ok := id.AsThing(); ok {
			return t.Table, true
		}
	}
	return "", false
}
