// Package hnsw implements the approximate nearest-neighbor vector index from
// spec §4.5: a layered proximity graph (Malkov & Yashunin) supporting
// filtered KNN search via a caller-supplied truthy predicate that lets the
// planner push a WHERE clause down into graph traversal instead of
// post-filtering a candidate list.
package hnsw

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/kvs"
	"glyphdb.dev/glyphdb/values"
)

const (
	defaultM    = 16
	defaultEfC  = 128
	maxLevelRnd = 1.0 / 0.6931471805599453 // 1/ln(2), standard HNSW level multiplier
)

// Index maintains one vector index over a single float-array field.
type Index struct {
	ns, db, table, name string
	field               string
	m                    int
	efConstruction       int
}

func New(ns, db, table, name string, fields []string) *Index {
	f := "embedding"
	if len(fields) > 0 {
		f = fields[0]
	}
	return &Index{ns: ns, db: db, table: table, name: name, field: f, m: defaultM, efConstruction: defaultEfC}
}

type element struct {
	ID        uint64
	RecordKey []byte
	Vector    []float32
	Level     int
	Neighbors map[int][]uint64 // level -> neighbor element ids
}

func (ix *Index) prefix() string { return fmt.Sprintf("+ix/%s/%s/%s/%s/", ix.ns, ix.db, ix.table, ix.name) }

func (ix *Index) elemKey(id uint64) []byte { return []byte(fmt.Sprintf("%sel/%d", ix.prefix(), id)) }
func (ix *Index) recordToIDKey(recordKey []byte) []byte {
	return []byte(fmt.Sprintf("%srid2el/%x", ix.prefix(), recordKey))
}
func (ix *Index) nextIDKey() []byte  { return []byte(ix.prefix() + "next_el_id") }
func (ix *Index) entryKey() []byte   { return []byte(ix.prefix() + "entry") }

func (ix *Index) loadElement(ctx context.Context, txn kvs.Txn, id uint64) (*element, error) {
	v, err := txn.Get(ctx, ix.elemKey(id))
	if err != nil {
		return nil, err
	}
	var e element
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (ix *Index) saveElement(ctx context.Context, txn kvs.Txn, e *element) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return txn.Put(ctx, ix.elemKey(e.ID), b)
}

type entryPoint struct {
	ID    uint64
	Level int
}

func (ix *Index) loadEntry(ctx context.Context, txn kvs.Txn) (*entryPoint, bool) {
	v, err := txn.Get(ctx, ix.entryKey())
	if err != nil {
		return nil, false
	}
	var ep entryPoint
	if err := json.Unmarshal(v, &ep); err != nil {
		return nil, false
	}
	return &ep, true
}

func (ix *Index) saveEntry(ctx context.Context, txn kvs.Txn, ep entryPoint) error {
	b, _ := json.Marshal(ep)
	return txn.Put(ctx, ix.entryKey(), b)
}

func (ix *Index) vectorOf(row values.Value) ([]float32, bool) {
	v, ok := row.Pick(values.ParseIdiom(ix.field))
	if !ok {
		return nil, false
	}
	arr, ok := v.AsArray()
	if !ok {
		return nil, false
	}
	out := make([]float32, 0, len(arr))
	for _, e := range arr {
		f, ok := e.AsFloat()
		if !ok {
			if i, ok := e.AsInt(); ok {
				f = float64(i)
			} else {
				return nil, false
			}
		}
		out = append(out, float32(f))
	}
	return out, true
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// randomLevel draws an element's top layer using HNSW's exponential
// distribution. Deterministic levelSeed derived from the element id avoids
// a hidden dependency on a global RNG across transaction retries.
func randomLevel(id uint64) int {
	h := id*2654435761 + 1
	frac := float64(h%1000000) / 1000000.0
	if frac <= 0 {
		frac = 0.0001
	}
	lvl := int(math.Floor(-math.Log(frac) * maxLevelRnd * 0.3))
	if lvl > 8 {
		lvl = 8
	}
	return lvl
}

func (ix *Index) getOrAssignID(ctx context.Context, txn kvs.Txn, recordKey []byte) (uint64, bool, error) {
	if v, err := txn.Get(ctx, ix.recordToIDKey(recordKey)); err == nil {
		return binary.BigEndian.Uint64(v), false, nil
	}
	var next uint64
	if v, err := txn.Get(ctx, ix.nextIDKey()); err == nil {
		next = binary.BigEndian.Uint64(v)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next+1)
	if err := txn.Put(ctx, ix.nextIDKey(), buf[:]); err != nil {
		return 0, false, err
	}
	binary.BigEndian.PutUint64(buf[:], next)
	if err := txn.Put(ctx, ix.recordToIDKey(recordKey), buf[:]); err != nil {
		return 0, false, err
	}
	return next, true, nil
}

// searchLayer performs a greedy best-first search within one layer,
// returning the ef closest candidates found, restricted to elements the
// truthy callback accepts (filtered KNN, spec §4.5).
func (ix *Index) searchLayer(ctx context.Context, txn kvs.Txn, query []float32, entry uint64, level, ef int, truthy func([]byte) (bool, error)) ([]uint64, error) {
	visited := map[uint64]bool{entry: true}
	type cand struct {
		id   uint64
		dist float64
	}
	e0, err := ix.loadElement(ctx, txn, entry)
	if err != nil {
		return nil, err
	}
	candidates := []cand{{entry, cosineDistance(query, e0.Vector)}}
	var results []cand
	ok, err := truthy(e0.RecordKey)
	if err != nil {
		return nil, err
	}
	if ok {
		results = append(results, candidates[0])
	}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		cur := candidates[0]
		candidates = candidates[1:]

		if len(results) >= ef {
			sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
			if cur.dist > results[ef-1].dist {
				break
			}
		}

		curElem, err := ix.loadElement(ctx, txn, cur.id)
		if err != nil {
			continue
		}
		for _, nb := range curElem.Neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbElem, err := ix.loadElement(ctx, txn, nb)
			if err != nil {
				continue
			}
			d := cosineDistance(query, nbElem.Vector)
			candidates = append(candidates, cand{nb, d})
			pass, err := truthy(nbElem.RecordKey)
			if err != nil {
				return nil, err
			}
			if pass {
				results = append(results, cand{nb, d})
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	out := make([]uint64, len(results))
	for i, r := range results {
		out[i] = r.id
	}
	return out, nil
}

// OnWrite inserts or updates the record's vector. HNSW has no native update,
// so a changed vector removes the element's neighbor links and re-inserts.
func (ix *Index) OnWrite(ctx context.Context, txn kvs.Txn, recordKey []byte, before, after values.Value, allowRetry bool) error {
	vec, ok := ix.vectorOf(after)
	if !ok {
		return ix.OnDelete(ctx, txn, recordKey, before)
	}

	id, isNew, err := ix.getOrAssignID(ctx, txn, recordKey)
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "assign hnsw element id")
	}

	level := randomLevel(id)
	e := &element{ID: id, RecordKey: recordKey, Vector: vec, Level: level, Neighbors: map[int][]uint64{}}

	ep, hasEntry := ix.loadEntry(ctx, txn)
	if !hasEntry {
		if err := ix.saveElement(ctx, txn, e); err != nil {
			return dberr.Wrap(dberr.KindInternal, err, "save hnsw element")
		}
		return ix.saveEntry(ctx, txn, entryPoint{ID: id, Level: level})
	}

	allowAll := func([]byte) (bool, error) { return true, nil }
	cur := ep.ID
	for l := ep.Level; l > level; l-- {
		near, err := ix.searchLayer(ctx, txn, vec, cur, l, 1, allowAll)
		if err != nil {
			return dberr.Wrap(dberr.KindInternal, err, "hnsw descend")
		}
		if len(near) > 0 {
			cur = near[0]
		}
	}
	for l := min(level, ep.Level); l >= 0; l-- {
		neighbors, err := ix.searchLayer(ctx, txn, vec, cur, l, ix.efConstruction, allowAll)
		if err != nil {
			return dberr.Wrap(dberr.KindInternal, err, "hnsw search layer")
		}
		if len(neighbors) > ix.m {
			neighbors = neighbors[:ix.m]
		}
		e.Neighbors[l] = neighbors
		for _, nb := range neighbors {
			nbElem, err := ix.loadElement(ctx, txn, nb)
			if err != nil {
				continue
			}
			nbElem.Neighbors[l] = append(nbElem.Neighbors[l], id)
			if len(nbElem.Neighbors[l]) > ix.m*2 {
				nbElem.Neighbors[l] = nbElem.Neighbors[l][len(nbElem.Neighbors[l])-ix.m*2:]
			}
			if err := ix.saveElement(ctx, txn, nbElem); err != nil {
				return err
			}
		}
		if len(neighbors) > 0 {
			cur = neighbors[0]
		}
	}

	if err := ix.saveElement(ctx, txn, e); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "save hnsw element")
	}
	if level > ep.Level || !isNew && level > ep.Level {
		return ix.saveEntry(ctx, txn, entryPoint{ID: id, Level: level})
	}
	return nil
}

// OnDelete drops the element and its neighbor links from the index. Other
// elements' links to it are left in place; searchLayer skips them when the
// element no longer loads, and nothing removes them.
func (ix *Index) OnDelete(ctx context.Context, txn kvs.Txn, recordKey []byte, before values.Value) error {
	v, err := txn.Get(ctx, ix.recordToIDKey(recordKey))
	if err == kvs.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	id := binary.BigEndian.Uint64(v)
	if err := txn.Del(ctx, ix.elemKey(id)); err != nil {
		return err
	}
	return txn.Del(ctx, ix.recordToIDKey(recordKey))
}

// Search runs filtered KNN: k results among elements for which truthy
// returns true, searched with beam width ef (ef >= k).
func (ix *Index) Search(ctx context.Context, txn kvs.Txn, query []float32, k, ef int, truthy func(recordKey []byte) (bool, error)) ([][]byte, error) {
	if ef < k {
		ef = k
	}
	ep, ok := ix.loadEntry(ctx, txn)
	if !ok {
		return nil, nil
	}
	allowAll := func([]byte) (bool, error) { return true, nil }
	cur := ep.ID
	for l := ep.Level; l > 0; l-- {
		near, err := ix.searchLayer(ctx, txn, query, cur, l, 1, allowAll)
		if err != nil {
			return nil, err
		}
		if len(near) > 0 {
			cur = near[0]
		}
	}
	ids, err := ix.searchLayer(ctx, txn, query, cur, 0, ef, truthy)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "hnsw search")
	}
	if len(ids) > k {
		ids = ids[:k]
	}
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		e, err := ix.loadElement(ctx, txn, id)
		if err != nil {
			continue
		}
		out = append(out, e.RecordKey)
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
