// Package fulltext implements the BM25 full-text index from spec §4.5:
// per-term postings as roaring bitmaps of dense DocIDs, per-(term,doc) term
// frequency, and per-doc length statistics for scoring. Supports in-band
// updates and a DEFER mode that queues per-term deltas under a
// transaction-scoped key so concurrent transactions never collide (spec §9
// "Index DEFER mode").
package fulltext

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/kvs"
	"glyphdb.dev/glyphdb/values"
)

// Index maintains the full-text postings for one SEARCH index.
type Index struct {
	ns, db, table, name string
	fields              []string
	deferMode           bool

	// instanceID scopes this maintainer's DEFER queue entries so that two
	// concurrently-running statements updating the same index never
	// collide on a queue key (spec §9); a fresh instance is built per
	// statement by doc.Runtime.
	instanceID string
}

func New(ns, db, table, name string, fields []string, deferMode bool) *Index {
	return &Index{ns: ns, db: db, table: table, name: name, fields: fields, deferMode: deferMode, instanceID: uuid.NewString()}
}

// TermDocument carries scoring metadata for one (term, doc) pair.
type TermDocument struct {
	TF      uint32
	Offsets []uint32
}

// stats aggregates BM25 corpus statistics.
type stats struct {
	TotalDocs      uint64
	TotalLength    uint64
}

func (ix *Index) prefix() string {
	return fmt.Sprintf("+ix/%s/%s/%s/%s/", ix.ns, ix.db, ix.table, ix.name)
}

func (ix *Index) termDocsKey(term string) []byte   { return []byte(ix.prefix() + "term/" + term) }
func (ix *Index) termDocKey(term string, doc uint64) []byte {
	return []byte(fmt.Sprintf("%std/%s/%d", ix.prefix(), term, doc))
}
func (ix *Index) docIDForKeyKey(recordKey []byte) []byte {
	return []byte(fmt.Sprintf("%sdocid/%x", ix.prefix(), recordKey))
}
func (ix *Index) recordForDocKey(doc uint64) []byte {
	return []byte(fmt.Sprintf("%srid/%d", ix.prefix(), doc))
}
func (ix *Index) docLenKey(doc uint64) []byte { return []byte(fmt.Sprintf("%sdoclen/%d", ix.prefix(), doc)) }
func (ix *Index) nextDocIDKey() []byte        { return []byte(ix.prefix() + "next_doc_id") }
func (ix *Index) statsKey() []byte            { return []byte(ix.prefix() + "stats") }
func (ix *Index) deferKey(term string) []byte {
	return []byte(fmt.Sprintf("%s!defer/%s/%s", ix.prefix(), ix.instanceID, term))
}

// analyze runs the tokenizer+filter pipeline: split on whitespace/punct,
// lowercase. Grounded on the filter-pipeline shape of the teacher's
// semantic/runtime WalkJSON visitor, generalized to a token stream instead
// of a field-substitution walk.
func analyze(text string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return toks
}

func (ix *Index) extractTokens(row values.Value) []string {
	var toks []string
	for _, f := range ix.fields {
		v, ok := row.Pick(values.ParseIdiom(f))
		if !ok {
			continue
		}
		if s, ok := v.AsString(); ok {
			toks = append(toks, analyze(s)...)
		}
	}
	return toks
}

func tokenCounts(toks []string) map[string]uint32 {
	out := map[string]uint32{}
	for _, t := range toks {
		out[t]++
	}
	return out
}

func (ix *Index) getOrAssignDocID(ctx context.Context, txn kvs.Txn, recordKey []byte) (uint64, error) {
	if v, err := txn.Get(ctx, ix.docIDForKeyKey(recordKey)); err == nil {
		return binary.BigEndian.Uint64(v), nil
	}
	var next uint64
	if v, err := txn.Get(ctx, ix.nextDocIDKey()); err == nil {
		next = binary.BigEndian.Uint64(v)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next+1)
	if err := txn.Put(ctx, ix.nextDocIDKey(), buf[:]); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint64(buf[:], next)
	if err := txn.Put(ctx, ix.docIDForKeyKey(recordKey), buf[:]); err != nil {
		return 0, err
	}
	if err := txn.Put(ctx, ix.recordForDocKey(next), recordKey); err != nil {
		return 0, err
	}
	return next, nil
}

func (ix *Index) loadBitmap(ctx context.Context, txn kvs.Txn, term string) (*roaring.Bitmap, error) {
	bm := roaring.New()
	v, err := txn.Get(ctx, ix.termDocsKey(term))
	if err == kvs.ErrNotFound {
		return bm, nil
	}
	if err != nil {
		return nil, err
	}
	if err := bm.UnmarshalBinary(v); err != nil {
		return nil, err
	}
	return bm, nil
}

func (ix *Index) saveBitmap(ctx context.Context, txn kvs.Txn, term string, bm *roaring.Bitmap) error {
	if bm.IsEmpty() {
		return txn.Del(ctx, ix.termDocsKey(term))
	}
	b, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return txn.Put(ctx, ix.termDocsKey(term), b)
}

func (ix *Index) applyDelta(ctx context.Context, txn kvs.Txn, doc uint64, term string, delta int64) error {
	bm, err := ix.loadBitmap(ctx, txn, term)
	if err != nil {
		return err
	}
	if delta > 0 {
		bm.Add(uint32(doc))
	} else {
		var td TermDocument
		if v, err := txn.Get(ctx, ix.termDocKey(term, doc)); err == nil {
			json.Unmarshal(v, &td)
		}
		if td.TF == 0 {
			bm.Remove(uint32(doc))
		}
	}
	return ix.saveBitmap(ctx, txn, term, bm)
}

// OnWrite diffs the previous and new token multisets for the record and
// applies per-term delta operations (in-band), or queues them under the
// DEFER key if the index was created with the DEFER option.
func (ix *Index) OnWrite(ctx context.Context, txn kvs.Txn, recordKey []byte, before, after values.Value, allowRetry bool) error {
	oldCounts := map[string]uint32{}
	if !before.IsNone() {
		oldCounts = tokenCounts(ix.extractTokens(before))
	}
	newCounts := tokenCounts(ix.extractTokens(after))

	terms := map[string]bool{}
	for t := range oldCounts {
		terms[t] = true
	}
	for t := range newCounts {
		terms[t] = true
	}

	if ix.deferMode {
		for t := range terms {
			delta := int64(newCounts[t]) - int64(oldCounts[t])
			if delta == 0 {
				continue
			}
			b, _ := json.Marshal(struct {
				RecordKey []byte
				Term      string
				Delta     int64
			}{recordKey, t, delta})
			if err := txn.Put(ctx, ix.deferKey(t), b); err != nil {
				return dberr.Wrap(dberr.KindInternal, err, "queue deferred ft delta")
			}
		}
		return nil
	}

	doc, err := ix.getOrAssignDocID(ctx, txn, recordKey)
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "assign doc id")
	}

	var oldLen, newLen uint32
	for _, c := range oldCounts {
		oldLen += c
	}
	for t, newTF := range newCounts {
		newLen += newTF
		if newTF == oldCounts[t] {
			continue
		}
		td := TermDocument{TF: newTF}
		b, _ := json.Marshal(td)
		if err := txn.Put(ctx, ix.termDocKey(t, doc), b); err != nil {
			return dberr.Wrap(dberr.KindInternal, err, "write term document")
		}
		if oldCounts[t] == 0 {
			if err := ix.applyDelta(ctx, txn, doc, t, 1); err != nil {
				return err
			}
		}
	}
	for t := range oldCounts {
		if _, stillPresent := newCounts[t]; !stillPresent {
			if err := txn.Del(ctx, ix.termDocKey(t, doc)); err != nil {
				return dberr.Wrap(dberr.KindInternal, err, "delete term document")
			}
			if err := ix.applyDelta(ctx, txn, doc, t, -1); err != nil {
				return err
			}
		}
	}

	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], newLen)
	if err := txn.Put(ctx, ix.docLenKey(doc), lb[:]); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "write doc length")
	}

	return ix.updateStats(ctx, txn, before.IsNone(), int64(newLen)-int64(oldLen))
}

func (ix *Index) updateStats(ctx context.Context, txn kvs.Txn, newDoc bool, lenDelta int64) error {
	var s stats
	if v, err := txn.Get(ctx, ix.statsKey()); err == nil {
		json.Unmarshal(v, &s)
	}
	if newDoc {
		s.TotalDocs++
	}
	if lenDelta < 0 && uint64(-lenDelta) > s.TotalLength {
		s.TotalLength = 0
	} else {
		s.TotalLength = uint64(int64(s.TotalLength) + lenDelta)
	}
	b, _ := json.Marshal(s)
	return txn.Put(ctx, ix.statsKey(), b)
}

// OnDelete removes every posting for the record's terms.
func (ix *Index) OnDelete(ctx context.Context, txn kvs.Txn, recordKey []byte, before values.Value) error {
	if before.IsNone() {
		return nil
	}
	return ix.OnWrite(ctx, txn, recordKey, before, values.None(), false)
}

// Drain merges queued DEFER deltas by term; a background task calls this
// periodically so the deferred index converges to the same state as
// in-band updates would have produced (spec §4.5, §9).
func (ix *Index) Drain(ctx context.Context, txn kvs.Txn) error {
	prefix := []byte(ix.prefix() + "!defer/")
	end := append(append([]byte{}, prefix...), 0xFF)
	rows, err := txn.Scan(ctx, prefix, end, 0)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var d struct {
			RecordKey []byte
			Term      string
			Delta     int64
		}
		if err := json.Unmarshal(row.Value, &d); err != nil {
			continue
		}
		doc, err := ix.getOrAssignDocID(ctx, txn, d.RecordKey)
		if err != nil {
			return err
		}
		var td TermDocument
		if v, err := txn.Get(ctx, ix.termDocKey(d.Term, doc)); err == nil {
			json.Unmarshal(v, &td)
		}
		wasZero := td.TF == 0
		newTF := int64(td.TF) + d.Delta
		if newTF < 0 {
			newTF = 0
		}
		td.TF = uint32(newTF)
		b, _ := json.Marshal(td)
		if td.TF == 0 {
			txn.Del(ctx, ix.termDocKey(d.Term, doc))
		} else {
			txn.Put(ctx, ix.termDocKey(d.Term, doc), b)
		}
		if wasZero && td.TF > 0 {
			if err := ix.applyDelta(ctx, txn, doc, d.Term, 1); err != nil {
				return err
			}
		} else if !wasZero && td.TF == 0 {
			if err := ix.applyDelta(ctx, txn, doc, d.Term, -1); err != nil {
				return err
			}
		}
		if err := txn.Del(ctx, row.Key); err != nil {
			return err
		}
	}
	return nil
}

// k1/b are the standard BM25 tuning constants.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Search scores every document matching any term in query, returning
// record keys ordered by descending BM25 score. limit <= 0 means no limit.
func (ix *Index) Search(ctx context.Context, txn kvs.Txn, query string, limit int) ([][]byte, error) {
	var s stats
	if v, err := txn.Get(ctx, ix.statsKey()); err == nil {
		json.Unmarshal(v, &s)
	}
	avgLen := 1.0
	if s.TotalDocs > 0 {
		avgLen = float64(s.TotalLength) / float64(s.TotalDocs)
	}

	scores := map[uint64]float64{}
	for _, term := range analyze(query) {
		bm, err := ix.loadBitmap(ctx, txn, term)
		if err != nil {
			return nil, err
		}
		df := bm.GetCardinality()
		if df == 0 {
			continue
		}
		idf := idfScore(float64(s.TotalDocs), float64(df))
		it := bm.Iterator()
		for it.HasNext() {
			doc := uint64(it.Next())
			var td TermDocument
			if v, err := txn.Get(ctx, ix.termDocKey(term, doc)); err == nil {
				json.Unmarshal(v, &td)
			}
			var dl uint32
			if v, err := txn.Get(ctx, ix.docLenKey(doc)); err == nil {
				dl = binary.BigEndian.Uint32(v)
			}
			scores[doc] += bm25Term(idf, float64(td.TF), float64(dl), avgLen)
		}
	}

	type scored struct {
		doc   uint64
		score float64
	}
	var ranked []scored
	for d, sc := range scores {
		ranked = append(ranked, scored{d, sc})
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([][]byte, 0, len(ranked))
	for _, r := range ranked {
		v, err := txn.Get(ctx, ix.recordForDocKey(r.doc))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func idfScore(totalDocs, df float64) float64 {
	if totalDocs == 0 {
		return 0
	}
	x := (totalDocs-df+0.5)/(df+0.5) + 1
	return logApprox(x)
}

func bm25Term(idf, tf, docLen, avgLen float64) float64 {
	num := tf * (bm25K1 + 1)
	den := tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen)
	if den == 0 {
		return 0
	}
	return idf * num / den
}

// logApprox avoids importing math just for Log in this small scorer path
// while keeping the same monotonic ordering BM25 needs.
func logApprox(x float64) float64 {
	if x <= 0 {
		return 0
	}
	// natural log: reduce the range by dividing by e until x <= 2, then sum
	// the ln(1+y) Taylor series; precision is ample for ranking purposes.
	n := 0.0
	for x > 2 {
		x /= 2.718281828459045
		n++
	}
	y := x - 1
	term := y
	sum := 0.0
	for i := 1; i <= 20; i++ {
		sum += term / float64(i) * sign(i)
		term *= y
	}
	return sum + n
}

func sign(i int) float64 {
	if i%2 == 0 {
		return -1
	}
	return 1
}
