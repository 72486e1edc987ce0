// Package keys implements the order-preserving byte encoding for every
// physical key glyphdb stores in its underlying ordered key-value space.
// Lexicographic byte order on the encoded form is defined to equal logical
// order, so range scans over the raw keyspace never need a decode step.
package keys

import (
	"bytes"
	"fmt"
)

// Kind identifies which logical entity a Key addresses.
type Kind byte

const (
	KindNamespace      Kind = 'n'
	KindDatabase       Kind = 'd'
	KindTable          Kind = 't'
	KindThing          Kind = 'r'
	KindGraphAdjacency Kind = 'g'
	KindIndex          Kind = 'x'
	KindChangefeed     Kind = 'c'
	KindLiveQuery      Kind = 'l'
)

// marker bytes from the physical schema (spec §6.1/§3.2), kept as named
// constants so callers never hardcode them.
const (
	markNamespace  = '!'
	markWildcard   = '*'
	markIndex      = '+'
	markAdjacency  = '~'
	markChangefeed = '#'
)

// escape sequence for identifier bytes that collide with a marker or the
// segment separator, so user-chosen names never have to be rejected.
const (
	escByte  = 0x00
	sepByte  = 0x01
)

// Key is the decoded form of a physical key. Only the fields relevant to
// Kind are meaningful; see the constructors below.
type Key struct {
	Kind Kind

	NS, DB, TB string
	RecordID   Ident  // KindThing
	IndexName  string // KindIndex
	FieldVals  []Ident
	IndexKey   Ident // trailing record key for non-unique indexes (may be zero Ident)
	Dir        byte  // '>' out or '<' in, for KindGraphAdjacency
	EdgeTable  string
	EdgeID     Ident
	Versionstamp uint64 // KindChangefeed
	NodeID       string // KindLiveQuery
	LiveID       string
}

// Ident is an opaque, order-preserving identifier component (a record id,
// an index field value tuple member, and so on). It is produced by the
// values package and treated here as an already-encoded byte string.
type Ident []byte

func escape(b []byte) []byte {
	var out bytes.Buffer
	for _, c := range b {
		switch c {
		case escByte, sepByte, markNamespace, markWildcard, markIndex, markAdjacency, markChangefeed:
			out.WriteByte(escByte)
			out.WriteByte(c + 1)
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}

func writeSegment(buf *bytes.Buffer, b []byte) {
	buf.WriteByte(sepByte)
	buf.Write(escape(b))
}

// isDelim reports whether c is one of the structural bytes that can never
// appear unescaped inside segment content (escape always rewrites them to
// escByte,c+1), so an unescaped occurrence always marks the end of the
// current segment.
func isDelim(c byte) bool {
	switch c {
	case sepByte, markNamespace, markWildcard, markIndex, markAdjacency, markChangefeed:
		return true
	default:
		return false
	}
}

// readSegment consumes one writeSegment-encoded segment starting at pos
// (which must point at its leading sepByte) and returns the unescaped
// content plus the position just past it.
func readSegment(data []byte, pos int) ([]byte, int, error) {
	if pos >= len(data) || data[pos] != sepByte {
		return nil, pos, fmt.Errorf("keys: decode: expected segment at offset %d", pos)
	}
	pos++
	var out bytes.Buffer
	for pos < len(data) {
		c := data[pos]
		if c == escByte {
			if pos+1 >= len(data) {
				return nil, pos, fmt.Errorf("keys: decode: truncated escape at offset %d", pos)
			}
			out.WriteByte(data[pos+1] - 1)
			pos += 2
			continue
		}
		if isDelim(c) {
			break
		}
		out.WriteByte(c)
		pos++
	}
	return out.Bytes(), pos, nil
}

func expectByte(data []byte, pos int, want byte) (int, error) {
	if pos >= len(data) || data[pos] != want {
		return pos, fmt.Errorf("keys: decode: expected %q at offset %d", want, pos)
	}
	return pos + 1, nil
}

// Encode produces the canonical physical key bytes for k.
func (k Key) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(k.Kind))
	switch k.Kind {
	case KindNamespace:
		buf.WriteByte(markNamespace)
		writeSegment(&buf, []byte(k.NS))
	case KindDatabase:
		writeSegment(&buf, []byte(k.NS))
		buf.WriteByte(markNamespace)
		writeSegment(&buf, []byte(k.DB))
	case KindTable:
		writeSegment(&buf, []byte(k.NS))
		writeSegment(&buf, []byte(k.DB))
		buf.WriteByte(markNamespace)
		writeSegment(&buf, []byte(k.TB))
	case KindThing:
		writeSegment(&buf, []byte(k.NS))
		writeSegment(&buf, []byte(k.DB))
		writeSegment(&buf, []byte(k.TB))
		writeSegment(&buf, k.RecordID)
	case KindGraphAdjacency:
		writeSegment(&buf, []byte(k.NS))
		writeSegment(&buf, []byte(k.DB))
		writeSegment(&buf, []byte(k.TB))
		writeSegment(&buf, k.RecordID)
		buf.WriteByte(markAdjacency)
		buf.WriteByte(k.Dir)
		writeSegment(&buf, []byte(k.EdgeTable))
		writeSegment(&buf, k.EdgeID)
	case KindIndex:
		writeSegment(&buf, []byte(k.NS))
		writeSegment(&buf, []byte(k.DB))
		writeSegment(&buf, []byte(k.TB))
		buf.WriteByte(markIndex)
		writeSegment(&buf, []byte(k.IndexName))
		for _, fv := range k.FieldVals {
			writeSegment(&buf, fv)
		}
		if len(k.IndexKey) > 0 {
			writeSegment(&buf, k.IndexKey)
		}
	case KindChangefeed:
		writeSegment(&buf, []byte(k.NS))
		writeSegment(&buf, []byte(k.DB))
		buf.WriteByte(markChangefeed)
		var vs [8]byte
		for i := 0; i < 8; i++ {
			vs[7-i] = byte(k.Versionstamp >> (8 * i))
		}
		buf.Write(vs[:])
	case KindLiveQuery:
		buf.WriteByte(markNamespace)
		writeSegment(&buf, []byte("lq"))
		writeSegment(&buf, []byte(k.NodeID))
		writeSegment(&buf, []byte(k.LiveID))
	default:
		panic(fmt.Sprintf("keys: unknown kind %q", k.Kind))
	}
	return buf.Bytes()
}

// Decode is the exact inverse of Encode: it unescapes and splits segments
// back into a Key, failing on truncated or structurally malformed input
// (spec §4.1, §8 property 2). For KindIndex, the trailing segments after
// IndexName are returned as FieldVals in encoded order; Encode only ever
// appends a distinct IndexKey segment for non-unique indexes, and the wire
// form carries no count of indexed fields, so a decoder with no schema in
// hand cannot split a non-unique entry's trailing record-key segment back
// out on its own — a caller that knows the index's field count pops it off
// FieldVals itself.
func Decode(data []byte) (Key, error) {
	if len(data) == 0 {
		return Key{}, fmt.Errorf("keys: decode: empty input")
	}
	k := Key{Kind: Kind(data[0])}
	pos := 1

	var err error
	switch k.Kind {
	case KindNamespace:
		if pos, err = expectByte(data, pos, markNamespace); err != nil {
			return Key{}, err
		}
		var ns []byte
		if ns, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		k.NS = string(ns)
	case KindDatabase:
		var ns, db []byte
		if ns, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if pos, err = expectByte(data, pos, markNamespace); err != nil {
			return Key{}, err
		}
		if db, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		k.NS, k.DB = string(ns), string(db)
	case KindTable:
		var ns, db, tb []byte
		if ns, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if db, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if pos, err = expectByte(data, pos, markNamespace); err != nil {
			return Key{}, err
		}
		if tb, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		k.NS, k.DB, k.TB = string(ns), string(db), string(tb)
	case KindThing:
		var ns, db, tb, id []byte
		if ns, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if db, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if tb, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if id, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if len(id) == 0 {
			return Key{}, fmt.Errorf("keys: decode: empty record id")
		}
		k.NS, k.DB, k.TB, k.RecordID = string(ns), string(db), string(tb), Ident(id)
	case KindGraphAdjacency:
		var ns, db, tb, id, edgeTable, edgeID []byte
		if ns, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if db, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if tb, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if id, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if pos, err = expectByte(data, pos, markAdjacency); err != nil {
			return Key{}, err
		}
		if pos >= len(data) {
			return Key{}, fmt.Errorf("keys: decode: truncated adjacency direction")
		}
		dir := data[pos]
		pos++
		if edgeTable, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if edgeID, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		k.NS, k.DB, k.TB, k.RecordID = string(ns), string(db), string(tb), Ident(id)
		k.Dir, k.EdgeTable, k.EdgeID = dir, string(edgeTable), Ident(edgeID)
	case KindIndex:
		var ns, db, tb, indexName []byte
		if ns, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if db, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if tb, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if pos, err = expectByte(data, pos, markIndex); err != nil {
			return Key{}, err
		}
		if indexName, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		k.NS, k.DB, k.TB, k.IndexName = string(ns), string(db), string(tb), string(indexName)
		for pos < len(data) {
			var fv []byte
			if fv, pos, err = readSegment(data, pos); err != nil {
				return Key{}, err
			}
			k.FieldVals = append(k.FieldVals, Ident(fv))
		}
	case KindChangefeed:
		var ns, db []byte
		if ns, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if db, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if pos, err = expectByte(data, pos, markChangefeed); err != nil {
			return Key{}, err
		}
		if len(data)-pos != 8 {
			return Key{}, fmt.Errorf("keys: decode: malformed changefeed versionstamp")
		}
		var vs uint64
		for i := 0; i < 8; i++ {
			vs = vs<<8 | uint64(data[pos+i])
		}
		pos += 8
		k.NS, k.DB, k.Versionstamp = string(ns), string(db), vs
	case KindLiveQuery:
		if pos, err = expectByte(data, pos, markNamespace); err != nil {
			return Key{}, err
		}
		var tag, nodeID, liveID []byte
		if tag, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if string(tag) != "lq" {
			return Key{}, fmt.Errorf("keys: decode: expected live query tag")
		}
		if nodeID, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		if liveID, pos, err = readSegment(data, pos); err != nil {
			return Key{}, err
		}
		k.NodeID, k.LiveID = string(nodeID), string(liveID)
	default:
		return Key{}, fmt.Errorf("keys: decode: unknown kind %q", k.Kind)
	}

	if pos != len(data) {
		return Key{}, fmt.Errorf("keys: decode: trailing bytes after offset %d", pos)
	}
	return k, nil
}

// TablePrefix returns the inclusive/exclusive range covering every record
// key under ns/db/tb.
func TablePrefix(ns, db, tb string) (begin, end []byte) {
	begin = Key{Kind: KindThing, NS: ns, DB: db, TB: tb, RecordID: Ident{}}.Encode()
	// keep the separator of the empty record-id segment so the range stops
	// at tb and does not reach tables whose name merely starts with tb
	end = append(append([]byte{}, begin...), 0xFF)
	return begin, end
}

// IndexPrefix returns the range covering index entries under ns/db/tb/ix
// restricted to the given leading field-value tuple (fieldVals may be a
// prefix of the full indexed tuple for partial-match scans).
func IndexPrefix(ns, db, tb, ix string, fieldVals []Ident) (begin, end []byte) {
	k := Key{Kind: KindIndex, NS: ns, DB: db, TB: tb, IndexName: ix, FieldVals: fieldVals}
	begin = k.Encode()
	end = append(append([]byte{}, begin...), 0xFF)
	return begin, end
}

// AdjacencyPrefix returns the range covering all adjacency entries for a
// record, optionally restricted to one direction and edge table. A dir of
// 0 or '0' covers both directions.
func AdjacencyPrefix(ns, db, tb string, recordID Ident, dir byte, edgeTable string) (begin, end []byte) {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindGraphAdjacency))
	writeSegment(&buf, []byte(ns))
	writeSegment(&buf, []byte(db))
	writeSegment(&buf, []byte(tb))
	writeSegment(&buf, recordID)
	buf.WriteByte(markAdjacency)
	if dir != 0 && dir != '0' {
		buf.WriteByte(dir)
		if edgeTable != "" {
			writeSegment(&buf, []byte(edgeTable))
			buf.WriteByte(sepByte)
		}
	}
	begin = buf.Bytes()
	end = append(append([]byte{}, begin...), 0xFF)
	return begin, end
}

// ChangefeedRange returns the range of changefeed entries for ns/db from
// versionstamp `from` (inclusive) onward.
func ChangefeedRange(ns, db string, from uint64) (begin, end []byte) {
	begin = Key{Kind: KindChangefeed, NS: ns, DB: db, Versionstamp: from}.Encode()
	end = Key{Kind: KindChangefeed, NS: ns, DB: db, Versionstamp: ^uint64(0)}.Encode()
	end = append(end, 0xFF)
	return begin, end
}
