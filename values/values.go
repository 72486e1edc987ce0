// Package values implements glyphdb's runtime value type: a closed tagged
// union with capability methods (Compare, Truthy, Coerce, arithmetic)
// rather than a class hierarchy, per the design note that a record's
// dynamic shape is known only at evaluation time.
package values

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind is the tag of a Value's active variant.
type Kind byte

const (
	KindNone Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindArray
	KindObject
	KindThing
	KindDuration
	KindDatetime
	KindUUID
	KindPoint
)

// Thing is a record identifier: table name + a Value id component.
type Thing struct {
	Table string
	ID    Value
}

// Point is a 2D geographic point (longitude, latitude).
type Point struct{ Lng, Lat float64 }

// Value is glyphdb's dynamically-typed runtime value.
type Value struct {
	kind Kind

	b     bool
	i     int64
	f     float64
	s     string
	bs    []byte
	arr   []Value
	obj   map[string]Value
	thing Thing
	dur   time.Duration
	dt    time.Time
	uid   uuid.UUID
	pt    Point
}

func None() Value                    { return Value{kind: KindNone} }
func Bool(b bool) Value              { return Value{kind: KindBool, b: b} }
func Int(i int64) Value              { return Value{kind: KindInt64, i: i} }
func Float(f float64) Value          { return Value{kind: KindFloat64, f: f} }
func String(s string) Value          { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value           { return Value{kind: KindBytes, bs: append([]byte{}, b...)} }
func Array(vs []Value) Value         { return Value{kind: KindArray, arr: vs} }
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }
func ThingOf(table string, id Value) Value {
	return Value{kind: KindThing, thing: Thing{Table: table, ID: id}}
}
func Dur(d time.Duration) Value   { return Value{kind: KindDuration, dur: d} }
func Datetime(t time.Time) Value  { return Value{kind: KindDatetime, dt: t} }
func UUID(u uuid.UUID) Value      { return Value{kind: KindUUID, uid: u} }
func PointOf(lng, lat float64) Value { return Value{kind: KindPoint, pt: Point{Lng: lng, Lat: lat}} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNone() bool { return v.kind == KindNone }

func (v Value) AsBool() (bool, bool)          { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)          { return v.i, v.kind == KindInt64 }
func (v Value) AsFloat() (float64, bool)      { return v.f, v.kind == KindFloat64 }
func (v Value) AsString() (string, bool)      { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)       { return v.bs, v.kind == KindBytes }
func (v Value) AsArray() ([]Value, bool)      { return v.arr, v.kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == KindObject }
func (v Value) AsThing() (Thing, bool)        { return v.thing, v.kind == KindThing }
func (v Value) AsDuration() (time.Duration, bool) { return v.dur, v.kind == KindDuration }
func (v Value) AsDatetime() (time.Time, bool) { return v.dt, v.kind == KindDatetime }
func (v Value) AsUUID() (uuid.UUID, bool)     { return v.uid, v.kind == KindUUID }
func (v Value) AsPoint() (Point, bool)        { return v.pt, v.kind == KindPoint }

// Truthy implements SQL-like truthiness used by Filter/WHERE/IF evaluation.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNone:
		return false
	case KindBool:
		return v.b
	case KindInt64:
		return v.i != 0
	case KindFloat64:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindArray:
		return len(v.arr) > 0
	case KindObject:
		return len(v.obj) > 0
	default:
		return true
	}
}

// Compare orders two values for Sort/B-tree index ordering. Values of
// different kinds order by kind tag, matching the engine's documented
// total order over the dynamic type space.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindNone:
		return 0
	case KindBool:
		return boolCmp(v.b, o.b)
	case KindInt64:
		return int64Cmp(v.i, o.i)
	case KindFloat64:
		return float64Cmp(v.f, o.f)
	case KindString:
		return stringCmp(v.s, o.s)
	case KindBytes:
		return bytes.Compare(v.bs, o.bs)
	case KindArray:
		n := len(v.arr)
		if len(o.arr) < n {
			n = len(o.arr)
		}
		for i := 0; i < n; i++ {
			if c := v.arr[i].Compare(o.arr[i]); c != 0 {
				return c
			}
		}
		return int64Cmp(int64(len(v.arr)), int64(len(o.arr)))
	case KindObject:
		return stringCmp(objectSortKey(v.obj), objectSortKey(o.obj))
	case KindThing:
		if c := stringCmp(v.thing.Table, o.thing.Table); c != 0 {
			return c
		}
		return v.thing.ID.Compare(o.thing.ID)
	case KindDuration:
		return int64Cmp(int64(v.dur), int64(o.dur))
	case KindDatetime:
		if v.dt.Before(o.dt) {
			return -1
		} else if v.dt.After(o.dt) {
			return 1
		}
		return 0
	case KindUUID:
		return bytes.Compare(v.uid[:], o.uid[:])
	case KindPoint:
		if c := float64Cmp(v.pt.Lng, o.pt.Lng); c != 0 {
			return c
		}
		return float64Cmp(v.pt.Lat, o.pt.Lat)
	default:
		return 0
	}
}

func objectSortKey(m map[string]Value) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(0)
	}
	return buf.String()
}

func boolCmp(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}
func int64Cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func float64Cmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func stringCmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Coerce converts v to the requested kind where the conversion is lossless
// or explicitly defined, and reports ok=false otherwise. Callers in the
// doc package map the bool return to dberr.KindTypeCoerce.
func (v Value) Coerce(to Kind) (Value, bool) {
	if v.kind == to {
		return v, true
	}
	switch to {
	case KindString:
		switch v.kind {
		case KindInt64:
			return String(fmt.Sprintf("%d", v.i)), true
		case KindFloat64:
			return String(fmt.Sprintf("%g", v.f)), true
		case KindBool:
			return String(fmt.Sprintf("%t", v.b)), true
		}
	case KindInt64:
		switch v.kind {
		case KindFloat64:
			return Int(int64(v.f)), true
		case KindString:
			var i int64
			if _, err := fmt.Sscanf(v.s, "%d", &i); err == nil {
				return Int(i), true
			}
		}
	case KindFloat64:
		switch v.kind {
		case KindInt64:
			return Float(float64(v.i)), true
		}
	case KindBool:
		return Bool(v.Truthy()), true
	}
	return Value{}, false
}

// Add implements '+' where defined: numeric addition, string concat, array
// concat. Returns ok=false for unsupported operand kinds.
func (v Value) Add(o Value) (Value, bool) {
	switch {
	case v.kind == KindInt64 && o.kind == KindInt64:
		return Int(v.i + o.i), true
	case isNumeric(v.kind) && isNumeric(o.kind):
		return Float(v.asFloat() + o.asFloat()), true
	case v.kind == KindString && o.kind == KindString:
		return String(v.s + o.s), true
	case v.kind == KindArray && o.kind == KindArray:
		return Array(append(append([]Value{}, v.arr...), o.arr...)), true
	}
	return Value{}, false
}

func (v Value) Sub(o Value) (Value, bool) {
	if v.kind == KindInt64 && o.kind == KindInt64 {
		return Int(v.i - o.i), true
	}
	if isNumeric(v.kind) && isNumeric(o.kind) {
		return Float(v.asFloat() - o.asFloat()), true
	}
	return Value{}, false
}

func (v Value) Mul(o Value) (Value, bool) {
	if v.kind == KindInt64 && o.kind == KindInt64 {
		return Int(v.i * o.i), true
	}
	if isNumeric(v.kind) && isNumeric(o.kind) {
		return Float(v.asFloat() * o.asFloat()), true
	}
	return Value{}, false
}

func (v Value) Div(o Value) (Value, bool) {
	if !isNumeric(v.kind) || !isNumeric(o.kind) || o.asFloat() == 0 {
		return Value{}, false
	}
	return Float(v.asFloat() / o.asFloat()), true
}

func isNumeric(k Kind) bool { return k == KindInt64 || k == KindFloat64 }
func (v Value) asFloat() float64 {
	if v.kind == KindInt64 {
		return float64(v.i)
	}
	return v.f
}

// Pick navigates a dotted/bracketed idiom path, generalizing the
// map[string]interface{} dotted-path traversal to Value's tagged union.
func (v Value) Pick(idiom Idiom) (Value, bool) {
	cur := v
	for _, part := range idiom {
		switch {
		case part.Field != "":
			obj, ok := cur.AsObject()
			if !ok {
				return Value{}, false
			}
			cur, ok = obj[part.Field], obj[part.Field].kind != KindNone || hasKey(obj, part.Field)
			if !ok {
				return Value{}, false
			}
		case part.Index != nil:
			arr, ok := cur.AsArray()
			if !ok || *part.Index < 0 || *part.Index >= len(arr) {
				return Value{}, false
			}
			cur = arr[*part.Index]
		}
	}
	return cur, true
}

func hasKey(m map[string]Value, k string) bool { _, ok := m[k]; return ok }

// Put writes value at the idiom path, creating intermediate objects as
// needed. The root must be an Object (or will be replaced by one).
func (v Value) Put(idiom Idiom, val Value) Value {
	if len(idiom) == 0 {
		return val
	}
	obj, ok := v.AsObject()
	if !ok {
		obj = map[string]Value{}
	} else {
		clone := make(map[string]Value, len(obj))
		for k, vv := range obj {
			clone[k] = vv
		}
		obj = clone
	}
	part := idiom[0]
	if part.Field == "" {
		return v
	}
	child := obj[part.Field]
	obj[part.Field] = child.Put(idiom[1:], val)
	return Object(obj)
}

// Idiom is a parsed field path, e.g. "address.city" or "tags[0]".
type Idiom []IdiomPart

type IdiomPart struct {
	Field string
	Index *int
}

// Encode produces the binary, revision-tagged encoding of v (spec §6.1).
func Encode(v Value) []byte {
	var buf bytes.Buffer
	buf.WriteByte(1) // revision
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	buf.WriteByte(byte(v.kind))
	switch v.kind {
	case KindNone:
	case KindBool:
		if v.b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.i))
		buf.Write(tmp[:])
	case KindFloat64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.f))
		buf.Write(tmp[:])
	case KindString:
		writeLenPrefixed(buf, []byte(v.s))
	case KindBytes:
		writeLenPrefixed(buf, v.bs)
	case KindArray:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(v.arr)))
		buf.Write(tmp[:])
		for _, e := range v.arr {
			encodeInto(buf, e)
		}
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(keys)))
		buf.Write(tmp[:])
		for _, k := range keys {
			writeLenPrefixed(buf, []byte(k))
			encodeInto(buf, v.obj[k])
		}
	case KindThing:
		writeLenPrefixed(buf, []byte(v.thing.Table))
		encodeInto(buf, v.thing.ID)
	case KindDuration:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.dur))
		buf.Write(tmp[:])
	case KindDatetime:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.dt.UnixNano()))
		buf.Write(tmp[:])
	case KindUUID:
		buf.Write(v.uid[:])
	case KindPoint:
		var tmp [16]byte
		binary.BigEndian.PutUint64(tmp[:8], math.Float64bits(v.pt.Lng))
		binary.BigEndian.PutUint64(tmp[8:], math.Float64bits(v.pt.Lat))
		buf.Write(tmp[:])
	}
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf.Write(tmp[:])
	buf.Write(b)
}

// Decode parses the binary encoding produced by Encode.
func Decode(b []byte) (Value, error) {
	if len(b) < 1 {
		return Value{}, fmt.Errorf("values: empty buffer")
	}
	if b[0] != 1 {
		return Value{}, fmt.Errorf("values: unsupported revision %d", b[0])
	}
	v, _, err := decodeFrom(b[1:])
	return v, err
}

func decodeFrom(b []byte) (Value, []byte, error) {
	if len(b) < 1 {
		return Value{}, nil, fmt.Errorf("values: truncated value")
	}
	kind := Kind(b[0])
	b = b[1:]
	switch kind {
	case KindNone:
		return None(), b, nil
	case KindBool:
		if len(b) < 1 {
			return Value{}, nil, fmt.Errorf("values: truncated bool")
		}
		return Bool(b[0] != 0), b[1:], nil
	case KindInt64:
		if len(b) < 8 {
			return Value{}, nil, fmt.Errorf("values: truncated int")
		}
		return Int(int64(binary.BigEndian.Uint64(b[:8]))), b[8:], nil
	case KindFloat64:
		if len(b) < 8 {
			return Value{}, nil, fmt.Errorf("values: truncated float")
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(b[:8]))), b[8:], nil
	case KindString:
		s, rest, err := readLenPrefixed(b)
		if err != nil {
			return Value{}, nil, err
		}
		return String(string(s)), rest, nil
	case KindBytes:
		s, rest, err := readLenPrefixed(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Bytes(s), rest, nil
	case KindArray:
		if len(b) < 4 {
			return Value{}, nil, fmt.Errorf("values: truncated array header")
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		arr := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			var el Value
			var err error
			el, b, err = decodeFrom(b)
			if err != nil {
				return Value{}, nil, err
			}
			arr = append(arr, el)
		}
		return Array(arr), b, nil
	case KindObject:
		if len(b) < 4 {
			return Value{}, nil, fmt.Errorf("values: truncated object header")
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		obj := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			kb, rest, err := readLenPrefixed(b)
			if err != nil {
				return Value{}, nil, err
			}
			var val Value
			val, rest, err = decodeFrom(rest)
			if err != nil {
				return Value{}, nil, err
			}
			obj[string(kb)] = val
			b = rest
		}
		return Object(obj), b, nil
	case KindThing:
		tb, rest, err := readLenPrefixed(b)
		if err != nil {
			return Value{}, nil, err
		}
		var id Value
		id, rest, err = decodeFrom(rest)
		if err != nil {
			return Value{}, nil, err
		}
		return ThingOf(string(tb), id), rest, nil
	case KindDuration:
		if len(b) < 8 {
			return Value{}, nil, fmt.Errorf("values: truncated duration")
		}
		return Dur(time.Duration(binary.BigEndian.Uint64(b[:8]))), b[8:], nil
	case KindDatetime:
		if len(b) < 8 {
			return Value{}, nil, fmt.Errorf("values: truncated datetime")
		}
		return Datetime(time.Unix(0, int64(binary.BigEndian.Uint64(b[:8]))).UTC()), b[8:], nil
	case KindUUID:
		if len(b) < 16 {
			return Value{}, nil, fmt.Errorf("values: truncated uuid")
		}
		var u uuid.UUID
		copy(u[:], b[:16])
		return UUID(u), b[16:], nil
	case KindPoint:
		if len(b) < 16 {
			return Value{}, nil, fmt.Errorf("values: truncated point")
		}
		lng := math.Float64frombits(binary.BigEndian.Uint64(b[:8]))
		lat := math.Float64frombits(binary.BigEndian.Uint64(b[8:16]))
		return PointOf(lng, lat), b[16:], nil
	default:
		return Value{}, nil, fmt.Errorf("values: unknown kind tag %d", kind)
	}
}

func readLenPrefixed(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("values: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("values: truncated payload")
	}
	return b[:n], b[n:], nil
}
