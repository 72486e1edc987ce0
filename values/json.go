package values

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func parseDuration(s string) (time.Duration, error) { return time.ParseDuration(s) }
func parseUUID(s string) (uuid.UUID, error)          { return uuid.Parse(s) }
func parseDatetime(s string) (time.Time, error)      { return time.Parse(time.RFC3339Nano, s) }

// jsonDTO is the wire mirror of Value used at the RPC/HTTP boundary (spec
// §6.3: "delivers Values"). Plain JSON types (string/number/bool/null/
// array/object) round-trip as themselves; the variants JSON has no native
// shape for carry an explicit Kind tag, mirroring the Kind/dto pattern in
// expr/serialize.go.
type jsonDTO struct {
	Kind  string          `json:"$kind"`
	Table string          `json:"table,omitempty"`
	ID    json.RawMessage `json:"id,omitempty"`
	Value string          `json:"value,omitempty"`
	Lng   float64         `json:"lng,omitempty"`
	Lat   float64         `json:"lat,omitempty"`
}

// MarshalJSON renders a Value as idiomatic JSON: None as null, Bool/Int64/
// Float64/String/Array/Object as their native JSON equivalents, and the
// remaining variants (Bytes, Thing, Duration, Datetime, UUID, Point) as a
// tagged object since JSON has no native representation for them.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNone:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt64:
		return json.Marshal(v.i)
	case KindFloat64:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	case KindObject:
		return json.Marshal(v.obj)
	case KindBytes:
		raw, err := json.Marshal(v.bs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(jsonDTO{Kind: "bytes", ID: raw})
	case KindThing:
		idRaw, err := v.thing.ID.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return json.Marshal(jsonDTO{Kind: "thing", Table: v.thing.Table, ID: idRaw})
	case KindDuration:
		return json.Marshal(jsonDTO{Kind: "duration", Value: v.dur.String()})
	case KindDatetime:
		return json.Marshal(jsonDTO{Kind: "datetime", Value: v.dt.Format(time.RFC3339Nano)})
	case KindUUID:
		return json.Marshal(jsonDTO{Kind: "uuid", Value: v.uid.String()})
	case KindPoint:
		return json.Marshal(jsonDTO{Kind: "point", Lng: v.pt.Lng, Lat: v.pt.Lat})
	default:
		return nil, fmt.Errorf("values: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON is MarshalJSON's inverse. A bare JSON scalar/array/object
// decodes to the matching Value kind; an object carrying "$kind" decodes to
// the tagged variant it names.
func (v *Value) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind *string `json:"$kind"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Kind != nil {
		var d jsonDTO
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		return v.fromTaggedJSON(d)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return v.fromPlainJSON(raw)
}

func (v *Value) fromTaggedJSON(d jsonDTO) error {
	switch d.Kind {
	case "bytes":
		var b []byte
		if err := json.Unmarshal(d.ID, &b); err != nil {
			return err
		}
		*v = Bytes(b)
	case "thing":
		var id Value
		if err := id.UnmarshalJSON(d.ID); err != nil {
			return err
		}
		*v = ThingOf(d.Table, id)
	case "duration":
		dur, err := parseDuration(d.Value)
		if err != nil {
			return err
		}
		*v = Dur(dur)
	case "datetime":
		t, err := parseDatetime(d.Value)
		if err != nil {
			return err
		}
		*v = Datetime(t)
	case "uuid":
		u, err := parseUUID(d.Value)
		if err != nil {
			return err
		}
		*v = UUID(u)
	case "point":
		*v = PointOf(d.Lng, d.Lat)
	default:
		return fmt.Errorf("values: unknown tagged kind %q", d.Kind)
	}
	return nil
}

func (v *Value) fromPlainJSON(raw any) error {
	switch x := raw.(type) {
	case nil:
		*v = None()
	case bool:
		*v = Bool(x)
	case float64:
		if x == float64(int64(x)) {
			*v = Int(int64(x))
		} else {
			*v = Float(x)
		}
	case string:
		*v = String(x)
	case []any:
		arr := make([]Value, len(x))
		for i, e := range x {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := arr[i].UnmarshalJSON(b); err != nil {
				return err
			}
		}
		*v = Array(arr)
	case map[string]any:
		obj := make(map[string]Value, len(x))
		for k, e := range x {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			var fv Value
			if err := fv.UnmarshalJSON(b); err != nil {
				return err
			}
			obj[k] = fv
		}
		*v = Object(obj)
	default:
		return fmt.Errorf("values: cannot decode %T as Value", raw)
	}
	return nil
}
