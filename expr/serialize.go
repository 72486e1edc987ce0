package expr

import (
	"encoding/base64"
	"encoding/json"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/values"
)

// dto is the JSON-serializable mirror of Expr, used to persist DEFAULT,
// VALUE, ASSERT, PERMISSION and EVENT WHEN/THEN clauses as catalog strings
// (spec §3.1, §4.4, §4.9) without committing to a query-text parser.
type dto struct {
	Kind       Kind
	Lit        string // base64 values.Encode, present for KindLiteral
	Idiom      string // values.Idiom.String(), present for KindIdiom
	Param      string
	Op         string
	Args       []dto
	Func       string
	ObjectKeys []string
	ObjectVals []dto
	Cond       *dto
	Then       *dto
	Else       *dto
	Only       bool
}

func toDTO(e *Expr) dto {
	if e == nil {
		return dto{}
	}
	d := dto{Kind: e.Kind, Param: e.Param, Op: e.Op, Func: e.Func, ObjectKeys: e.ObjectKeys, Only: e.Only}
	if e.Kind == KindLiteral {
		d.Lit = base64.StdEncoding.EncodeToString(values.Encode(e.Lit))
	}
	if e.Kind == KindIdiom {
		d.Idiom = e.Idiom.String()
	}
	for _, a := range e.Args {
		d.Args = append(d.Args, toDTO(a))
	}
	for _, v := range e.ObjectVals {
		d.ObjectVals = append(d.ObjectVals, toDTO(v))
	}
	if e.Cond != nil {
		c := toDTO(e.Cond)
		d.Cond = &c
	}
	if e.Then != nil {
		t := toDTO(e.Then)
		d.Then = &t
	}
	if e.Else != nil {
		el := toDTO(e.Else)
		d.Else = &el
	}
	return d
}

func fromDTO(d dto) (*Expr, error) {
	e := &Expr{Kind: d.Kind, Param: d.Param, Op: d.Op, Func: d.Func, ObjectKeys: d.ObjectKeys, Only: d.Only}
	if d.Kind == KindLiteral {
		raw, err := base64.StdEncoding.DecodeString(d.Lit)
		if err != nil {
			return nil, dberr.Wrap(dberr.KindInternal, err, "decode literal")
		}
		v, err := values.Decode(raw)
		if err != nil {
			return nil, dberr.Wrap(dberr.KindInternal, err, "decode literal value")
		}
		e.Lit = v
	}
	if d.Kind == KindIdiom {
		e.Idiom = values.ParseIdiom(d.Idiom)
	}
	for _, a := range d.Args {
		ae, err := fromDTO(a)
		if err != nil {
			return nil, err
		}
		e.Args = append(e.Args, ae)
	}
	for _, v := range d.ObjectVals {
		ve, err := fromDTO(v)
		if err != nil {
			return nil, err
		}
		e.ObjectVals = append(e.ObjectVals, ve)
	}
	if d.Cond != nil {
		c, err := fromDTO(*d.Cond)
		if err != nil {
			return nil, err
		}
		e.Cond = c
	}
	if d.Then != nil {
		t, err := fromDTO(*d.Then)
		if err != nil {
			return nil, err
		}
		e.Then = t
	}
	if d.Else != nil {
		el, err := fromDTO(*d.Else)
		if err != nil {
			return nil, err
		}
		e.Else = el
	}
	return e, nil
}

// Marshal serializes e to the string form stored in catalog entries.
func Marshal(e *Expr) (string, error) {
	if e == nil {
		return "", nil
	}
	b, err := json.Marshal(toDTO(e))
	if err != nil {
		return "", dberr.Wrap(dberr.KindInternal, err, "marshal expr")
	}
	return string(b), nil
}

// Unmarshal parses the string form back into an *Expr. An empty string
// means "no clause" and returns (nil, nil).
func Unmarshal(s string) (*Expr, error) {
	if s == "" {
		return nil, nil
	}
	var d dto
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "unmarshal expr")
	}
	return fromDTO(d)
}
