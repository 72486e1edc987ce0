package server

import (
	"encoding/json"
	"time"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/values"
)

// statementDTO is the wire mirror of expr.Statement (spec §1: "glyphdb
// does not parse SQL; a host constructs Statements directly" — this is
// that host). Every *expr.Expr field carries the JSON object
// expr.Marshal/Unmarshal already define for catalog-stored clauses
// (expr/serialize.go), reused here unchanged for the RPC boundary instead
// of a second wire format.
type statementDTO struct {
	Kind  string `json:"kind"`
	NS    string `json:"ns"`
	DB    string `json:"db"`
	Table string `json:"table,omitempty"`

	What  []json.RawMessage          `json:"what,omitempty"`
	Data  map[string]json.RawMessage `json:"data,omitempty"`
	Merge bool                       `json:"merge,omitempty"`
	Where json.RawMessage            `json:"where,omitempty"`

	Fields  []selectFieldDTO   `json:"fields,omitempty"`
	Graph   []graphStepDTO     `json:"graph,omitempty"`
	OrderBy []orderClauseDTO   `json:"orderBy,omitempty"`
	GroupBy []string           `json:"groupBy,omitempty"`
	Limit   json.RawMessage    `json:"limit,omitempty"`
	Start   json.RawMessage    `json:"start,omitempty"`
	Fetch   []string           `json:"fetch,omitempty"`
	Only    bool               `json:"only,omitempty"`

	In        json.RawMessage            `json:"in,omitempty"`
	Out       json.RawMessage            `json:"out,omitempty"`
	EdgeTable string                     `json:"edgeTable,omitempty"`
	EdgeData  map[string]json.RawMessage `json:"edgeData,omitempty"`

	InsertPolicy string                       `json:"insertPolicy,omitempty"`
	InsertRows   []map[string]json.RawMessage `json:"insertRows,omitempty"`

	Define *defineSpecDTO `json:"define,omitempty"`
	Remove *removeSpecDTO `json:"remove,omitempty"`

	TimeoutMS int64 `json:"timeoutMs,omitempty"`

	LiveID string `json:"liveId,omitempty"`

	KNN *knnClauseDTO `json:"knn,omitempty"`
}

type selectFieldDTO struct {
	Expr  json.RawMessage `json:"expr"`
	Alias string          `json:"alias,omitempty"`
	Value bool            `json:"value,omitempty"`
}

type graphStepDTO struct {
	Dir   string `json:"dir"`
	Table string `json:"table"`
	Depth int    `json:"depth,omitempty"`
}

type orderClauseDTO struct {
	Idiom string `json:"idiom"`
	Desc  bool   `json:"desc,omitempty"`
}

type defineSpecDTO struct {
	Entity      string          `json:"entity"`
	Name        string          `json:"name"`
	Table       string          `json:"table,omitempty"`
	IfNotExists bool            `json:"ifNotExists,omitempty"`
	Overwrite   bool            `json:"overwrite,omitempty"`
	Spec        json.RawMessage `json:"spec,omitempty"`
}

type removeSpecDTO struct {
	Entity string `json:"entity"`
	Name   string `json:"name"`
	Table  string `json:"table,omitempty"`
}

type knnClauseDTO struct {
	Index string    `json:"index"`
	Query []float32 `json:"query"`
	K     int       `json:"k"`
	EF    int       `json:"ef,omitempty"`
}

var statementKinds = map[string]expr.StatementKind{
	"select": expr.StmtSelect, "create": expr.StmtCreate, "update": expr.StmtUpdate,
	"upsert": expr.StmtUpsert, "delete": expr.StmtDelete, "insert": expr.StmtInsert,
	"relate": expr.StmtRelate, "define": expr.StmtDefine, "remove": expr.StmtRemove,
	"begin": expr.StmtBegin, "commit": expr.StmtCommit, "cancel": expr.StmtCancel,
	"live": expr.StmtLive, "kill": expr.StmtKill,
}

var insertPolicies = map[string]expr.InsertPolicy{
	"":                  expr.InsertDefault,
	"default":            expr.InsertDefault,
	"ignore":             expr.InsertIgnoreDuplicate,
	"updateOnDuplicate":  expr.InsertUpdateOnDuplicate,
}

func exprFromRaw(raw json.RawMessage) (*expr.Expr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return expr.Unmarshal(string(raw))
}

func exprMapFromRaw(raw map[string]json.RawMessage) (map[string]*expr.Expr, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]*expr.Expr, len(raw))
	for k, v := range raw {
		e, err := exprFromRaw(v)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

// toStatement converts the wire DTO into an expr.Statement ready for
// engine.Execute.
func (d statementDTO) toStatement() (*expr.Statement, error) {
	kind, ok := statementKinds[d.Kind]
	if !ok {
		return nil, dberr.New(dberr.KindParse, "unknown statement kind %q", d.Kind)
	}

	stmt := &expr.Statement{
		Kind: kind, NS: d.NS, DB: d.DB, Table: d.Table,
		Merge: d.Merge, EdgeTable: d.EdgeTable, Only: d.Only,
		Timeout: time.Duration(d.TimeoutMS) * time.Millisecond,
		LiveID:  d.LiveID,
	}

	var err error
	for _, w := range d.What {
		e, err2 := exprFromRaw(w)
		if err2 != nil {
			return nil, err2
		}
		stmt.What = append(stmt.What, e)
	}
	if stmt.Data, err = exprMapFromRaw(d.Data); err != nil {
		return nil, err
	}
	if stmt.Where, err = exprFromRaw(d.Where); err != nil {
		return nil, err
	}
	if stmt.Limit, err = exprFromRaw(d.Limit); err != nil {
		return nil, err
	}
	if stmt.Start, err = exprFromRaw(d.Start); err != nil {
		return nil, err
	}
	if stmt.In, err = exprFromRaw(d.In); err != nil {
		return nil, err
	}
	if stmt.Out, err = exprFromRaw(d.Out); err != nil {
		return nil, err
	}
	if stmt.EdgeData, err = exprMapFromRaw(d.EdgeData); err != nil {
		return nil, err
	}

	for _, f := range d.Fields {
		e, err2 := exprFromRaw(f.Expr)
		if err2 != nil {
			return nil, err2
		}
		stmt.Fields = append(stmt.Fields, expr.SelectField{Expr: e, Alias: f.Alias, Value: f.Value})
	}
	for _, g := range d.Graph {
		dir := byte('0')
		if len(g.Dir) > 0 {
			dir = g.Dir[0]
		}
		stmt.Graph = append(stmt.Graph, expr.GraphStep{Dir: dir, Table: g.Table, Depth: g.Depth})
	}
	for _, o := range d.OrderBy {
		stmt.OrderBy = append(stmt.OrderBy, expr.OrderClause{Idiom: values.ParseIdiom(o.Idiom), Desc: o.Desc})
	}
	for _, g := range d.GroupBy {
		stmt.GroupBy = append(stmt.GroupBy, values.ParseIdiom(g))
	}
	for _, f := range d.Fetch {
		stmt.Fetch = append(stmt.Fetch, values.ParseIdiom(f))
	}

	policy, ok := insertPolicies[d.InsertPolicy]
	if !ok {
		return nil, dberr.New(dberr.KindParse, "unknown insert policy %q", d.InsertPolicy)
	}
	stmt.InsertPolicy = policy
	for _, row := range d.InsertRows {
		r, err2 := exprMapFromRaw(row)
		if err2 != nil {
			return nil, err2
		}
		stmt.InsertRows = append(stmt.InsertRows, r)
	}

	if d.Define != nil {
		spec, err2 := defineSpecFromDTO(*d.Define)
		if err2 != nil {
			return nil, err2
		}
		stmt.Define = spec
	}
	if d.Remove != nil {
		stmt.Remove = &expr.RemoveSpec{Entity: d.Remove.Entity, Name: d.Remove.Name, Table: d.Remove.Table}
	}
	if d.KNN != nil {
		stmt.KNN = &expr.KNNClause{Index: d.KNN.Index, Query: d.KNN.Query, K: d.KNN.K, EF: d.KNN.EF}
	}

	return stmt, nil
}

// defineSpecFromDTO decodes a DEFINE's catalog payload into the concrete
// type plan.compileDefine expects for d.Entity (spec §4.7: DefineSpec.Spec
// is "any, typed per Entity").
func defineSpecFromDTO(d defineSpecDTO) (*expr.DefineSpec, error) {
	spec := &expr.DefineSpec{Entity: d.Entity, Name: d.Name, Table: d.Table, IfNotExists: d.IfNotExists, Overwrite: d.Overwrite}
	if len(d.Spec) == 0 {
		return spec, nil
	}
	var err error
	switch d.Entity {
	case "namespace":
		var v catalog.Namespace
		err = json.Unmarshal(d.Spec, &v)
		spec.Spec = v
	case "database":
		var v catalog.Database
		err = json.Unmarshal(d.Spec, &v)
		spec.Spec = v
	case "table":
		var v catalog.Table
		err = json.Unmarshal(d.Spec, &v)
		spec.Spec = v
	case "field":
		var v catalog.Field
		err = json.Unmarshal(d.Spec, &v)
		spec.Spec = v
	case "index":
		var v catalog.Index
		err = json.Unmarshal(d.Spec, &v)
		spec.Spec = v
	case "user":
		var v catalog.User
		err = json.Unmarshal(d.Spec, &v)
		spec.Spec = v
	case "event":
		var v catalog.Event
		err = json.Unmarshal(d.Spec, &v)
		spec.Spec = v
	default:
		return nil, dberr.New(dberr.KindParse, "unknown DEFINE entity %q", d.Entity)
	}
	if err != nil {
		return nil, dberr.Wrap(dberr.KindParse, err, "decode define spec")
	}
	return spec, nil
}

func statementsFromDTO(dtos []statementDTO) ([]*expr.Statement, error) {
	stmts := make([]*expr.Statement, 0, len(dtos))
	for _, d := range dtos {
		s, err := d.toStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	return stmts, nil
}
