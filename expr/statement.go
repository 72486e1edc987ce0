package expr

import (
	"time"

	"glyphdb.dev/glyphdb/values"
)

// StatementKind tags the compiled statement variants spec §4.7 compiles
// into operator trees.
type StatementKind int

const (
	StmtSelect StatementKind = iota
	StmtCreate
	StmtUpdate
	StmtUpsert
	StmtDelete
	StmtInsert
	StmtRelate
	StmtDefine
	StmtRemove
	StmtBegin
	StmtCommit
	StmtCancel
	StmtLive
	StmtKill
)

// InsertPolicy resolves spec §9's second Open Question (INSERT ... ON
// DUPLICATE KEY UPDATE) as a single explicit policy carried on the
// statement, decided once at compile time rather than inferred from control
// flow at the point a unique-index conflict is raised.
type InsertPolicy int

const (
	InsertDefault InsertPolicy = iota
	InsertIgnoreDuplicate
	InsertUpdateOnDuplicate
)

// AllowsRetryWithID resolves spec §9's first Open Question: whether a
// unique-index conflict during document processing should be treated as a
// RetryWithId (retry once under a substituted id) or a hard error. This is
// a property of the statement kind, decided once, not re-derived from the
// AST on every retry attempt (see DESIGN.md Open Question 1).
func (k StatementKind) AllowsRetryWithID() bool {
	return k == StmtUpsert
}

// SelectField is one projected output column.
type SelectField struct {
	Expr  *Expr
	Alias string
	Value bool // VALUE <expr> shorthand: collapse row to this single value
}

// OrderClause is one ORDER BY term.
type OrderClause struct {
	Idiom values.Idiom
	Desc  bool
}

// GraphStep describes a `->table->` / `<-table<-` traversal hop embedded in
// a SELECT's field list or FROM clause.
type GraphStep struct {
	Dir   byte // '>' out, '<' in, '0' both
	Table string
	Depth int
}

// DefineSpec carries DDL target + conflict policy (spec §4.7, §3.3).
type DefineSpec struct {
	Entity      string // "namespace" | "database" | "table" | "field" | "index" | "user" | "event"
	Name        string
	Table       string // for field/index/event
	IfNotExists bool
	Overwrite   bool
	Spec        any // catalog.Table / catalog.Field / catalog.Index / catalog.User, typed per Entity
}

// RemoveSpec carries a DDL removal target. Removal runs in the statement's
// transaction and deletes the entity's catalog entry and the catalog
// entries beneath it; REMOVE TABLE also deletes the table's records, and
// REMOVE INDEX the fulltext/HNSW entries under the index's "+ix/" prefix.
// Records under a removed namespace or database, B-tree index entries and
// graph adjacency entries are not deleted.
type RemoveSpec struct {
	Entity string
	Name   string
	Table  string
}

// Statement is the external AST contract for a single query-language
// statement (spec §1, §6.3). glyphdb does not parse SQL; a host (or a
// sub-query built by this package/plan) constructs these directly.
type Statement struct {
	Kind StatementKind
	NS, DB string

	Table string
	What  []*Expr // things/tables targeted by SELECT/UPDATE/DELETE/RELATE

	Data  map[string]*Expr // SET/CONTENT field assignments for CREATE/UPDATE/UPSERT
	Merge bool              // UPDATE MERGE vs REPLACE semantics
	Where *Expr

	Fields  []SelectField
	Graph   []GraphStep
	OrderBy []OrderClause
	GroupBy []values.Idiom
	Limit   *Expr
	Start   *Expr
	Fetch   []values.Idiom
	Only    bool

	In, Out   *Expr // RELATE endpoints
	EdgeTable string
	EdgeData  map[string]*Expr

	InsertPolicy InsertPolicy
	InsertRows   []map[string]*Expr

	Define *DefineSpec
	Remove *RemoveSpec

	Timeout time.Duration

	LiveID string // KILL target

	KNN *KNNClause
}

// KNNClause carries a vector-search clause attached to a SELECT (spec
// §4.5's filtered KNN).
type KNNClause struct {
	Index string
	Query []float32
	K     int
	EF    int
}

// Batch groups statements that share one transaction (BEGIN...COMMIT/CANCEL,
// spec §6.3). A Batch of length 1 with Explicit=false is the common "one
// statement, one transaction" case.
type Batch struct {
	Statements []*Statement
	Explicit   bool // true if delimited by an explicit BEGIN/COMMIT or CANCEL
}
