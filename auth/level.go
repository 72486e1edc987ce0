// Package auth resolves a session's credentials into an Auth value and
// checks it against the access level required by a statement and the
// role/predicate permissions attached to tables and fields (spec §4.9).
package auth

import "glyphdb.dev/glyphdb/values"

// Level is the scope a session authenticated at, from broadest to
// narrowest (spec §4.9: Root | Namespace(ns) | Database(ns, db) |
// Record(ns, db, access)).
type Level int

const (
	LevelRoot Level = iota
	LevelNamespace
	LevelDatabase
	LevelRecord
)

func (l Level) String() string {
	switch l {
	case LevelRoot:
		return "root"
	case LevelNamespace:
		return "namespace"
	case LevelDatabase:
		return "database"
	case LevelRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Role is a coarse capability grant, independent of Level.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Auth is what authentication yields: a Level, the ns/db it is scoped to
// (empty above that scope), a role set, and — for Level::Record — the
// record value authenticated against (spec §4.9's "record-level
// authentication always requires predicate-based gating").
type Auth struct {
	Level   Level
	NS, DB  string
	Roles   []Role
	Subject values.Value // user id (Thing) or record-level access subject
}

func (a *Auth) HasRole(r Role) bool {
	if a == nil {
		return false
	}
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

func (a *Auth) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// covers reports whether a is authenticated at least as broadly as
// required, scoped to (ns, db). A root auth covers everything; a
// namespace auth covers its own namespace and any database within it.
func (a *Auth) covers(required Level, ns, db string) bool {
	if a == nil {
		return false
	}
	switch a.Level {
	case LevelRoot:
		return true
	case LevelNamespace:
		return a.NS == ns && required != LevelRoot
	case LevelDatabase:
		return a.NS == ns && a.DB == db && (required == LevelDatabase || required == LevelRecord)
	default: // LevelRecord
		return required == LevelRecord && a.NS == ns && a.DB == db
	}
}

// Bind produces the $auth value visible to predicate expressions (spec
// §4.9, expr.Options.Auth).
func (a *Auth) Bind() values.Value {
	if a == nil {
		return values.None()
	}
	roles := make([]values.Value, len(a.Roles))
	for i, r := range a.Roles {
		roles[i] = values.String(string(r))
	}
	return values.Object(map[string]values.Value{
		"level":   values.String(a.Level.String()),
		"ns":      values.String(a.NS),
		"db":      values.String(a.DB),
		"roles":   values.Array(roles),
		"subject": a.Subject,
	})
}
