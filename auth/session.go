package auth

import (
	"glyphdb.dev/glyphdb/dberr"
)

// Session carries the namespace/database a connection is scoped to plus
// its resolved Auth (spec §4.9). The engine consults it once per
// statement batch to pick a transaction scope and to bind $auth.
type Session struct {
	NS, DB string
	Auth   *Auth
}

// CheckLevel enforces spec §4.9's "DDL operations check role against the
// level": required is the level a statement (e.g. DEFINE DATABASE needs
// LevelNamespace) demands, scoped to ns/db.
func CheckLevel(s *Session, required Level, ns, db string) error {
	if s == nil || s.Auth == nil {
		return dberr.New(dberr.KindPermissionDenied, "no session auth")
	}
	if !s.Auth.covers(required, ns, db) {
		return dberr.New(dberr.KindPermissionDenied, "level %s does not permit %s-scoped operation", s.Auth.Level, required)
	}
	return nil
}

// CheckRole enforces that the session's auth carries at least one of the
// allowed roles, in addition to level coverage.
func CheckRole(s *Session, allowed ...Role) error {
	if s == nil || s.Auth == nil || !s.Auth.HasAnyRole(allowed...) {
		return dberr.New(dberr.KindPermissionDenied, "role does not permit this operation")
	}
	return nil
}
