package auth

import (
	"context"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/kvs"
)

// store provides the user persistence operations Service needs, each
// run in its own short transaction against the catalog (spec §4.3's User
// entity lives under the same `!`-prefixed keys as every other
// definition, so it needs no separate persistence layer — unlike the
// teacher's CouchDB-backed UserStore).
type store struct {
	kv kvs.Store
}

func newStore(kv kvs.Store) *store { return &store{kv: kv} }

func (s *store) withTxn(ctx context.Context, write bool, fn func(*catalog.Catalog) error) error {
	t, err := s.kv.Transaction(ctx, write)
	if err != nil {
		return err
	}
	cat := catalog.New(t)
	if err := fn(cat); err != nil {
		t.Cancel()
		return err
	}
	if !write {
		t.Cancel()
		return nil
	}
	return t.Commit(ctx)
}

func (s *store) getUser(ctx context.Context, ns, db, name string) (catalog.User, error) {
	var u catalog.User
	err := s.withTxn(ctx, false, func(c *catalog.Catalog) error {
		var err error
		u, err = c.GetUser(ctx, ns, db, name)
		return err
	})
	return u, err
}

func (s *store) createUser(ctx context.Context, u catalog.User) error {
	return s.withTxn(ctx, true, func(c *catalog.Catalog) error {
		return c.DefineUser(ctx, u, catalog.DefineOptions{})
	})
}

func (s *store) updateUser(ctx context.Context, u catalog.User) error {
	return s.withTxn(ctx, true, func(c *catalog.Catalog) error {
		return c.DefineUser(ctx, u, catalog.DefineOptions{Overwrite: true})
	})
}

func (s *store) deleteUser(ctx context.Context, ns, db, name string) error {
	return s.withTxn(ctx, true, func(c *catalog.Catalog) error {
		return c.RemoveUser(ctx, ns, db, name)
	})
}

func (s *store) listUsers(ctx context.Context, ns, db string) ([]catalog.User, error) {
	var out []catalog.User
	err := s.withTxn(ctx, false, func(c *catalog.Catalog) error {
		var err error
		out, err = c.AllUsers(ctx, ns, db)
		return err
	})
	return out, err
}

// recordLoginAttempt updates the user's failure counter and, past the
// configured threshold, locks the account (spec has no explicit lockout
// policy; this follows the teacher's MaxFailedAttempts/LockoutDuration
// config fields carried over in Config).
func (s *store) recordLoginAttempt(ctx context.Context, ns, db, name string, success bool, maxFailed int) error {
	return s.withTxn(ctx, true, func(c *catalog.Catalog) error {
		u, err := c.GetUser(ctx, ns, db, name)
		if err != nil {
			if dberr.Is(err, dberr.KindNotFound) {
				return nil
			}
			return err
		}
		if success {
			u.FailedLogins = 0
		} else {
			u.FailedLogins++
			if maxFailed > 0 && u.FailedLogins >= maxFailed {
				u.Locked = true
			}
		}
		return c.DefineUser(ctx, u, catalog.DefineOptions{Overwrite: true})
	})
}
