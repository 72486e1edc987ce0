// Package catalog provides typed accessors over the reserved `!`-prefixed
// keys that describe namespaces, databases, tables, fields, indexes and
// users (spec §4.3). Catalog entries are metadata, not user records, so
// they are serialized with encoding/json rather than the values codec —
// this keeps schema evolution (adding a field to DefineTable) a pure
// additive JSON change instead of a values-codec revision bump.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/kvs"
)

// DefineOptions controls DDL conflict policy (spec §4.7).
type DefineOptions struct {
	IfNotExists bool
	Overwrite   bool
}

// Namespace, Database, Table, Field, Index, User mirror the logical
// entities of spec §3.1.
type Namespace struct{ Name string }

type Database struct {
	NS   string
	Name string
}

type Table struct {
	NS, DB string
	Name   string
	Kind   string // "schemafull" | "schemaless" | "relation"

	// Permissions holds one entry per DML verb ("select", "create",
	// "update", "delete"); a missing entry means FULL (spec §4.9).
	Permissions map[string]Permission

	// Changefeed enables per-commit changefeed entries for this table
	// (spec §4.4 step 8, §6.4).
	Changefeed bool
}

type Permission struct {
	Kind string // "none" | "full" | "where"
	Expr string // serialized predicate expression, evaluated by the expr package
}

type Field struct {
	NS, DB, Table string
	Name          string
	Type          string
	Default       string // serialized expr, empty if absent
	Value         string // serialized expr, empty if absent
	Assert        string // serialized expr, empty if absent
	ReadOnly      bool
	Flexible      bool // schemafull tables still accept this field's shape as-is
	Permission    Permission
}

type Index struct {
	NS, DB, Table string
	Name          string
	Fields        []string
	Unique        bool
	Kind          string // "btree" | "fulltext" | "hnsw"
	Defer         bool
}

type User struct {
	NS, DB       string // empty for root users
	Name         string
	PassHash     string
	Roles        []string
	Enabled      bool
	Locked       bool
	FailedLogins int
}

// Event is a table trigger definition: (name, table, when, then) from spec
// §3.1. When and Then are serialized expr predicates/blocks, evaluated by
// doc.Runtime with $before/$after/$event bound (spec §4.4 step 9).
type Event struct {
	NS, DB, Table string
	Name          string
	When          string // serialized expr, empty means unconditional
	Then          string // serialized expr block
}

// sharedCache is a process-wide cache of raw (JSON-encoded) catalog
// entries (spec §4.3), keyed by the entry's encoded physical key. Catalog
// writes and removals drop the keys they touch; InvalidateKeys drops keys
// on commit.
var sharedCache *lru.Cache[string, []byte]

func init() {
	c, err := lru.New[string, []byte](4096)
	if err != nil {
		panic(err)
	}
	sharedCache = c
}

// Catalog wraps a kvs.Txn with a transaction-scoped read cache layered on
// top of the shared LRU.
type Catalog struct {
	txn   kvs.Txn
	local map[string][]byte
	mu    sync.Mutex
}

func New(txn kvs.Txn) *Catalog {
	return &Catalog{txn: txn, local: map[string][]byte{}}
}

func (c *Catalog) read(ctx context.Context, key []byte) ([]byte, error) {
	ks := string(key)
	c.mu.Lock()
	if v, ok := c.local[ks]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	if v, ok := sharedCache.Get(ks); ok {
		c.mu.Lock()
		c.local[ks] = v
		c.mu.Unlock()
		return v, nil
	}

	v, err := c.txn.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.local[ks] = v
	c.mu.Unlock()
	sharedCache.Add(ks, v)
	return v, nil
}

// InvalidateKeys removes the given physical keys from the shared cache;
// called by txn.Context at commit time for every key in the mutation log.
func InvalidateKeys(keys [][]byte) {
	for _, k := range keys {
		sharedCache.Remove(string(k))
	}
}

func defineGeneric(ctx context.Context, txn kvs.Txn, key []byte, v any, opts DefineOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "marshal catalog entry")
	}
	if opts.IfNotExists {
		if err := txn.PutIfAbsent(ctx, key, data); err != nil {
			if err == kvs.ErrKeyExists {
				return nil // IF NOT EXISTS: silently keep existing definition
			}
			return err
		}
		return nil
	}
	if !opts.Overwrite {
		if _, err := txn.Get(ctx, key); err == nil {
			return dberr.New(dberr.KindRecordExists, "catalog entry already exists")
		} else if err != kvs.ErrNotFound {
			return err
		}
	}
	if err := txn.Put(ctx, key, data); err != nil {
		return err
	}
	sharedCache.Remove(string(key))
	return nil
}

func getGeneric(ctx context.Context, c *Catalog, key []byte, out any) error {
	data, err := c.read(ctx, key)
	if err != nil {
		if err == kvs.ErrNotFound {
			return dberr.New(dberr.KindNotFound, "catalog entry not found")
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "unmarshal catalog entry")
	}
	return nil
}

func nsKey(ns string) []byte { return []byte(fmt.Sprintf("!ns/%s", ns)) }
func dbKey(ns, db string) []byte { return []byte(fmt.Sprintf("!ns/%s/!db/%s", ns, db)) }
func tbKey(ns, db, tb string) []byte { return []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s", ns, db, tb)) }
func fdKey(ns, db, tb, f string) []byte {
	return []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s/!fd/%s", ns, db, tb, f))
}
func ixKey(ns, db, tb, ix string) []byte {
	return []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s/!ix/%s", ns, db, tb, ix))
}
func userKey(ns, db, name string) []byte {
	return []byte(fmt.Sprintf("!ns/%s/!db/%s/!user/%s", ns, db, name))
}
func evKey(ns, db, tb, name string) []byte {
	return []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s/!ev/%s", ns, db, tb, name))
}

func (c *Catalog) DefineNamespace(ctx context.Context, n Namespace, opts DefineOptions) error {
	return defineGeneric(ctx, c.txn, nsKey(n.Name), n, opts)
}

func (c *Catalog) GetNamespace(ctx context.Context, name string) (Namespace, error) {
	var n Namespace
	err := getGeneric(ctx, c, nsKey(name), &n)
	return n, err
}

func (c *Catalog) DefineDatabase(ctx context.Context, d Database, opts DefineOptions) error {
	return defineGeneric(ctx, c.txn, dbKey(d.NS, d.Name), d, opts)
}

func (c *Catalog) GetDatabase(ctx context.Context, ns, name string) (Database, error) {
	var d Database
	err := getGeneric(ctx, c, dbKey(ns, name), &d)
	return d, err
}

func (c *Catalog) DefineTable(ctx context.Context, t Table, opts DefineOptions) error {
	return defineGeneric(ctx, c.txn, tbKey(t.NS, t.DB, t.Name), t, opts)
}

func (c *Catalog) GetTable(ctx context.Context, ns, db, name string) (Table, error) {
	var t Table
	err := getGeneric(ctx, c, tbKey(ns, db, name), &t)
	return t, err
}

func (c *Catalog) DefineField(ctx context.Context, f Field, opts DefineOptions) error {
	return defineGeneric(ctx, c.txn, fdKey(f.NS, f.DB, f.Table, f.Name), f, opts)
}

func (c *Catalog) GetField(ctx context.Context, ns, db, tb, name string) (Field, error) {
	var f Field
	err := getGeneric(ctx, c, fdKey(ns, db, tb, name), &f)
	return f, err
}

func (c *Catalog) DefineIndex(ctx context.Context, ix Index, opts DefineOptions) error {
	return defineGeneric(ctx, c.txn, ixKey(ix.NS, ix.DB, ix.Table, ix.Name), ix, opts)
}

func (c *Catalog) GetIndex(ctx context.Context, ns, db, tb, name string) (Index, error) {
	var ix Index
	err := getGeneric(ctx, c, ixKey(ns, db, tb, name), &ix)
	return ix, err
}

func (c *Catalog) DefineUser(ctx context.Context, u User, opts DefineOptions) error {
	return defineGeneric(ctx, c.txn, userKey(u.NS, u.DB, u.Name), u, opts)
}

// removeRange deletes key and every key the descendant prefix covers, and
// drops key and every cached descendant from the shared cache.
func (c *Catalog) removeRange(ctx context.Context, key []byte, prefix []byte) error {
	if err := c.txn.Del(ctx, key); err != nil && err != kvs.ErrNotFound {
		return err
	}
	if prefix != nil {
		end := append(append([]byte{}, prefix...), 0xFF)
		if err := c.txn.DelRange(ctx, prefix, end); err != nil {
			return err
		}
		for _, k := range sharedCache.Keys() {
			if strings.HasPrefix(k, string(prefix)) {
				sharedCache.Remove(k)
			}
		}
	}
	InvalidateKeys([][]byte{key})
	return nil
}

func (c *Catalog) RemoveNamespace(ctx context.Context, ns string) error {
	return c.removeRange(ctx, nsKey(ns), []byte(fmt.Sprintf("!ns/%s/!db/", ns)))
}

func (c *Catalog) RemoveDatabase(ctx context.Context, ns, db string) error {
	return c.removeRange(ctx, dbKey(ns, db), []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/", ns, db)))
}

func (c *Catalog) RemoveTable(ctx context.Context, ns, db, tb string) error {
	if err := c.removeRange(ctx, tbKey(ns, db, tb), []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s/", ns, db, tb))); err != nil {
		return err
	}
	begin, end := keys.TablePrefix(ns, db, tb)
	return c.txn.DelRange(ctx, begin, end)
}

func (c *Catalog) RemoveField(ctx context.Context, ns, db, tb, name string) error {
	return c.removeRange(ctx, fdKey(ns, db, tb, name), nil)
}

func (c *Catalog) RemoveIndex(ctx context.Context, ns, db, tb, name string) error {
	return c.removeRange(ctx, ixKey(ns, db, tb, name), []byte(fmt.Sprintf("+ix/%s/%s/%s/%s/", ns, db, tb, name)))
}

func (c *Catalog) RemoveUser(ctx context.Context, ns, db, name string) error {
	return c.removeRange(ctx, userKey(ns, db, name), nil)
}

func (c *Catalog) RemoveEvent(ctx context.Context, ns, db, tb, name string) error {
	return c.removeRange(ctx, evKey(ns, db, tb, name), nil)
}

func (c *Catalog) GetUser(ctx context.Context, ns, db, name string) (User, error) {
	var u User
	err := getGeneric(ctx, c, userKey(ns, db, name), &u)
	return u, err
}

func (c *Catalog) DefineEvent(ctx context.Context, e Event, opts DefineOptions) error {
	return defineGeneric(ctx, c.txn, evKey(e.NS, e.DB, e.Table, e.Name), e, opts)
}

func (c *Catalog) GetEvent(ctx context.Context, ns, db, tb, name string) (Event, error) {
	var e Event
	err := getGeneric(ctx, c, evKey(ns, db, tb, name), &e)
	return e, err
}

// AllEvents lists every event defined for ns/db/tb by scanning the event
// prefix directly (bypasses the entry cache; listing is not cached).
func (c *Catalog) AllEvents(ctx context.Context, ns, db, tb string) ([]Event, error) {
	prefix := []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s/!ev/", ns, db, tb))
	end := append(append([]byte{}, prefix...), 0xFF)
	rows, err := c.txn.Scan(ctx, prefix, end, 0)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, r := range rows {
		var e Event
		if err := json.Unmarshal(r.Value, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// AllIndexes lists every index defined for ns/db/tb, used by doc.Runtime to
// build the full set of index.Maintainer instances for a table (spec §4.5).
func (c *Catalog) AllIndexes(ctx context.Context, ns, db, tb string) ([]Index, error) {
	prefix := []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s/!ix/", ns, db, tb))
	end := append(append([]byte{}, prefix...), 0xFF)
	rows, err := c.txn.Scan(ctx, prefix, end, 0)
	if err != nil {
		return nil, err
	}
	var out []Index
	for _, r := range rows {
		var ix Index
		if err := json.Unmarshal(r.Value, &ix); err != nil {
			continue
		}
		out = append(out, ix)
	}
	return out, nil
}

// AllFields lists every field definition for ns/db/tb, used by doc.Runtime
// for schema enforcement (spec §4.4 step 5).
func (c *Catalog) AllFields(ctx context.Context, ns, db, tb string) ([]Field, error) {
	prefix := []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/%s/!fd/", ns, db, tb))
	end := append(append([]byte{}, prefix...), 0xFF)
	rows, err := c.txn.Scan(ctx, prefix, end, 0)
	if err != nil {
		return nil, err
	}
	var out []Field
	for _, r := range rows {
		var f Field
		if err := json.Unmarshal(r.Value, &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// AllUsers lists every user defined for ns/db (root users when both are
// empty), used by auth.Service.ListUsers.
func (c *Catalog) AllUsers(ctx context.Context, ns, db string) ([]User, error) {
	prefix := []byte(fmt.Sprintf("!ns/%s/!db/%s/!user/", ns, db))
	end := append(append([]byte{}, prefix...), 0xFF)
	rows, err := c.txn.Scan(ctx, prefix, end, 0)
	if err != nil {
		return nil, err
	}
	var out []User
	for _, r := range rows {
		var u User
		if err := json.Unmarshal(r.Value, &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// AllTables lists every table defined for ns/db by scanning the table
// prefix directly (bypasses the entry cache; listing is not cached).
func (c *Catalog) AllTables(ctx context.Context, ns, db string) ([]Table, error) {
	prefix := []byte(fmt.Sprintf("!ns/%s/!db/%s/!tb/", ns, db))
	end := append(append([]byte{}, prefix...), 0xFF)
	rows, err := c.txn.Scan(ctx, prefix, end, 0)
	if err != nil {
		return nil, err
	}
	var out []Table
	for _, r := range rows {
		var t Table
		if err := json.Unmarshal(r.Value, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
