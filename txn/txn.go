// Package txn implements the per-statement-batch transaction context (spec
// §4.8): it wraps a kvs.Txn with a savepoint stack, a mutation log for
// changefeed emission, a catalog read cache, a cancellation token, and a
// clock used for timestamps and versionstamps.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/kvs"
)

// Versionstamp orders changefeed entries across commits (spec §5, §6.4).
type Versionstamp uint64

// Clock is injected rather than calling time.Now()/atomic counters inline,
// grounded on the original source's kvs/clock.rs abstraction (see
// DESIGN.md "Supplemented features").
type Clock interface {
	Now() time.Time
	NextVersionstamp() Versionstamp
}

// SystemClock is the production Clock: wall time plus a process-wide
// monotonic versionstamp counter.
type SystemClock struct {
	mu   sync.Mutex
	last Versionstamp
}

func NewSystemClock() *SystemClock { return &SystemClock{} }

func (c *SystemClock) Now() time.Time { return time.Now().UTC() }

func (c *SystemClock) NextVersionstamp() Versionstamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := Versionstamp(time.Now().UnixNano())
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// MutationAction identifies what kind of change a MutationLogEntry records.
type MutationAction string

const (
	ActionCreate MutationAction = "create"
	ActionUpdate MutationAction = "update"
	ActionDelete MutationAction = "delete"
)

// MutationLogEntry is one row-level change accumulated during a transaction,
// consumed at commit by the changefeed/live-query dispatcher.
type MutationLogEntry struct {
	NS, DB, Table string
	RecordID      []byte // encoded keys.Ident of the record key
	Action        MutationAction
	Before, After []byte // values.Encode output, nil if absent
	CatalogKeys   [][]byte
}

type savepointFrame struct {
	handle     kvs.SavepointHandle
	mutMark    int
	catalogNew map[string]bool
}

// Context is the live transaction-scoped state threaded through the
// document runtime, index maintainer, and operator pipeline.
type Context struct {
	Txn   kvs.Txn
	Cat   *catalog.Catalog
	Clock Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	mutations []MutationLogEntry
	frames    []savepointFrame
}

// New opens a transaction-scoped context over an already-begun kvs.Txn.
func New(parent context.Context, t kvs.Txn, clock Clock, timeout time.Duration) *Context {
	ctx := parent
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &Context{
		Txn:    t,
		Cat:    catalog.New(t),
		Clock:  clock,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Ctx returns the cancellation-bearing context.Context for KV/IO calls.
func (c *Context) Ctx() context.Context { return c.ctx }

// Cancelled reports whether the context's deadline/cancellation has fired,
// letting operators check between batches per spec §5.
func (c *Context) Cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Trip cancels the context, e.g. on QueryTimedout or explicit user cancel.
func (c *Context) Trip() { c.cancel() }

// LogMutation appends a mutation log entry for later changefeed emission.
func (c *Context) LogMutation(e MutationLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations = append(c.mutations, e)
}

// Mutations returns a copy of the accumulated mutation log.
func (c *Context) Mutations() []MutationLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MutationLogEntry{}, c.mutations...)
}

// SavePoint opens a new nested savepoint, delegating to the backend and
// remembering the mutation-log high-water mark so rollback can truncate it.
func (c *Context) SavePoint() kvs.SavepointHandle {
	h := c.Txn.SavePoint()
	c.mu.Lock()
	c.frames = append(c.frames, savepointFrame{handle: h, mutMark: len(c.mutations)})
	c.mu.Unlock()
	return h
}

// RollbackToSavePoint undoes every write (and logged mutation) since h.
func (c *Context) RollbackToSavePoint(h kvs.SavepointHandle) error {
	if err := c.Txn.RollbackToSavePoint(h); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "rollback to savepoint")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].handle == h {
			c.mutations = c.mutations[:c.frames[i].mutMark]
			c.frames = c.frames[:i]
			break
		}
	}
	return nil
}

// ReleaseSavePoint discards the savepoint without undoing its writes.
func (c *Context) ReleaseSavePoint(h kvs.SavepointHandle) {
	c.Txn.ReleaseSavePoint(h)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].handle == h {
			c.frames = c.frames[:i]
			break
		}
	}
}

// CommitResult carries the versionstamp assigned to this commit so callers
// can hand it to the changefeed dispatcher.
type CommitResult struct {
	Versionstamp Versionstamp
	Mutations    []MutationLogEntry
}

// Commit runs the sequence from spec §4.8: assign one versionstamp, persist
// changefeed entries under that stamp, ask the backend to commit, and on
// success invalidate the shared catalog cache for the CatalogKeys the
// mutation log carries (catalog writes also drop their own keys from that
// cache when they are made).
func (c *Context) Commit(persistChangefeed func(vs Versionstamp, muts []MutationLogEntry) error) (CommitResult, error) {
	c.mu.Lock()
	muts := append([]MutationLogEntry{}, c.mutations...)
	c.mu.Unlock()

	vs := c.Clock.NextVersionstamp()
	if persistChangefeed != nil {
		if err := persistChangefeed(vs, muts); err != nil {
			c.Txn.Cancel()
			return CommitResult{}, err
		}
	}

	if err := c.Txn.Commit(c.ctx); err != nil {
		if err == kvs.ErrConflict {
			return CommitResult{}, dberr.Wrap(dberr.KindTxRetry, err, "commit conflict")
		}
		return CommitResult{}, dberr.Wrap(dberr.KindInternal, err, "commit")
	}

	var keys [][]byte
	for _, m := range muts {
		keys = append(keys, m.CatalogKeys...)
	}
	catalog.InvalidateKeys(keys)

	return CommitResult{Versionstamp: vs, Mutations: muts}, nil
}

// Cancel rolls the whole transaction back.
func (c *Context) Cancel() {
	c.Txn.Cancel()
	c.cancel()
}

// NewID generates a random record-key component for CREATE without an
// explicit key (spec §3.1 "generation directive").
func NewID() string { return uuid.NewString() }
