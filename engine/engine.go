// Package engine implements the single external entry point described by
// spec §6.3: execute a batch of statements against a session and return one
// QueryResult per statement. It owns transaction-batch grouping
// (BEGIN...COMMIT/CANCEL), commit-conflict retry, permission gating ahead of
// DDL compilation, and wiring live-query registration/dispatch around
// plan.Compile. Grounded on the teacher's coordinator.go connection-level
// state machine (explicit Config knobs, a monotonic retry loop with bounded
// backoff) generalized from "reconnect a websocket" to "retry a conflicted
// commit".
package engine

import (
	"context"
	"math/rand"
	"time"

	"glyphdb.dev/glyphdb/auth"
	"glyphdb.dev/glyphdb/changefeed"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/doc"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/kvs"
	"glyphdb.dev/glyphdb/plan"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

// RetryConfig bounds the commit-conflict retry loop (spec §7 "TxRetry ...
// caller may retry"). Shaped after the teacher's coordinator.go
// Reconnect{Initial,Max}Delay/BackoffFactor/MaxAttempts knobs.
type RetryConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	MaxAttempts   int // 0 = unbounded
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:  2 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxAttempts:   8,
	}
}

// Engine holds the process-wide dependencies every statement batch is
// executed against.
type Engine struct {
	Store      kvs.Store
	Clock      txn.Clock
	Eval       *expr.Evaluator
	Dispatcher *changefeed.Dispatcher
	Router     *changefeed.Router
	NodeID     string
	Retry      RetryConfig
}

// New wires an Engine from its constituent parts. eval is built with
// plan.Drain-backed sub-query evaluation by the caller (see NewEvaluator)
// so expr and plan never import each other directly.
func New(store kvs.Store, clock txn.Clock, eval *expr.Evaluator, dispatcher *changefeed.Dispatcher, router *changefeed.Router, nodeID string) *Engine {
	return &Engine{
		Store:      store,
		Clock:      clock,
		Eval:       eval,
		Dispatcher: dispatcher,
		Router:     router,
		NodeID:     nodeID,
		Retry:      DefaultRetryConfig(),
	}
}

// NewEvaluator builds the expr.Evaluator used by an Engine, closing the
// expr<->plan loop: the Evaluator needs a SubqueryRunner to evaluate
// KindSubquery expressions, and that runner needs the very Evaluator it is
// closed over to compile its child statement's own expressions. The
// forward reference is resolved by assigning into eval after NewEvaluator
// returns; the closure only dereferences it once a query actually runs a
// sub-select, by which point construction has completed.
func NewEvaluator(docRT *doc.Runtime) *expr.Evaluator {
	var eval *expr.Evaluator
	runner := func(tc *txn.Context, opts expr.Options, stmt *expr.Statement) ([]values.Value, error) {
		p := plan.NewPlanner(tc, opts, eval, docRT)
		op, err := p.Compile(stmt)
		if err != nil {
			return nil, err
		}
		return plan.Drain(tc.Ctx(), op)
	}
	eval = expr.NewEvaluator(runner)
	return eval
}

// QueryResult is one statement's outcome (spec §6.3).
type QueryResult struct {
	Elapsed time.Duration
	Value   values.Value
	Err     error
}

// ddlLevel reports the session scope a DEFINE/REMOVE statement's entity
// requires (spec §4.9: namespace-scoped entities need LevelRoot to create,
// database-scoped need LevelNamespace, table/field/index/user/event need
// LevelDatabase).
func ddlLevel(entity string) auth.Level {
	switch entity {
	case "namespace":
		return auth.LevelRoot
	case "database":
		return auth.LevelNamespace
	default:
		return auth.LevelDatabase
	}
}

// checkPermission enforces spec §4.9 ahead of compiling a statement: DDL
// requires level coverage (and, for DEFINE and REMOVE, the owner role); DML
// against record-level auth is left to doc.Runtime's per-field/table
// permission predicates, since that gating needs the candidate record in
// hand.
func checkPermission(sess *auth.Session, stmt *expr.Statement) error {
	switch stmt.Kind {
	case expr.StmtDefine:
		if err := auth.CheckLevel(sess, ddlLevel(stmt.Define.Entity), stmt.NS, stmt.DB); err != nil {
			return err
		}
		return auth.CheckRole(sess, auth.RoleOwner)
	case expr.StmtRemove:
		if err := auth.CheckLevel(sess, ddlLevel(stmt.Remove.Entity), stmt.NS, stmt.DB); err != nil {
			return err
		}
		return auth.CheckRole(sess, auth.RoleOwner)
	default:
		return auth.CheckLevel(sess, auth.LevelDatabase, stmt.NS, stmt.DB)
	}
}

// Execute runs stmts per spec §6.3's grouping rule and returns one
// QueryResult per statement. Statements between BEGIN and COMMIT/CANCEL
// share one txn.Context; every other statement gets its own.
func (e *Engine) Execute(ctx context.Context, stmts []*expr.Statement, sess *auth.Session, params map[string]values.Value) []QueryResult {
	results := make([]QueryResult, 0, len(stmts))

	i := 0
	for i < len(stmts) {
		if stmts[i].Kind == expr.StmtBegin {
			end := i + 1
			for end < len(stmts) && stmts[end].Kind != expr.StmtCommit && stmts[end].Kind != expr.StmtCancel {
				end++
			}
			explicitCancel := end < len(stmts) && stmts[end].Kind == expr.StmtCancel
			batch := stmts[i+1 : end]
			results = append(results, e.runBatch(ctx, batch, sess, params, explicitCancel)...)
			if end < len(stmts) {
				end++ // consume the COMMIT/CANCEL marker itself
			}
			i = end
			continue
		}
		results = append(results, e.runBatch(ctx, stmts[i:i+1], sess, params, false)...)
		i++
	}
	return results
}

// runBatch executes every statement in batch inside one transaction,
// retrying the whole batch on TxRetry (spec §7: a commit conflict is
// recoverable by the caller; re-running the batch from its savepoint-free
// start is the simplest sound retry since reads inside it observed a
// snapshot that is now known stale).
func (e *Engine) runBatch(ctx context.Context, batch []*expr.Statement, sess *auth.Session, params map[string]values.Value, explicitCancel bool) []QueryResult {
	delay := e.Retry.InitialDelay
	for attempt := 0; ; attempt++ {
		results, retry := e.attemptBatch(ctx, batch, sess, params, explicitCancel)
		if !retry {
			return results
		}
		if e.Retry.MaxAttempts > 0 && attempt+1 >= e.Retry.MaxAttempts {
			return results
		}
		select {
		case <-ctx.Done():
			return results
		case <-time.After(jitter(delay)):
		}
		delay = time.Duration(float64(delay) * e.Retry.BackoffFactor)
		if delay > e.Retry.MaxDelay {
			delay = e.Retry.MaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

// attemptBatch runs batch once. The bool return reports whether the whole
// batch should be retried (the commit failed with TxRetry); in that case
// the TxRetry error is attached to the last result, which the caller
// discards when it retries and returns once it stops retrying.
func (e *Engine) attemptBatch(ctx context.Context, batch []*expr.Statement, sess *auth.Session, params map[string]values.Value, explicitCancel bool) ([]QueryResult, bool) {
	kvTxn, err := e.Store.Transaction(ctx, true)
	if err != nil {
		return oneErr(dberr.Wrap(dberr.KindInternal, err, "begin transaction")), false
	}

	var timeout time.Duration
	for _, stmt := range batch {
		if stmt.Timeout > timeout {
			timeout = stmt.Timeout
		}
	}
	tc := txn.New(ctx, kvTxn, e.Clock, timeout)

	docRT := &doc.Runtime{Eval: e.Eval}

	results := make([]QueryResult, 0, len(batch))
	failed := false
	var authVal values.Value
	if sess != nil {
		authVal = sess.Auth.Bind()
	} else {
		authVal = values.None()
	}

	for _, stmt := range batch {
		start := time.Now()

		if stmt.Kind == expr.StmtLive {
			v, err := e.startLiveQuery(tc, stmt, sess, authVal)
			results = append(results, QueryResult{Elapsed: time.Since(start), Value: v, Err: err})
			if err != nil {
				failed = true
				break
			}
			continue
		}
		if stmt.Kind == expr.StmtKill {
			err := e.killLiveQuery(ctx, stmt)
			results = append(results, QueryResult{Elapsed: time.Since(start), Value: values.Bool(err == nil), Err: err})
			if err != nil {
				failed = true
				break
			}
			continue
		}

		if err := checkPermission(sess, stmt); err != nil {
			results = append(results, QueryResult{Elapsed: time.Since(start), Err: err})
			failed = true
			break
		}

		opts := expr.Options{NS: stmt.NS, DB: stmt.DB, Auth: authVal, Params: params}
		p := plan.NewPlanner(tc, opts, e.Eval, docRT)
		op, err := p.Compile(stmt)
		if err != nil {
			results = append(results, QueryResult{Elapsed: time.Since(start), Err: err})
			failed = true
			break
		}
		rows, err := plan.Drain(tc.Ctx(), op)
		if err != nil {
			if dberr.Is(err, dberr.KindQueryTimedOut) {
				tc.Trip()
			}
			results = append(results, QueryResult{Elapsed: time.Since(start), Err: err})
			failed = true
			break
		}
		results = append(results, QueryResult{Elapsed: time.Since(start), Value: collapse(rows)})
	}

	if failed || explicitCancel {
		tc.Cancel()
		return results, false
	}

	commitRes, err := tc.Commit(func(vs txn.Versionstamp, muts []txn.MutationLogEntry) error {
		ns, db := batchScope(batch)
		return changefeed.Persist(tc.Ctx(), tc.Txn, ns, db, vs, muts)
	})
	if err != nil {
		if len(results) > 0 {
			results[len(results)-1].Err = err
		} else {
			results = append(results, QueryResult{Err: err})
		}
		return results, dberr.Is(err, dberr.KindTxRetry)
	}

	if e.Dispatcher != nil && e.Router != nil {
		ns, db := batchScope(batch)
		go e.dispatchAfterCommit(ns, db, commitRes.Mutations)
	}

	return results, false
}

// dispatchAfterCommit fans committed mutations out to live-query
// subscribers once the transaction that produced them has committed (spec
// §5: "delivered after that transaction commits").
func (e *Engine) dispatchAfterCommit(ns, db string, muts []txn.MutationLogEntry) {
	_ = changefeed.DispatchCommit(context.Background(), e.Dispatcher, e.Router.LiveIDsForTable, ns, db, muts)
}

func batchScope(batch []*expr.Statement) (ns, db string) {
	for _, s := range batch {
		if s.NS != "" {
			ns = s.NS
		}
		if s.DB != "" {
			db = s.DB
		}
	}
	return ns, db
}

// collapse folds a statement's drained rows into its single result Value
// per spec §6.3 (a statement's result is one Value, possibly an array).
func collapse(rows []values.Value) values.Value {
	if rows == nil {
		rows = []values.Value{}
	}
	return values.Array(rows)
}

func oneErr(err error) []QueryResult {
	return []QueryResult{{Err: err}}
}

// startLiveQuery registers a LIVE SELECT against the dispatcher and durable
// registration store, returning the live query's UUID (spec §6.3, §6.4).
func (e *Engine) startLiveQuery(tc *txn.Context, stmt *expr.Statement, sess *auth.Session, authVal values.Value) (values.Value, error) {
	if e.Dispatcher == nil {
		return values.None(), dberr.New(dberr.KindInternal, "live queries not enabled")
	}
	if err := auth.CheckLevel(sess, auth.LevelDatabase, stmt.NS, stmt.DB); err != nil {
		return values.None(), err
	}
	liveID, _, _ := e.Dispatcher.Subscribe()

	var where string
	if stmt.Where != nil {
		if s, err := expr.Marshal(stmt.Where); err == nil {
			where = s
		}
	}
	reg := changefeed.Registration{
		LiveID: liveID, NodeID: e.NodeID,
		NS: stmt.NS, DB: stmt.DB, Table: stmt.Table,
		Where: where,
	}
	if err := changefeed.Register(tc.Ctx(), e.Store, reg); err != nil {
		e.Dispatcher.Kill(liveID)
		return values.None(), err
	}
	if e.Router != nil {
		e.Router.Add(reg)
	}
	return values.String(liveID), nil
}

// killLiveQuery unregisters a live query by id (KILL statement).
func (e *Engine) killLiveQuery(ctx context.Context, stmt *expr.Statement) error {
	if e.Dispatcher == nil {
		return dberr.New(dberr.KindInternal, "live queries not enabled")
	}
	e.Dispatcher.Kill(stmt.LiveID)
	if e.Router != nil {
		e.Router.RemoveByID(stmt.LiveID)
	}
	return changefeed.Unregister(ctx, e.Store, e.NodeID, stmt.LiveID)
}

// RestoreRouter rebuilds a Router from every live-query registration this
// node owns, used at startup so notifications resume after a restart (spec
// §6.4).
func RestoreRouter(ctx context.Context, store kvs.Store, nodeID string) (*changefeed.Router, error) {
	regs, err := changefeed.LoadForNode(ctx, store, nodeID)
	if err != nil {
		return nil, err
	}
	return changefeed.NewRouter(regs), nil
}
