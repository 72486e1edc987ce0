// Package plan compiles an expr.Statement into a tree of pull-based
// operators (spec §4.7). Operators produce batches of values.Value; a
// statement's result is the final operator drained to completion.
// GraphTraverse's bounded, cycle-safe walk is adapted from the teacher's
// graph.checkCycleRecursive visited/recursion-stack DFS, repurposed from
// cycle detection to traversal with a depth bound and dedup set. Bounded
// fan-out adapts the teacher's worker/pool.go fixed-concurrency shape using
// errgroup.Group.SetLimit for each pipeline invocation's sub-evaluations.
package plan

import (
	"context"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/doc"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/txn"
	"glyphdb.dev/glyphdb/values"
)

// Batch is one pull of rows from an operator.
type Batch []values.Value

// Operator is the pull-based contract every compiled node satisfies.
type Operator interface {
	// Next returns the next batch, or (nil, nil) when the stream is
	// exhausted. Operators poll tc.Cancelled() between batches (spec §5).
	Next(ctx context.Context) (Batch, error)
}

const defaultBatchSize = 256

// maxFanOut bounds concurrent sub-evaluations inside one operator (graph
// traversal branching, multi-row index lookups) so a wide fan-out statement
// cannot flood the transaction with unbounded concurrent reads.
const maxFanOut = 8

// Planner carries the shared dependencies every operator needs to run.
type Planner struct {
	TC   *txn.Context
	Opts expr.Options
	Eval *expr.Evaluator
	Doc  *doc.Runtime
}

func NewPlanner(tc *txn.Context, opts expr.Options, ev *expr.Evaluator, rt *doc.Runtime) *Planner {
	return &Planner{TC: tc, Opts: opts, Eval: ev, Doc: rt}
}

// Compile builds the operator tree for stmt. It dispatches on stmt.Kind;
// DDL statements compile to a degenerate single-batch pipeline (spec §4.7
// "DDL compilation").
func (p *Planner) Compile(stmt *expr.Statement) (Operator, error) {
	switch stmt.Kind {
	case expr.StmtSelect:
		return p.compileSelect(stmt)
	case expr.StmtCreate, expr.StmtUpdate, expr.StmtUpsert, expr.StmtDelete:
		return p.compileWrite(stmt)
	case expr.StmtInsert:
		return p.compileInsert(stmt)
	case expr.StmtRelate:
		return p.compileRelate(stmt)
	case expr.StmtDefine:
		return p.compileDefine(stmt)
	case expr.StmtRemove:
		return p.compileRemove(stmt)
	default:
		return nil, dberr.New(dberr.KindParse, "statement kind %v has no compiled pipeline", stmt.Kind)
	}
}

// drain pulls every batch from op and concatenates the rows. Used by
// sub-query evaluation (expr.SubqueryRunner) and by the top-level query
// boundary to materialize one statement's full result.
func Drain(ctx context.Context, op Operator) ([]values.Value, error) {
	var out []values.Value
	for {
		b, err := op.Next(ctx)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return out, nil
		}
		out = append(out, b...)
	}
}

// oneShot wraps a single pre-computed batch as an Operator; used for
// terminal nodes that produce their whole result synchronously (Return,
// DDL, single-row writes).
type oneShot struct {
	rows Batch
	done bool
}

func (o *oneShot) Next(ctx context.Context) (Batch, error) {
	if o.done {
		return nil, nil
	}
	o.done = true
	return o.rows, nil
}
