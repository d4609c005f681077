// Package oracle implements the random workload oracle: a
// deterministic, seeded generator of a mixed-concurrency transactional
// workload that also acts as the expected-state oracle the campaign
// scheduler (G) verifies the DUT against after a crash.
//
// Concurrency is simulated, not real: the main loop is sequential but
// interleaves statements across several open connections, predicting
// which statements will draw a serialization failure and recovering
// from the ones it predicted. The DB client returns a tagged Outcome
// from every execute call, so conflict handling is an explicit branch
// rather than caught-exception control flow.
package oracle

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/LSchlierf/CrashTestFuzz/pkg/dbclient"
	"github.com/LSchlierf/CrashTestFuzz/pkg/metrics"
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// Connector opens one fresh Client against the DUT and immediately
// begins its transaction, per dbclient.Client.Connect's contract.
type Connector func(ctx context.Context) (dbclient.Client, error)

// DumpFunc reads the DUT's current committed table, independent of any
// open transaction. Used only when Run.Verify is set.
type DumpFunc func(ctx context.Context) ([]types.Row, error)

// CheckpointFunc issues the FIFS cache-checkpoint command. Called
// after every successful commit when Run.Params.Checkpoint is set.
type CheckpointFunc func() error

// Run bundles everything one oracle invocation needs.
type Run struct {
	Params types.WorkloadParameters
	Seed   int64
	// InitialShadow is the committed shadow to continue from — non-nil
	// when this run is a post-crash continuation against a survivor.
	InitialShadow []types.Row

	Connect    Connector
	Dump       DumpFunc
	Checkpoint CheckpointFunc

	// Table is the fuzzed table's name; empty means defaultTable.
	Table string

	// Verify enables a dump/compare against the committed shadow after
	// every transaction finish.
	Verify bool
	// MakeLog enables recording the linear LogEvent trail.
	MakeLog bool
}

// Result is the oracle's "(finalCommittedShadow, metadata, log)" return
// value.
type Result struct {
	FinalShadow []types.Row
	Metadata    types.RunMetadata
	Log         []types.LogEvent
}

// openTxn is the oracle's per-connection bookkeeping, plus the live dbclient.Client handle driving it.
type openTxn struct {
	client        dbclient.Client
	id            int
	numStatements int
	statements    []types.ReplayStep
	localContent  []types.Row
	lockedVals    map[types.Row]struct{}
}

// state is the oracle's full mutable working set across one Execute
// call — kept as a struct rather than a pile of loop-local variables so
// the step functions can be tested independently.
type state struct {
	run Run
	rng *rand.Rand

	remaining int
	nextTxnID int
	nextStmt  int // the "aid" global statement/action id

	open     []*openTxn
	finished []*openTxn

	shadow []types.Row // CommittedShadow
	locked map[types.Row]struct{}

	oldSnapshots [][]types.Row
	meta         types.RunMetadata
	log          []types.LogEvent
}

// Execute runs one seeded workload invocation against the DUT and
// returns the oracle's view of the resulting state. Errors from the
// DUT are never propagated to the caller — they are captured into the
// returned Metadata, and the run ends with Successful=false.
func Execute(ctx context.Context, run Run) Result {
	s := &state{
		run:       run,
		rng:       rand.New(rand.NewSource(run.Seed)),
		remaining: run.Params.NumTransactions,
		shadow:    cloneShadow(run.InitialShadow),
		locked:    make(map[types.Row]struct{}),
		meta: types.RunMetadata{
			Details: map[string]interface{}{},
		},
	}

	for s.remaining > 0 || len(s.open) > 0 || len(s.finished) > 0 {
		if ctx.Err() != nil {
			s.fail("error", fmt.Sprintf("context cancelled: %v", ctx.Err()))
			return s.result()
		}

		concurrencySample := s.rng.NormFloat64()*run.Params.ConcurrentTxnsStd + run.Params.ConcurrentTxnsMean
		wantsMoreCapacity := concurrencySample > float64(len(s.open)+len(s.finished)) && noisyGate(concurrencySample)
		shouldOpen := s.remaining > 0 && ((len(s.open) == 0 && len(s.finished) == 0) || wantsMoreCapacity)

		switch {
		case shouldOpen:
			if !s.openTransaction(ctx) {
				return s.result()
			}
		case len(s.finished) == 0:
			if !s.executeStatement(ctx) {
				return s.result()
			}
		default:
			if !s.finishTransaction(ctx) {
				return s.result()
			}
		}
	}

	s.meta.Successful = true
	return s.result()
}

func (s *state) table() string {
	if s.run.Table != "" {
		return s.run.Table
	}
	return defaultTable
}

func (s *state) result() Result {
	s.meta.OldSnapshots = s.oldSnapshots
	return Result{FinalShadow: s.shadow, Metadata: s.meta, Log: s.log}
}

func (s *state) fail(result, detail string) {
	s.meta.Successful = false
	s.meta.Result = result
	if detail != "" {
		s.meta.Details["message"] = detail
	}
}

// logEvent appends one (event, outcome) pair to the trace. The caller
// may leave Outcome at its zero value when the action failed before an
// outcome could be determined — the attempted action is logged before
// it is known to finish, so a crashed run ends in a truncated trailing
// event.
func (s *state) logEvent(ev types.LogEvent) {
	if s.run.MakeLog {
		s.log = append(s.log, ev)
	}
}

// lastEvent returns a pointer to the most recently appended event, for
// setting its Outcome once the DUT call it describes has resolved.
func (s *state) lastEvent() *types.LogEvent {
	if !s.run.MakeLog || len(s.log) == 0 {
		return nil
	}
	return &s.log[len(s.log)-1]
}

// openTransaction implements the "Open" branch of the step loop.
func (s *state) openTransaction(ctx context.Context) bool {
	numStatements := gaussianFloor1(s.rng, s.run.Params.TxnSizeMean, s.run.Params.TxnSizeStd)

	client, err := s.run.Connect(ctx)
	if err != nil {
		s.fail("error", err.Error())
		return false
	}

	txn := &openTxn{
		client:        client,
		id:            s.nextTxnID,
		numStatements: numStatements,
		localContent:  cloneShadow(s.shadow),
		lockedVals:    make(map[types.Row]struct{}),
	}
	s.nextTxnID++
	s.remaining--
	s.open = append(s.open, txn)

	s.logEvent(types.LogEvent{
		Type:          types.EventOpen,
		TxnID:         txn.id,
		Timestamp:     time.Now(),
		NumStatements: numStatements,
		Outcome:       types.LogOutcome{Result: types.ResultSuccess},
	})
	return true
}

// executeStatement implements the "Execute a statement" branch.
func (s *state) executeStatement(ctx context.Context) bool {
	idx := s.rng.Intn(len(s.open))
	txn := s.open[idx]

	p := s.rng.Float64()
	count := gaussianFloor1(s.rng, s.run.Params.StmtSizeMean, s.run.Params.StmtSizeStd)

	others := lockedByOthers(s.locked, txn.lockedVals)
	free := freeRows(txn.localContent, others)

	switch {
	case p < s.run.Params.PInsert || len(free) < count:
		return s.doInsert(ctx, txn, count)
	case p < s.run.Params.PInsert+s.run.Params.PUpdate:
		return s.doUpdateOrDelete(ctx, txn, count, free, others, types.StmtUpdate)
	default:
		return s.doUpdateOrDelete(ctx, txn, count, free, others, types.StmtDelete)
	}
}

func (s *state) doInsert(ctx context.Context, txn *openTxn, count int) bool {
	s.meta.NumInsert++
	rows := make([]types.Row, count)
	b := s.nextStmt
	for i := 0; i < count; i++ {
		rows[i] = types.Row{A: len(txn.localContent) + i, B: b}
	}

	s.logEvent(types.LogEvent{
		Type: types.EventInsert, TxnID: txn.id, Timestamp: time.Now(),
		Count: count, Values: rows, StatementID: b,
	})

	outcome := txn.client.Execute(ctx, insertSQL(s.table(), rows))
	switch outcome.Status {
	case dbclient.StatusConflict:
		// Inserts are never predicted to conflict.
		s.fail("didnt-expect-concurrency-conflict", "DUT reported a serialization failure on an insert")
		return false
	case dbclient.StatusTransportError:
		s.fail("error", outcome.Err.Error())
		return false
	}

	txn.localContent = append(txn.localContent, rows...)
	txn.statements = append(txn.statements, types.ReplayStep{Kind: types.StmtInsert, Rows: rows})
	s.nextStmt++
	if ev := s.lastEvent(); ev != nil {
		ev.Outcome = types.LogOutcome{Result: types.ResultSuccess}
	}
	s.maybeFinishStatements(txn)
	return true
}

func (s *state) doUpdateOrDelete(ctx context.Context, txn *openTxn, count int, free []types.Row, others map[types.Row]struct{}, kind types.StatementKind) bool {
	contested := contestedRows(txn.localContent, others)
	expectCC := s.rng.Float64() < s.run.Params.PSerializationFailure && len(contested) >= count

	var targets []types.Row
	if expectCC {
		targets = lastN(contested, count)
	} else {
		targets = lastN(free, count)
	}

	b := s.nextStmt
	eventType := types.EventUpdate
	if kind == types.StmtDelete {
		eventType = types.EventDelete
	}
	s.logEvent(types.LogEvent{
		Type: eventType, TxnID: txn.id, Timestamp: time.Now(),
		Count: count, Values: targets, StatementID: b,
	})

	sql := updateSQL(s.table(), targets, b)
	if kind == types.StmtDelete {
		sql = deleteSQL(s.table(), targets)
	}

	// Attempted statements count regardless of outcome.
	if kind == types.StmtUpdate {
		s.meta.NumUpdate++
	} else {
		s.meta.NumDelete++
	}

	outcome := txn.client.Execute(ctx, sql)

	switch outcome.Status {
	case dbclient.StatusOK:
		if expectCC {
			s.fail("expected-concurrency-conflict", "DUT accepted a statement the oracle predicted would conflict")
			return false
		}
		step := types.ReplayStep{Kind: kind, Rows: targets, NewB: b}
		txn.localContent = applyReplayStep(cloneShadow(txn.localContent), step)
		txn.statements = append(txn.statements, step)
		for _, r := range targets {
			txn.lockedVals[r] = struct{}{}
			s.locked[r] = struct{}{}
		}
		s.nextStmt++
		if ev := s.lastEvent(); ev != nil {
			ev.Outcome = types.LogOutcome{Result: types.ResultSuccess}
		}
		s.maybeFinishStatements(txn)
		return true

	case dbclient.StatusConflict:
		metrics.SerializationConflictsTotal.Inc()
		if !expectCC {
			s.fail("didnt-expect-concurrency-conflict", "DUT reported a serialization failure the oracle did not predict")
			return false
		}
		if kind == types.StmtUpdate {
			s.meta.NumCCUpdate++
		} else {
			s.meta.NumCCDelete++
		}
		// Predicted-and-observed conflict: rollback, reset locals,
		// release this txn's locks, stay open.
		if err := txn.client.Rollback(ctx); err != nil {
			s.fail("error", err.Error())
			return false
		}
		txn.statements = nil
		txn.localContent = cloneShadow(s.shadow)
		for r := range txn.lockedVals {
			delete(s.locked, r)
		}
		txn.lockedVals = make(map[types.Row]struct{})
		s.nextStmt++
		if ev := s.lastEvent(); ev != nil {
			ev.Outcome = types.LogOutcome{Result: types.ResultRollback}
		}
		return true

	default: // transport error
		s.fail("error", outcome.Err.Error())
		return false
	}
}

// maybeFinishStatements moves txn from open to finished once it has
// executed its target number of statements.
func (s *state) maybeFinishStatements(txn *openTxn) {
	if len(txn.statements) < txn.numStatements {
		return
	}
	for i, t := range s.open {
		if t == txn {
			s.open = append(s.open[:i], s.open[i+1:]...)
			break
		}
	}
	s.finished = append(s.finished, txn)
}

// finishTransaction implements the "Finish" branch: picks a random
// pending-finish (statement-count-exhausted) transaction and commits or
// rolls it back per Params.PCommit.
func (s *state) finishTransaction(ctx context.Context) bool {
	idx := s.rng.Intn(len(s.finished))
	txn := s.finished[idx]
	s.finished = append(s.finished[:idx], s.finished[idx+1:]...)

	commit := s.rng.Float64() < s.run.Params.PCommit
	if commit {
		return s.commitTransaction(ctx, txn)
	}
	return s.rollbackTransaction(ctx, txn)
}

func (s *state) commitTransaction(ctx context.Context, txn *openTxn) bool {
	s.logEvent(types.LogEvent{Type: types.EventCommit, TxnID: txn.id, Timestamp: time.Now()})

	if err := txn.client.Commit(ctx); err != nil {
		// The commit RPC itself failed — record what the shadow would
		// have looked like had it actually landed, for post-crash
		// unconfirmed-commit detection.
		s.meta.AltContent = replay(s.shadow, txn.statements)
		s.meta.HasAlt = true
		s.fail("error", err.Error())
		_ = txn.client.Close()
		return false
	}
	_ = txn.client.Close()

	for r := range txn.lockedVals {
		delete(s.locked, r)
	}

	// OldSnapshots is a crash-diagnosis artifact, not general history:
	// a verify run never needs a post-crash lost-commit search against
	// itself, so it skips the push.
	if !s.run.Verify {
		s.oldSnapshots = append(s.oldSnapshots, cloneShadow(s.shadow))
	}
	s.shadow = replay(s.shadow, txn.statements)

	// Transactions still open but untouched started from a stale view of
	// the shadow; fold this commit's effect into them too.
	for _, other := range s.open {
		if len(other.statements) == 0 {
			other.localContent = replay(other.localContent, txn.statements)
		}
	}

	s.meta.NumCommit++
	if s.run.Params.Checkpoint && s.run.Checkpoint != nil {
		if err := s.run.Checkpoint(); err != nil {
			s.fail("error", fmt.Sprintf("cache-checkpoint: %v", err))
			return false
		}
	}

	if ev := s.lastEvent(); ev != nil {
		ev.Outcome = types.LogOutcome{Result: types.ResultSuccess}
	}
	return s.maybeVerify(ctx)
}

func (s *state) rollbackTransaction(ctx context.Context, txn *openTxn) bool {
	s.logEvent(types.LogEvent{Type: types.EventRollback, TxnID: txn.id, Timestamp: time.Now()})

	for r := range txn.lockedVals {
		delete(s.locked, r)
	}

	if err := txn.client.Rollback(ctx); err != nil {
		s.fail("error", err.Error())
		_ = txn.client.Close()
		return false
	}
	_ = txn.client.Close()

	s.meta.NumRollback++
	if ev := s.lastEvent(); ev != nil {
		ev.Outcome = types.LogOutcome{Result: types.ResultSuccess}
	}
	return s.maybeVerify(ctx)
}

// maybeVerify dumps the DUT's table after a transaction finish and
// fails the run if it disagrees with the committed shadow. A no-op
// unless the run is in verification mode.
func (s *state) maybeVerify(ctx context.Context) bool {
	if !s.run.Verify || s.run.Dump == nil {
		return true
	}
	actual, err := s.run.Dump(ctx)
	if err != nil {
		s.fail("error", fmt.Sprintf("dump during verify: %v", err))
		return false
	}
	if !rowsEqual(actual, s.shadow) {
		s.meta.Details["expected"] = s.shadow
		s.meta.Details["actual"] = actual
		s.fail("verify mismatch", "")
		return false
	}
	return true
}

// gaussianFloor1 draws round(Gaussian(mean, std)) clamped to a minimum
// of 1.
func gaussianFloor1(rng *rand.Rand, mean, std float64) int {
	v := int(gaussianRound(rng, mean, std))
	if v < 1 {
		return 1
	}
	return v
}

func gaussianRound(rng *rand.Rand, mean, std float64) float64 {
	sample := rng.NormFloat64()*std + mean
	if sample < 0 {
		return -roundHalfAwayFromZero(-sample)
	}
	return roundHalfAwayFromZero(sample)
}

func roundHalfAwayFromZero(v float64) float64 {
	return float64(int64(v + 0.5))
}
