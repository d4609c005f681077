package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LSchlierf/CrashTestFuzz/pkg/config"
	"github.com/LSchlierf/CrashTestFuzz/pkg/container"
	"github.com/LSchlierf/CrashTestFuzz/pkg/dbclient"
	"github.com/LSchlierf/CrashTestFuzz/pkg/health"
	"github.com/LSchlierf/CrashTestFuzz/pkg/storage"
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
	"github.com/LSchlierf/CrashTestFuzz/pkg/worker"
)

// fakeDB is the shared committed state behind every fakeClient a test
// run hands out, with knobs to stage the failure modes runIteration
// classifies: a transport error on a chosen statement, a lost or
// unacknowledged commit, and a survivor that reports stale or foreign
// content.
type fakeDB struct {
	mu      sync.Mutex
	rows    []types.Row
	history [][]types.Row // committed state before each commit

	execs      int
	failOnExec int // transport-error exactly this execution (1-based)

	commitErr     bool // the commit RPC reports failure
	commitApplies bool // ...but the commit still lands

	dumpRows []types.Row // overrides Dump entirely when non-nil
	dumpBack int         // Dump returns the state this many commits back
}

func (db *fakeDB) factory(port int) (dbclient.Client, error) {
	return &fakeClient{db: db}, nil
}

func (db *fakeDB) commitLocked(queries []string) {
	db.history = append(db.history, append([]types.Row(nil), db.rows...))
	for _, q := range queries {
		db.rows = applySQL(db.rows, q)
	}
}

// fakeClient buffers accepted statements and replays them against the
// shared table at commit time, the way a real engine makes a
// transaction's effects visible.
type fakeClient struct {
	db      *fakeDB
	queries []string
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) Execute(ctx context.Context, query string, args ...interface{}) dbclient.Outcome {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.execs++
	if c.db.failOnExec > 0 && c.db.execs == c.db.failOnExec {
		return dbclient.Outcome{
			Status: dbclient.StatusTransportError,
			Err:    &dbclient.TransportError{Err: errors.New("connection reset")},
		}
	}
	c.queries = append(c.queries, query)
	return dbclient.Outcome{Status: dbclient.StatusOK}
}

func (c *fakeClient) FetchAll(ctx context.Context, query string, args ...interface{}) ([][]interface{}, error) {
	return nil, nil
}

func (c *fakeClient) Commit(ctx context.Context) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.commitErr {
		if c.db.commitApplies {
			c.db.commitLocked(c.queries)
		}
		c.queries = nil
		return &dbclient.TransportError{Err: errors.New("commit ack lost")}
	}
	c.db.commitLocked(c.queries)
	c.queries = nil
	return nil
}

func (c *fakeClient) Rollback(ctx context.Context) error {
	c.queries = nil
	return nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) Dump(ctx context.Context) ([]types.Row, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.dumpRows != nil {
		return append([]types.Row(nil), c.db.dumpRows...), nil
	}
	if c.db.dumpBack > 0 && len(c.db.history) >= c.db.dumpBack {
		snap := c.db.history[len(c.db.history)-c.db.dumpBack]
		return append([]types.Row(nil), snap...), nil
	}
	return append([]types.Row(nil), c.db.rows...), nil
}

var (
	insertValuesRE = regexp.MustCompile(`\((-?\d+), (-?\d+)\)`)
	rowCondRE      = regexp.MustCompile(`\(a = (-?\d+) AND b = (-?\d+)\)`)
	setClauseRE    = regexp.MustCompile(`SET b = (-?\d+)`)
)

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

// applySQL interprets the narrow SQL dialect the workload oracle emits
// against an in-memory row slice.
func applySQL(rows []types.Row, query string) []types.Row {
	switch {
	case strings.HasPrefix(query, "INSERT"):
		for _, m := range insertValuesRE.FindAllStringSubmatch(query, -1) {
			rows = append(rows, types.Row{A: atoi(m[1]), B: atoi(m[2])})
		}
	case strings.HasPrefix(query, "UPDATE"):
		newB := atoi(setClauseRE.FindStringSubmatch(query)[1])
		targets := condTargets(query)
		for i, r := range rows {
			if _, hit := targets[r]; hit {
				rows[i].B = newB
			}
		}
	case strings.HasPrefix(query, "DELETE"):
		targets := condTargets(query)
		kept := rows[:0]
		for _, r := range rows {
			if _, hit := targets[r]; !hit {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	return rows
}

func condTargets(query string) map[types.Row]struct{} {
	targets := map[types.Row]struct{}{}
	for _, m := range rowCondRE.FindAllStringSubmatch(query, -1) {
		targets[types.Row{A: atoi(m[1]), B: atoi(m[2])}] = struct{}{}
	}
	return targets
}

// Stub run-container.sh bodies. %LOGS% is replaced with the harness's
// container-logs dir; $1 is the container id, $3 the optional crash
// command.

// readyRunScript brings every container up: it writes the readiness
// marker and a one-write FIFS trace.
const readyRunScript = `echo ready > %LOGS%/$1-fakedb.log
echo '[2026-01-01 00:00:00.000] [lazyfs.ops] lfs_write(lazyfs.root/wal, 4096)' > %LOGS%/$1-lazyfs.log
exit 0`

// neverReadyScript starts containers that never become available.
const neverReadyScript = `exit 0`

// verifyOnlyScript fails crash-wrapped starts (the faulted child) but
// brings plain restarts (the verification duplicate) up.
const verifyOnlyScript = `if [ -n "$3" ]; then exit 0; fi
echo ready > %LOGS%/$1-fakedb.log
exit 0`

// onceScript brings only the first container up; every later start
// hangs, so the faulted run works but its survivor never restarts.
const onceScript = `if [ -f %LOGS%/started ]; then exit 0; fi
: > %LOGS%/started
echo ready > %LOGS%/$1-fakedb.log
echo '[2026-01-01 00:00:00.000] [lazyfs.ops] lfs_write(lazyfs.root/wal, 4096)' > %LOGS%/$1-lazyfs.log
exit 0`

type iterationHarness struct {
	sched     *Scheduler
	db        *fakeDB
	scriptDir string
}

func writeStubScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

// shrinkPoll drops the 90s availability ceiling to something a unit
// test can wait out.
func shrinkPoll(t *testing.T) {
	t.Helper()
	orig := health.Poll
	health.Poll.Step = time.Millisecond
	health.Poll.Timeout = 50 * time.Millisecond
	t.Cleanup(func() { health.Poll = orig })
}

func newIterationHarness(t *testing.T, runScript string) *iterationHarness {
	t.Helper()
	shrinkPoll(t)

	scriptDir := t.TempDir()
	logsDir := t.TempDir()
	writeStubScript(t, scriptDir, "run-container.sh", strings.ReplaceAll(runScript, "%LOGS%", logsDir))
	for _, name := range []string{"duplicate-container.sh", "stop-sut.sh", "stop-container.sh", "cleanup-env.sh", "cleanup-all.sh"} {
		writeStubScript(t, scriptDir, name, "exit 0")
	}

	campaign := &config.Campaign{
		SUT:              "fakedb",
		ScriptDir:        scriptDir,
		LogsDir:          t.TempDir(),
		Run:              "test",
		ContainerPort:    5432,
		Driver:           "postgres",
		DSNTemplate:      "host=localhost port=%d",
		Table:            "rows",
		ContainerLogsDir: logsDir,
		FIFSConfigDir:    t.TempDir(),
		FIFSRoot:         "/tmp/lazyfs.root",
		HealthCheck:      "log-marker",
		LogMarker:        "ready",
		CrashCmd:         "crashwrap",
		Workload: types.WorkloadParameters{
			NumTransactions:    3,
			ConcurrentTxnsMean: 1,
			TxnSizeMean:        1,
			StmtSizeMean:       1,
			PCommit:            1,
			PInsert:            1,
		},
		RecursionDepth:  0,
		Steps:           2,
		RecursionFactor: 0.5,
		FaultFiles:      []string{"wal"},
		FaultOps:        []string{"write"},
		FaultTimings:    []types.Timing{types.TimingBefore},
		ConcurrentTests: 1,
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sched, err := NewScheduler(campaign, container.NewFacade(scriptDir, zerolog.Nop()), store, zerolog.Nop())
	require.NoError(t, err)

	db := &fakeDB{}
	sched.clients = db.factory
	return &iterationHarness{sched: sched, db: db, scriptDir: scriptDir}
}

func baseInput() iterationInput {
	return iterationInput{
		ParentID:       "parent",
		TemplateID:     "template",
		Depth:          0,
		Number:         "0",
		Seed:           1,
		Hurdle:         types.Hurdle{Occurrence: 1, File: "wal", Op: "write", Timing: types.TimingBefore},
		RemainingDepth: 0,
		Steps:          2,
	}
}

func noEnqueue(worker.Job) {}

func soleResult(t *testing.T, s *Scheduler) *types.CampaignNode {
	t.Helper()
	tree, err := s.store.Tree()
	require.NoError(t, err)
	require.Len(t, tree.Results, 1)
	for _, node := range tree.Results {
		return node
	}
	return nil
}

func TestRunIteration_InitialSuccess(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassInitialSuccess, node.Classification)
	assert.Equal(t, types.ContainerID("parent"), node.ParentID)
}

func TestRunIteration_CorrectContent(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)
	h.db.failOnExec = 3 // two commits land, the third statement dies mid-run

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassCorrectContent, node.Classification)
}

func TestRunIteration_CorrectContentLostCommit(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)
	h.db.commitErr = true // ack lost and nothing made durable

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassCorrectContentLostCommit, node.Classification)
}

func TestRunIteration_CorrectContentUnconfirmedCommit(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)
	h.db.commitErr = true
	h.db.commitApplies = true // ack lost but the commit landed

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassCorrectContentUnconfirmed, node.Classification)
}

func TestRunIteration_LostCommitsSelectsSmallestK(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)
	h.db.failOnExec = 3 // two commits land before the run dies...
	h.db.dumpBack = 1   // ...and the survivor reverted the newest one

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassificationLostCommits(1), node.Classification)
}

func TestRunIteration_IncorrectContent(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)
	h.db.failOnExec = 1
	h.db.dumpRows = []types.Row{{A: 9, B: 9}} // matches nothing the oracle saw

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassIncorrectContent, node.Classification)
	assert.Contains(t, node.Metadata, "mismatch")
}

func TestRunIteration_NoStart(t *testing.T) {
	h := newIterationHarness(t, neverReadyScript)

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassNoStart, node.Classification)
}

func TestRunIteration_NoRestart(t *testing.T) {
	h := newIterationHarness(t, onceScript)
	h.db.failOnExec = 1 // the faulted run starts but its workload dies

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassNoRestart, node.Classification)
}

func TestRunIteration_CorrectParentContent(t *testing.T) {
	h := newIterationHarness(t, verifyOnlyScript)
	h.db.rows = []types.Row{{A: 1, B: 1}}

	in := baseInput()
	in.ParentContent = []types.Row{{A: 1, B: 1}}
	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, in))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassCorrectParentContent, node.Classification)
}

func TestRunIteration_IncorrectParentContent(t *testing.T) {
	h := newIterationHarness(t, verifyOnlyScript)
	// survivor is empty while the parent had a row

	in := baseInput()
	in.ParentContent = []types.Row{{A: 1, B: 1}}
	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, in))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassIncorrectParentContent, node.Classification)
}

func TestRunIteration_ErrorOnDuplicateFailure(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)
	writeStubScript(t, h.scriptDir, "duplicate-container.sh", "exit 1")

	require.NoError(t, h.sched.runIteration(context.Background(), noEnqueue, baseInput()))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassError, node.Classification)
	assert.Contains(t, node.Metadata, "message")
}

func TestRunIteration_RecursionEnqueuesChildren(t *testing.T) {
	h := newIterationHarness(t, readyRunScript)
	h.db.failOnExec = 3 // classify correct-content, then recurse

	in := baseInput()
	in.RemainingDepth = 1

	var enqueued int
	enq := func(worker.Job) { enqueued++ }
	require.NoError(t, h.sched.runIteration(context.Background(), enq, in))

	node := soleResult(t, h.sched)
	assert.Equal(t, types.ClassCorrectContent, node.Classification)
	// steps=2 scaled by recursionFactor=0.5 gives one child per depth.
	assert.Equal(t, 1, enqueued)
}
