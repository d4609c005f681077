package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LSchlierf/CrashTestFuzz/pkg/storage"
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache, err := lru.New[string, types.Classification](16)
	require.NoError(t, err)

	return &Scheduler{store: store, cache: cache, logger: zerolog.Nop()}
}

func TestFinish_PersistsParentAndResult(t *testing.T) {
	s := newTestScheduler(t)

	node := &types.CampaignNode{
		ChildID:  "child-1",
		ParentID: "parent-1",
		Depth:    1,
		Number:   "0",
	}

	require.NoError(t, s.finish(node, types.ClassCorrectContent, map[string]interface{}{"result": ""}))

	parent, found, err := s.store.GetParent("child-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, types.ContainerID("parent-1"), parent)

	got, found, err := s.store.GetResult("child-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.ClassCorrectContent, got.Classification)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestFinish_CachesTraceHashClassification(t *testing.T) {
	s := newTestScheduler(t)

	node := &types.CampaignNode{ChildID: "c1", ParentID: "p1", TraceHash: "abc123"}
	require.NoError(t, s.finish(node, types.ClassCorrectContent, nil))

	cached, ok := s.cache.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, types.ClassCorrectContent, cached)

	// A second node sharing the same trace hash but a different
	// classification should overwrite the cache entry rather than error
	// out — the mismatch is only ever logged.
	node2 := &types.CampaignNode{ChildID: "c2", ParentID: "p1", TraceHash: "abc123"}
	require.NoError(t, s.finish(node2, types.ClassIncorrectContent, nil))

	cached, ok = s.cache.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, types.ClassIncorrectContent, cached)
}

func TestTerminateRequested(t *testing.T) {
	assert.False(t, terminateRequested(""))

	sentinel := filepath.Join(t.TempDir(), ".terminate")
	assert.False(t, terminateRequested(sentinel))

	require.NoError(t, os.WriteFile(sentinel, []byte{}, 0o644))
	assert.True(t, terminateRequested(sentinel))
}

func TestRowsEqualSet(t *testing.T) {
	a := []types.Row{{A: 1, B: 1}, {A: 2, B: 2}}
	b := []types.Row{{A: 2, B: 2}, {A: 1, B: 1}}
	assert.True(t, rowsEqualSet(a, b), "order shouldn't matter")

	// Duplicate rows collapse under set semantics, unlike the
	// oracle's own multiset bookkeeping.
	dup := []types.Row{{A: 1, B: 1}, {A: 1, B: 1}, {A: 2, B: 2}}
	assert.True(t, rowsEqualSet(dup, a))

	c := []types.Row{{A: 1, B: 1}}
	assert.False(t, rowsEqualSet(a, c))
}

func TestSymmetricDifference(t *testing.T) {
	expected := []types.Row{{A: 1, B: 1}, {A: 2, B: 2}}
	actual := []types.Row{{A: 1, B: 1}, {A: 3, B: 3}}

	diff := symmetricDifference(expected, actual)
	assert.ElementsMatch(t, []types.Row{{A: 2, B: 2}, {A: 3, B: 3}}, diff)
}

func TestSmallestLostCommits(t *testing.T) {
	snapshots := [][]types.Row{
		{{A: 1, B: 1}},                   // 3 commits ago
		{{A: 1, B: 1}, {A: 2, B: 2}},     // 2 commits ago
		{{A: 1, B: 1}, {A: 2, B: 2}, {A: 3, B: 3}}, // 1 commit ago
	}

	// Survivor matches the newest snapshot: k should be 1, not some
	// older coincidental match further back.
	survivor := []types.Row{{A: 1, B: 1}, {A: 2, B: 2}, {A: 3, B: 3}}
	k, snap, ok := smallestLostCommits(survivor, snapshots)
	require.True(t, ok)
	assert.Equal(t, 1, k)
	assert.Equal(t, snapshots[2], snap)

	// Survivor matches only the oldest snapshot: k should be 3.
	survivor = []types.Row{{A: 1, B: 1}}
	k, _, ok = smallestLostCommits(survivor, snapshots)
	require.True(t, ok)
	assert.Equal(t, 3, k)

	// No match at all.
	survivor = []types.Row{{A: 9, B: 9}}
	_, _, ok = smallestLostCommits(survivor, snapshots)
	assert.False(t, ok)

	// Empty snapshot history never matches.
	_, _, ok = smallestLostCommits(survivor, nil)
	assert.False(t, ok)
}

func TestBaseTag(t *testing.T) {
	assert.Equal(t, "correct-content", baseTag(types.ClassCorrectContent))
	assert.Equal(t, "correct-content", baseTag(types.ClassCorrectContentLostCommit))
	assert.Equal(t, "incorrect-content", baseTag(types.ClassificationLostCommits(4)))
	assert.Equal(t, "no-start", baseTag(types.ClassNoStart))
}

func TestTraceHash_DeterministicAndSensitive(t *testing.T) {
	log := []types.LogEvent{
		{Type: types.EventOpen, TxnID: 0, NumStatements: 2, Timestamp: time.Now()},
		{Type: types.EventInsert, TxnID: 0, Count: 3, StatementID: 0, Values: []types.Row{{A: 1, B: 1}}},
		{Type: types.EventCommit, TxnID: 0},
	}

	h1 := traceHash(log)
	h2 := traceHash(log)
	assert.Equal(t, h1, h2, "hashing the same log twice must be stable")

	// Timestamps differ between runs but must not affect the hash — the
	// hash is over type/transaction/count fields only.
	logWithDifferentTimestamp := make([]types.LogEvent, len(log))
	copy(logWithDifferentTimestamp, log)
	logWithDifferentTimestamp[0].Timestamp = time.Now().Add(time.Hour)
	assert.Equal(t, h1, traceHash(logWithDifferentTimestamp))

	// A materially different log (different statement count) must hash
	// differently.
	logDiff := make([]types.LogEvent, len(log))
	copy(logDiff, log)
	logDiff[1].Count = 99
	assert.NotEqual(t, h1, traceHash(logDiff))
}
