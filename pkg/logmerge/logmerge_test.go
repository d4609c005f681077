package logmerge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

func mustTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05.000", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBracketTimestamp(t *testing.T) {
	ts, ok := bracketTimestamp("[2026-07-31 10:00:00.500] lfs_write(wal)")
	require.True(t, ok)
	assert.Equal(t, mustTime("2026-07-31 10:00:00.500"), ts)

	_, ok = bracketTimestamp("no timestamp here")
	assert.False(t, ok)
}

func TestMerge_AttributesWindows(t *testing.T) {
	events := []types.LogEvent{
		{Type: types.EventInsert, Timestamp: mustTime("2026-07-31 10:00:01.000")},
		{Type: types.EventCommit, Timestamp: mustTime("2026-07-31 10:00:02.000")},
	}

	log := strings.Join([]string{
		"[2026-07-31 10:00:00.500] before first event",
		"[2026-07-31 10:00:01.200] caused by insert",
		"[2026-07-31 10:00:01.800] lfs_getattr(wal) noise",
		"[2026-07-31 10:00:02.400] after last event",
	}, "\n")

	initial, terminal, err := Merge(strings.NewReader(log), bracketTimestamp, events)
	require.NoError(t, err)

	assert.Equal(t, []string{"[2026-07-31 10:00:00.500] before first event"}, initial)
	assert.Equal(t, []string{"[2026-07-31 10:00:02.400] after last event"}, terminal)
	assert.Empty(t, events[0].Outcome.Logs)
	assert.Equal(t, []string{"[2026-07-31 10:00:01.200] caused by insert"}, events[1].Outcome.Logs)
}

func TestMerge_ContinuationLinesStayInLastBucket(t *testing.T) {
	events := []types.LogEvent{
		{Type: types.EventCommit, Timestamp: mustTime("2026-07-31 10:00:01.000")},
	}

	log := strings.Join([]string{
		"[2026-07-31 10:00:01.500] first line",
		"  continuation without its own timestamp",
	}, "\n")

	_, terminal, err := Merge(strings.NewReader(log), bracketTimestamp, events)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[2026-07-31 10:00:01.500] first line",
		"  continuation without its own timestamp",
	}, terminal)
}

func TestMerge_DropsGetattrNoise(t *testing.T) {
	events := []types.LogEvent{
		{Type: types.EventCommit, Timestamp: mustTime("2026-07-31 10:00:02.000")},
	}
	log := "[2026-07-31 10:00:01.000] lfs_getattr(wal) spam\n"

	initial, _, err := Merge(strings.NewReader(log), bracketTimestamp, events)
	require.NoError(t, err)
	assert.Empty(t, initial)
}

func TestParserFor_FallsBackToBracket(t *testing.T) {
	p := ParserFor("unknown-engine")
	_, ok := p("[2026-07-31 10:00:00.000] x")
	assert.True(t, ok)
}
