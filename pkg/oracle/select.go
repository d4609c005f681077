package oracle

import "github.com/LSchlierf/CrashTestFuzz/pkg/types"

// freeRows returns the rows of localContent not locked by any OTHER
// transaction.
func freeRows(localContent []types.Row, lockedByOthers map[types.Row]struct{}) []types.Row {
	out := make([]types.Row, 0, len(localContent))
	for _, r := range localContent {
		if _, locked := lockedByOthers[r]; !locked {
			out = append(out, r)
		}
	}
	return out
}

// contestedRows returns the rows of localContent locked by some other
// transaction — the set the oracle deliberately targets to provoke a
// predicted serialization conflict.
func contestedRows(localContent []types.Row, lockedByOthers map[types.Row]struct{}) []types.Row {
	out := make([]types.Row, 0, len(localContent))
	for _, r := range localContent {
		if _, locked := lockedByOthers[r]; locked {
			out = append(out, r)
		}
	}
	return out
}

// lockedByOthers computes LockedItems \ myLocks for one open txn: a
// transaction's own locked rows are never part of its own contention
// target.
func lockedByOthers(global map[types.Row]struct{}, mine map[types.Row]struct{}) map[types.Row]struct{} {
	out := make(map[types.Row]struct{}, len(global))
	for r := range global {
		if _, isMine := mine[r]; !isMine {
			out[r] = struct{}{}
		}
	}
	return out
}

// lastN returns the final n elements of rows — statement targets are
// drawn from the tail, preferring the most-recently-seen free or
// contested rows over the earliest ones.
func lastN(rows []types.Row, n int) []types.Row {
	if n >= len(rows) {
		return append([]types.Row(nil), rows...)
	}
	if n <= 0 {
		return nil
	}
	return append([]types.Row(nil), rows[len(rows)-n:]...)
}
