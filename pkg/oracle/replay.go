package oracle

import "github.com/LSchlierf/CrashTestFuzz/pkg/types"

// cloneShadow returns a fresh copy of shadow — every replay starts from
// a copy so the caller's slice (e.g. CommittedShadow) is never aliased.
func cloneShadow(shadow []types.Row) []types.Row {
	out := make([]types.Row, len(shadow))
	copy(out, shadow)
	return out
}

// applyReplayStep applies one committed statement's effect to shadow,
// matching every row equal to one of step.Rows — not just the first
// occurrence — since duplicate (a, b) tuples can coexist under the
// multiset semantics of Row and the committed shadow.
func applyReplayStep(shadow []types.Row, step types.ReplayStep) []types.Row {
	switch step.Kind {
	case types.StmtInsert:
		return append(shadow, step.Rows...)
	case types.StmtUpdate:
		targets := rowSet(step.Rows)
		for i, row := range shadow {
			if _, hit := targets[row]; hit {
				shadow[i] = types.Row{A: row.A, B: step.NewB}
			}
		}
		return shadow
	case types.StmtDelete:
		targets := rowSet(step.Rows)
		out := shadow[:0]
		for _, row := range shadow {
			if _, hit := targets[row]; hit {
				continue
			}
			out = append(out, row)
		}
		return out
	default:
		return shadow
	}
}

// replay applies every step in order against a fresh copy of base.
func replay(base []types.Row, steps []types.ReplayStep) []types.Row {
	shadow := cloneShadow(base)
	for _, step := range steps {
		shadow = applyReplayStep(shadow, step)
	}
	return shadow
}

func rowSet(rows []types.Row) map[types.Row]struct{} {
	set := make(map[types.Row]struct{}, len(rows))
	for _, r := range rows {
		set[r] = struct{}{}
	}
	return set
}

// rowsEqual reports whether two row slices are equal as sets of
// stringified rows: duplicate rows collapse to one, so two distinct
// copies of the same row compare equal to a single instance.
func rowsEqual(a, b []types.Row) bool {
	as := rowStringSet(a)
	bs := rowStringSet(b)
	if len(as) != len(bs) {
		return false
	}
	for k := range as {
		if _, ok := bs[k]; !ok {
			return false
		}
	}
	return true
}

func rowStringSet(rows []types.Row) map[types.Row]struct{} {
	return rowSet(rows)
}
