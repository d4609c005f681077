// Package hurdle implements the crash-point enumerator (F): turning a
// parsed FileOpTrace and a (file, op, steps) target into the occurrence
// counts at which the scheduler will ask FIFS to crash the DUT.
package hurdle

import (
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// Pick computes the evenly-spaced hurdle set over [stepSize, maxOps]:
// stepSize = max(maxOps/steps, 1), and
// Hurdles[i] = (i+1)*stepSize for i in 0..steps-1. When the target
// (file, op) pair never occurred in the trace, maxOps is treated as 0
// and every hurdle collapses to 1 — a benign waste rather than an
// error, since there's no crash-worthy occurrence to target.
func Pick(ft types.FileOpTrace, file, op string, steps int) []int {
	if steps <= 0 {
		return nil
	}
	maxOps := 0
	if ops, ok := ft[file]; ok {
		maxOps = ops[op]
	}
	stepSize := maxOps / steps
	if stepSize < 1 {
		stepSize = 1
	}
	hurdles := make([]int, steps)
	for i := 0; i < steps; i++ {
		hurdles[i] = (i + 1) * stepSize
	}
	return hurdles
}

// Target resolves the (file, op, timing) triple for a given recursion
// depth. Each dimension escalates independently: at depth d, use
// target[d] if d is within range, else hold at the last entry — the
// campaign may deepen its target past what was explicitly configured.
func Target[T any](target []T, depth int) T {
	if len(target) == 0 {
		var zero T
		return zero
	}
	if depth < len(target) {
		return target[depth]
	}
	return target[len(target)-1]
}
