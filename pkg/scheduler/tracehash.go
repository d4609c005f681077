package scheduler

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// traceHash identifies a logical workload trace across runs: an MD5
// over the type/transaction/count fields of the event log with
// timestamps and FS logs stripped, so two runs that did the same
// logical work hash identically even though their wall-clock
// timestamps and attributed log lines never will.
func traceHash(log []types.LogEvent) string {
	h := md5.New()
	for _, ev := range log {
		fmt.Fprintf(h, "%s|%d|%d\n", ev.Type, ev.TxnID, ev.Count)
	}
	return hex.EncodeToString(h.Sum(nil))
}
