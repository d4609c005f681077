// Package logmerge implements the log merger (I): attributing raw
// DUT/FIFS log lines to the oracle event that was in flight when they
// were written.
package logmerge

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// droppedToken marks FIFS lines that are high-volume noise and are
// never attributed to any bucket.
const droppedToken = "lfs_getattr("

// TimestampParser extracts the leading timestamp from one raw log
// line, returning ok=false for lines that carry no timestamp at all
// (continuation lines, banners).
type TimestampParser func(line string) (t time.Time, ok bool)

// registry is the per-SUT line-shape dispatch table; a new SUT only
// needs one registration.
var registry = map[string]TimestampParser{
	"postgres": postgresTimestamp,
	"sqlite":   bracketTimestamp,
	"mysql":    bracketTimestamp,
}

// Register installs or overrides the timestamp parser used for sut.
func Register(sut string, parser TimestampParser) {
	registry[sut] = parser
}

// ParserFor returns the registered parser for sut, falling back to the
// bracket-prefixed shape shared by most of the pack's SUTs.
func ParserFor(sut string) TimestampParser {
	if p, ok := registry[sut]; ok {
		return p
	}
	return bracketTimestamp
}

var postgresLogRE = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d+ \w+)\s+LOG:`)

// postgresTimestamp parses Postgres's "YYYY-MM-DD HH:MM:SS.mmm TZ LOG:"
// line shape.
func postgresTimestamp(line string) (time.Time, bool) {
	m := postgresLogRE.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	fields := strings.Fields(m[1])
	if len(fields) < 3 {
		return time.Time{}, false
	}
	ts := fields[0] + " " + fields[1]
	t, err := time.Parse("2006-01-02 15:04:05.999999", ts)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var bracketLogRE = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3})\]`)

// bracketTimestamp parses the "[YYYY-MM-DD HH:MM:SS.mmm]" line shape
// shared by FIFS logs and several bespoke "[INFO]"-style DUT logs.
func bracketTimestamp(line string) (time.Time, bool) {
	m := bracketLogRE.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02 15:04:05.000", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Merge attributes each line read from r to the LogEvent whose
// timestamp window [t_{i-1}, t_i) it falls into: a line
// timestamped before events[i] but at or after events[i-1] is the
// filesystem activity produced in the course of event i happening
// (its outcome is recorded post-hoc, after the activity it caused).
// Lines before the first event's timestamp are returned as
// initialLog; lines at or after the last event's timestamp go to the
// terminal bucket. events is mutated in place (each element's
// Outcome.Logs is appended to) and must already be ordered by
// Timestamp ascending, matching the oracle's sequential log order.
// Lines containing droppedToken are skipped entirely.
func Merge(r io.Reader, parser TimestampParser, events []types.LogEvent) (initialLog []string, terminalLog []string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	idx := 0
	lastBucket := -2 // -2 = none yet; -1 = initial; len(events) = terminal
	assign := func(line string) {
		switch {
		case lastBucket == -1:
			initialLog = append(initialLog, line)
		case lastBucket == len(events):
			terminalLog = append(terminalLog, line)
		default:
			events[lastBucket].Outcome.Logs = append(events[lastBucket].Outcome.Logs, line)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, droppedToken) {
			continue
		}

		t, ok := parser(line)
		if !ok {
			// Continuation line: stays in whichever bucket the last
			// timestamped line landed in.
			if lastBucket == -2 {
				initialLog = append(initialLog, line)
				continue
			}
			assign(line)
			continue
		}

		for idx < len(events) && !t.Before(events[idx].Timestamp) {
			idx++
		}
		if idx == 0 {
			lastBucket = -1
		} else if idx >= len(events) {
			lastBucket = len(events)
		} else {
			lastBucket = idx
		}
		assign(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan log: %w", err)
	}
	return initialLog, terminalLog, nil
}
