// Package trace implements the FIFS operation-trace parser (C): turning
// raw fault-injection-filesystem log lines into the path/op occurrence
// counts the hurdle picker (F) and campaign scheduler (G) need.
package trace

import (
	"bufio"
	"io"
	"strings"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

const (
	opsTag   = "[lazyfs.ops]"
	rootTok  = "lazyfs.root/"
	opPrefix = "lfs_"
)

// Parse reads r line by line as FIFS log output and returns the
// accumulated FileOpTrace. Lines lacking either the "[lazyfs.ops]" tag or
// a "lazyfs.root/<path>" token are ignored. Counts increment strictly in
// log order; no deduplication.
func Parse(r io.Reader) (types.FileOpTrace, error) {
	trace := types.FileOpTrace{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		path, op, ok := parseLine(line)
		if !ok {
			continue
		}
		if trace[path] == nil {
			trace[path] = map[string]int{}
		}
		trace[path][op]++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return trace, nil
}

// parseLine extracts (path, op) from a single FIFS log line, or reports
// ok=false if the line doesn't carry both required tokens.
func parseLine(line string) (path, op string, ok bool) {
	if !strings.Contains(line, opsTag) {
		return "", "", false
	}
	rootIdx := strings.Index(line, rootTok)
	if rootIdx < 0 {
		return "", "", false
	}
	rest := line[rootIdx+len(rootTok):]
	end := strings.IndexAny(rest, ",)")
	if end < 0 {
		return "", "", false
	}
	path = rest[:end]

	opIdx := strings.Index(line, opPrefix)
	if opIdx < 0 {
		return "", "", false
	}
	opRest := line[opIdx+len(opPrefix):]
	parenIdx := strings.Index(opRest, "(")
	if parenIdx < 0 {
		return "", "", false
	}
	op = opRest[:parenIdx]

	if path == "" || op == "" {
		return "", "", false
	}
	return path, op, true
}
