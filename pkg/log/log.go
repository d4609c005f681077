// Package log configures the fuzzer's structured logging: one root
// zerolog.Logger initialized from the CLI flags, and helpers that tag
// child loggers with campaign coordinates (component, seed, container
// id, node number) so every line can be traced back to the iteration
// that produced it.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root. It is usable before Init for early
// startup errors; Init replaces it with the configured sink and level.
var Logger = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.RFC3339,
}).With().Timestamp().Logger()

// Init points the root logger at out (stdout when nil): line-delimited
// JSON when json is set, a human-readable console stream otherwise.
// Unrecognized level names fall back to info rather than erroring —
// logging verbosity is never worth aborting a campaign over.
func Init(level string, json bool, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var sink io.Writer = out
	if !json {
		sink = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(sink).With().Timestamp().Logger().Level(lvl)
}

// ForComponent tags a child of the root logger with the component that
// owns it (scheduler, container, metrics).
func ForComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// ForSeed derives a per-seed logger from parent.
func ForSeed(parent zerolog.Logger, seed int64) zerolog.Logger {
	return parent.With().Int64("seed", seed).Logger()
}

// ForNode derives a per-campaign-node logger from parent, carrying the
// node's container id and dotted tree path — the explicit replacement
// for stashing an iteration identity in thread-local state.
func ForNode(parent zerolog.Logger, containerID, number string) zerolog.Logger {
	return parent.With().Str("container_id", containerID).Str("number", number).Logger()
}
