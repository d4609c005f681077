// Package faultcfg writes the two external FIFS control surfaces: the
// fault-injection directive appended to the FIFS configuration, and
// the cache-checkpoint runtime command written to its fifo.
package faultcfg

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// Directive is the [[injection]] block FIFS reads from its
// configuration. type is always "clear-cache"; from names the file
// under the FIFS root; crash is always true for this fuzzer, which only
// ever injects crash-on-Nth-occurrence faults.
type Directive struct {
	Type       string `toml:"type"`
	From       string `toml:"from"`
	Timing     string `toml:"timing"`
	Op         string `toml:"op"`
	Occurrence int    `toml:"occurrence"`
	Crash      bool   `toml:"crash"`
}

// injectionBlock exists only so Marshal emits the TOML array-of-tables
// header "[[injection]]" rather than a bare "[injection]".
type injectionBlock struct {
	Injection []Directive `toml:"injection"`
}

// NewDirective builds the clear-cache directive for a single hurdle.
// fifsRoot is the FIFS-mounted directory the DUT sees the target file
// under.
func NewDirective(fifsRoot string, h types.Hurdle) Directive {
	return Directive{
		Type:       "clear-cache",
		From:       fmt.Sprintf("%s/%s", fifsRoot, h.File),
		Timing:     string(h.Timing),
		Op:         h.Op,
		Occurrence: h.Occurrence,
		Crash:      true,
	}
}

// Marshal renders a directive as the text block appended to the FIFS
// configuration file.
func Marshal(d Directive) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(injectionBlock{Injection: []Directive{d}}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AppendToFile appends the rendered directive to the FIFS configuration
// file at path, creating the file and its parent directory if they
// don't yet exist — the directive is written before the container
// environment it configures.
func AppendToFile(path string, d Directive) error {
	b, err := Marshal(d)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}

// CacheCheckpointCommand is the literal string FIFS expects on its
// faults.fifo to treat currently cached writes as durable.
const CacheCheckpointCommand = "lazyfs::cache-checkpoint"

// WriteCacheCheckpoint writes the checkpoint command to the container's
// faults.fifo. Used at commit time when the workload's Checkpoint
// parameter is set.
func WriteCacheCheckpoint(fifoPath string) error {
	f, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(CacheCheckpointCommand + "\n")
	return err
}
