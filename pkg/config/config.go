// Package config loads the Campaign value every other package is handed
// explicitly rather than reading from process-level globals.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// Campaign is the full configuration for one crash-fuzz run: workload
// shape, recursion bounds, per-depth fault targets, and I/O layout.
type Campaign struct {
	SUT           string `yaml:"sut"`
	ScriptDir     string `yaml:"scriptDir"`
	LogsDir       string `yaml:"logsDir"`
	Run           string `yaml:"run"`
	ContainerPort int    `yaml:"containerPort"`

	// DataDir holds the bbolt campaign-tree database (pkg/storage);
	// defaults to "data" under the working directory when unset.
	DataDir string `yaml:"dataDir"`

	// Driver and DSNTemplate build the dbclient.SQLClient's connection:
	// DSNTemplate carries a single "%d" verb the scheduler fills with the
	// host port network.GetHostPort resolves for a given container.
	Driver      string `yaml:"driver"`
	DSNTemplate string `yaml:"dsnTemplate"`
	Table       string `yaml:"table"`

	// WALSyncMethod is passed through to build-image.sh unmodified; empty
	// means the engine's default durability setting.
	WALSyncMethod string `yaml:"walSyncMethod"`

	// CrashCmd wraps the DUT process so FIFS's injected fault can exit it
	// as if power was lost.
	// Passed only to iterations that actually carry a fault directive;
	// the parent template and clean pre-run start without it.
	CrashCmd string `yaml:"crashCmd"`

	// LogMarker is the readiness substring LogMarkerChecker looks for
	// when HealthCheck is "log-marker".
	LogMarker string `yaml:"logMarker"`

	// ContainerLogsDir holds the raw DUT/FIFS log files a running
	// container writes to, named <containerId>-<sut>.log and
	// <containerId>-lazyfs.log.
	ContainerLogsDir string `yaml:"containerLogsDir"`
	// PersistedDBDir holds each container's on-disk DB data directory,
	// named <containerId>/, snapshotted into the artifact tree when a
	// node is classified incorrect-content or incorrect-parent-content.
	PersistedDBDir string `yaml:"persistedDbDir"`
	// FaultsFifoDir holds each container's faults.fifo, named
	// <containerId>/faults.fifo.
	FaultsFifoDir string `yaml:"faultsFifoDir"`
	// FIFSConfigDir holds each container's FIFS configuration file,
	// named <containerId>/lazyfs.toml, that fault directives are
	// appended to before the container starts.
	FIFSConfigDir string `yaml:"fifsConfigDir"`
	// FIFSRoot is the mount point the DUT sees fault-injected files
	// under.
	FIFSRoot string `yaml:"fifsRoot"`

	// HealthCheck selects the readiness probe strategy: "http", "tcp",
	// or "log-marker". HealthURL is the %d-templated /ping URL used
	// when HealthCheck is "http".
	HealthCheck string `yaml:"healthCheck"`
	HealthURL   string `yaml:"healthUrl"`

	Workload types.WorkloadParameters `yaml:"workload"`

	// RecursionDepth bounds how many times runIteration recurses past
	// depth 0; Steps is the depth-0 hurdle count; RecursionFactor
	// scales Steps at each deeper level.
	RecursionDepth  int     `yaml:"recursionDepth"`
	Steps           int     `yaml:"steps"`
	RecursionFactor float64 `yaml:"recursionFactor"`

	// FaultFiles/FaultOps/FaultTimings are the per-depth escalation lists
	// FaultTarget walks; held at the last entry past their length.
	FaultFiles   []string       `yaml:"faultFiles"`
	FaultOps     []string       `yaml:"faultOps"`
	FaultTimings []types.Timing `yaml:"faultTimings"`

	// ConcurrentTests bounds the worker pool's group size.
	ConcurrentTests int `yaml:"concurrentTests"`

	// TerminateSentinel is the path polled between seeds/groups.
	TerminateSentinel string `yaml:"terminateSentinel"`
}

// FaultTarget resolves the (file, op, timing) triple for depth d, per
// independent-per-dimension escalation rule.
func (c Campaign) FaultTarget(depth int) types.FaultTarget {
	return types.FaultTarget{
		File:   pickAt(c.FaultFiles, depth, ""),
		Op:     pickAt(c.FaultOps, depth, ""),
		Timing: pickAt(c.FaultTimings, depth, types.TimingBefore),
	}
}

func pickAt[T any](vals []T, depth int, zero T) T {
	if len(vals) == 0 {
		return zero
	}
	if depth < len(vals) {
		return vals[depth]
	}
	return vals[len(vals)-1]
}

// Load reads and parses a Campaign from a YAML file at path.
func Load(path string) (*Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read campaign config: %w", err)
	}
	var c Campaign
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse campaign config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid campaign config: %w", err)
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	return &c, nil
}

// validate catches the ConfigurationError class of failure: a bad
// config aborts at startup rather than misbehaving mid-campaign.
func (c Campaign) validate() error {
	if c.SUT == "" {
		return fmt.Errorf("sut is required")
	}
	if c.ScriptDir == "" {
		return fmt.Errorf("scriptDir is required")
	}
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be positive")
	}
	if c.ConcurrentTests <= 0 {
		return fmt.Errorf("concurrentTests must be positive")
	}
	if c.Workload.NumTransactions <= 0 {
		return fmt.Errorf("workload.numTransactions must be positive")
	}
	if c.Driver == "" {
		return fmt.Errorf("driver is required")
	}
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	return nil
}
