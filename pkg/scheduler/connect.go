package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/LSchlierf/CrashTestFuzz/pkg/dbclient"
	"github.com/LSchlierf/CrashTestFuzz/pkg/faultcfg"
	"github.com/LSchlierf/CrashTestFuzz/pkg/health"
	"github.com/LSchlierf/CrashTestFuzz/pkg/metrics"
	"github.com/LSchlierf/CrashTestFuzz/pkg/network"
	"github.com/LSchlierf/CrashTestFuzz/pkg/oracle"
	"github.com/LSchlierf/CrashTestFuzz/pkg/trace"
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// resolveDialect picks the SerializationFailure-detection strategy for
// a SQL-backed DUT; the
// HTTP shim backend needs none, since its response already carries a
// "concurrency conflict" status tag.
func resolveDialect(driver string) dbclient.Dialect {
	switch driver {
	case "postgres":
		return dbclient.PostgresDialect{}
	case "sqlite":
		return dbclient.SQLiteDialect{}
	default:
		return nil
	}
}

// ClientFactory builds a fresh, unconnected dbclient.Client against
// the DUT reachable on the given host port.
type ClientFactory func(port int) (dbclient.Client, error)

// newClient is the default ClientFactory: the Driver-selected live
// backend.
func (s *Scheduler) newClient(port int) (dbclient.Client, error) {
	if s.campaign.Driver == "http" {
		return dbclient.NewHTTPClient(fmt.Sprintf(s.campaign.DSNTemplate, port), s.campaign.Table), nil
	}
	dsn := fmt.Sprintf(s.campaign.DSNTemplate, port)
	return dbclient.NewSQLClient(s.campaign.Driver, dsn, s.campaign.Table, s.dialect), nil
}

// connector adapts the client factory into an oracle.Connector, which
// must hand back an already-Connect()ed Client.
func (s *Scheduler) connector(port int) oracle.Connector {
	return func(ctx context.Context) (dbclient.Client, error) {
		client, err := s.clients(port)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// dumper adapts the client factory into an oracle.DumpFunc for
// verification-mode runs, and into the plain post-crash content read
// used by runIteration outside of a full oracle invocation.
func (s *Scheduler) dumper(port int) oracle.DumpFunc {
	return func(ctx context.Context) ([]types.Row, error) {
		client, err := s.clients(port)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		return client.Dump(ctx)
	}
}

// dump reads a running container's committed content directly, without
// going through a full oracle.Run — the restart-verification step only
// ever needs one read.
func (s *Scheduler) dump(ctx context.Context, port int) ([]types.Row, error) {
	return s.dumper(port)(ctx)
}

// checkpointer writes the FIFS cache-checkpoint command to containerID's
// faults.fifo, called by the oracle after every commit when the
// workload's Checkpoint parameter is set.
func (s *Scheduler) checkpointer(containerID string) oracle.CheckpointFunc {
	path := filepath.Join(s.campaign.FaultsFifoDir, containerID, "faults.fifo")
	return func() error {
		return faultcfg.WriteCacheCheckpoint(path)
	}
}

// writeDirective appends containerID's fault-injection directive to its
// FIFS configuration, before the container is first started.
func (s *Scheduler) writeDirective(containerID string, h types.Hurdle) error {
	d := faultcfg.NewDirective(s.campaign.FIFSRoot, h)
	path := filepath.Join(s.campaign.FIFSConfigDir, containerID, "lazyfs.toml")
	return faultcfg.AppendToFile(path, d)
}

// resolvePort discovers the host-mapped port for containerID when the
// campaign is configured with a dynamic port (ContainerPort == 0);
// otherwise it's just the static configured value.
func (s *Scheduler) resolvePort(ctx context.Context, containerID string) (int, error) {
	if s.campaign.ContainerPort != 0 {
		return s.campaign.ContainerPort, nil
	}
	listing, err := s.facade.ListContainers(ctx)
	if err != nil {
		return 0, err
	}
	return network.GetHostPort(strings.NewReader(listing), containerID, s.internalPort())
}

// internalPort is the port the DUT listens on inside its container,
// used as the search target for GetHostPort's docker-ps parsing.
func (s *Scheduler) internalPort() int {
	if s.campaign.ContainerPort != 0 {
		return s.campaign.ContainerPort
	}
	return 5432
}

// buildChecker constructs the readiness probe named by
// Campaign.HealthCheck for a freshly-started containerID on port.
func (s *Scheduler) buildChecker(containerID string, port int) health.Checker {
	switch s.campaign.HealthCheck {
	case "tcp":
		return health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", port))
	case "log-marker":
		logPath := filepath.Join(s.campaign.ContainerLogsDir, containerID+"-"+s.campaign.SUT+".log")
		return health.NewLogMarkerChecker(logPath, s.campaign.LogMarker)
	default:
		return health.NewHTTPChecker(fmt.Sprintf(s.campaign.HealthURL, port))
	}
}

// waitReady starts containerID (with crashCmd, which may be empty) and
// polls it until ready or the 90-second ceiling elapses. It returns
// the resolved port so the caller can go on to build a client against
// it.
func (s *Scheduler) waitReady(ctx context.Context, containerID, crashCmd string) (ready bool, port int, err error) {
	if err := s.facade.Run(ctx, containerID, s.campaign.ContainerPort, crashCmd); err != nil {
		return false, 0, err
	}
	port, err = s.resolvePort(ctx, containerID)
	if err != nil {
		return false, 0, err
	}
	checker := s.buildChecker(containerID, port)
	timer := metrics.NewTimer()
	ready, _ = health.WaitUntilAvailable(ctx, checker)
	timer.ObserveDuration(metrics.AvailabilityWaitDuration)
	return ready, port, nil
}

// readLog reads containerID's raw <label>.log from ContainerLogsDir —
// label is the SUT name for the DUT's own log, or "lazyfs" for FIFS's.
func (s *Scheduler) readLog(containerID, label string) ([]byte, error) {
	path := filepath.Join(s.campaign.ContainerLogsDir, containerID+"-"+label+".log")
	return os.ReadFile(path)
}

// parseTrace reads and parses containerID's FIFS log through C.
func (s *Scheduler) parseTrace(containerID string) (types.FileOpTrace, error) {
	data, err := s.readLog(containerID, "lazyfs")
	if err != nil {
		return nil, err
	}
	return trace.Parse(bytes.NewReader(data))
}

// createTableSQL builds the DDL the parent template runs once before
// any container is ever duplicated from it.
func createTableSQL(table string) string {
	return fmt.Sprintf("CREATE TABLE %s (a integer, b integer)", table)
}

// persistedFiles reads containerID's mounted data directory for the
// raw/<containerId>-persisted/ diagnostic snapshot, taken only
// when a node is classified incorrect-content or
// incorrect-parent-content.
func (s *Scheduler) persistedFiles(containerID string) (map[string][]byte, error) {
	dir := filepath.Join(s.campaign.PersistedDBDir, containerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files[entry.Name()] = data
	}
	return files, nil
}
