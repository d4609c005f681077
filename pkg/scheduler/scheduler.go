package scheduler

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/LSchlierf/CrashTestFuzz/pkg/config"
	"github.com/LSchlierf/CrashTestFuzz/pkg/container"
	"github.com/LSchlierf/CrashTestFuzz/pkg/dbclient"
	"github.com/LSchlierf/CrashTestFuzz/pkg/hurdle"
	"github.com/LSchlierf/CrashTestFuzz/pkg/log"
	"github.com/LSchlierf/CrashTestFuzz/pkg/metrics"
	"github.com/LSchlierf/CrashTestFuzz/pkg/oracle"
	"github.com/LSchlierf/CrashTestFuzz/pkg/storage"
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
	"github.com/LSchlierf/CrashTestFuzz/pkg/worker"
)

// traceCacheSize bounds the LRU of recent trace-hash -> classification
// pairs that finish consults to warn when the same logical workload
// trace is classified differently; every iteration is still classified
// in full. Small enough that memory use stays flat across a long
// campaign.
const traceCacheSize = 4096

// Scheduler is the campaign scheduler (G): it owns the container
// facade, the persistent tree store, and the per-engine dialect, and
// drives runSeeds/verifySeeds to completion.
type Scheduler struct {
	campaign *config.Campaign
	facade   *container.Facade
	dialect  dbclient.Dialect
	store    storage.Store
	cache    *lru.Cache[string, types.Classification]
	logger   zerolog.Logger

	// clients builds the DUT client for a resolved host port. Defaults
	// to the Driver-selected live backend; swappable so tests can drive
	// the scheduler against an in-memory engine.
	clients ClientFactory
}

// NewScheduler wires a Scheduler from a loaded Campaign, its container
// facade, and a tree store.
func NewScheduler(campaign *config.Campaign, facade *container.Facade, store storage.Store, logger zerolog.Logger) (*Scheduler, error) {
	cache, err := lru.New[string, types.Classification](traceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("build trace-hash cache: %w", err)
	}
	s := &Scheduler{
		campaign: campaign,
		facade:   facade,
		dialect:  resolveDialect(campaign.Driver),
		store:    store,
		cache:    cache,
		logger:   logger,
	}
	s.clients = s.newClient
	return s, nil
}

// RunSeeds is the crash-fuzz loop: build a
// parent template, clean-run it once per seed, then recursively inject
// faults and classify the recovery. logMode enables the oracle's
// per-event log trail for post-hoc artifact attribution.
func (s *Scheduler) RunSeeds(ctx context.Context, seeds []int64, logMode bool) error {
	for _, seed := range seeds {
		if terminateRequested(s.campaign.TerminateSentinel) {
			s.logger.Info().Msg("terminate sentinel observed, stopping before next seed")
			break
		}
		if err := s.runSeed(ctx, seed, logMode); err != nil {
			s.logger.Error().Err(err).Int64("seed", seed).Msg("seed failed")
		}
	}
	if err := s.facade.CleanupAll(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("cleanup-all failed at end of seed batch")
	}
	return nil
}

// VerifySeeds runs the workload oracle's verification mode against a
// fresh parent template with no fault injection at all — a sanity
// check that the oracle and DUT agree before a crash campaign is worth
// running.
func (s *Scheduler) VerifySeeds(ctx context.Context, seeds []int64, logMode bool) error {
	templateID, err := s.buildParentTemplate(ctx)
	if err != nil {
		return fmt.Errorf("build parent template: %w", err)
	}
	defer s.teardown(ctx, templateID)

	for _, seed := range seeds {
		if err := s.verifySeed(ctx, templateID, seed, logMode); err != nil {
			s.logger.Error().Err(err).Int64("seed", seed).Msg("verify seed failed")
		}
	}
	return nil
}

func (s *Scheduler) verifySeed(ctx context.Context, templateID types.ContainerID, seed int64, logMode bool) error {
	id := types.ContainerID(uuid.New().String())
	if err := s.facade.Duplicate(ctx, string(templateID), string(id)); err != nil {
		return err
	}
	defer s.teardown(ctx, id)

	ready, port, err := s.waitReady(ctx, string(id), "")
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("container %s never became available", id)
	}

	run := oracle.Run{
		Params:     s.campaign.Workload,
		Seed:       seed,
		Connect:    s.connector(port),
		Dump:       s.dumper(port),
		Checkpoint: s.checkpointer(string(id)),
		Table:      s.campaign.Table,
		Verify:     true,
		MakeLog:    logMode,
	}
	result := oracle.Execute(ctx, run)
	if !result.Metadata.Successful {
		return fmt.Errorf("verify seed %d: %s", seed, result.Metadata.Result)
	}
	return nil
}

// runSeed runs one seed end to end: build the parent template, clean
// pre-run, enumerate depth-0 hurdles, drain the queue, persist the
// tree.
func (s *Scheduler) runSeed(ctx context.Context, seed int64, logMode bool) error {
	logger := log.ForSeed(s.logger, seed)

	templateID, err := s.buildParentTemplate(ctx)
	if err != nil {
		return fmt.Errorf("build parent template: %w", err)
	}
	defer s.teardown(ctx, templateID)

	d0, cleanShadow, correctHash, err := s.cleanPreRun(ctx, templateID, seed, logMode)
	if err != nil {
		return fmt.Errorf("clean pre-run: %w", err)
	}
	logger.Debug().Str("correctTraceHash", correctHash).Msg("clean pre-run complete")

	ftrace, ok, err := s.store.GetTrace(d0)
	if err != nil {
		return fmt.Errorf("load persisted trace: %w", err)
	}
	if !ok {
		return fmt.Errorf("no persisted trace for %s", d0)
	}

	writer, err := storage.NewArtifactWriter(s.campaign.LogsDir, s.campaign.SUT, s.campaign.Run, seed)
	if err != nil {
		return fmt.Errorf("open artifact writer: %w", err)
	}
	if err := writer.WriteTestFiles(d0, templateID, ftrace, -1); err != nil {
		return fmt.Errorf("write depth-0 testfiles artifact: %w", err)
	}

	target := s.campaign.FaultTarget(0)
	occurrences := hurdle.Pick(ftrace, target.File, target.Op, s.campaign.Steps)

	pool := worker.NewPool()
	worker.SetTerminateSentinel(s.campaign.TerminateSentinel)

	for i, occ := range occurrences {
		in := iterationInput{
			ParentID:       d0,
			TemplateID:     templateID,
			ParentContent:  cleanShadow,
			Depth:          0,
			Number:         fmt.Sprintf("%d", i),
			Seed:           seed,
			Hurdle:         types.Hurdle{Occurrence: occ, File: target.File, Op: target.Op, Timing: target.Timing},
			RemainingDepth: s.campaign.RecursionDepth,
			Steps:          s.campaign.Steps,
			LogMode:        logMode,
			Artifacts:      writer,
		}
		pool.Enqueue(s.iterationJob(in))
	}

	errs := worker.Drain(ctx, pool, s.campaign.ConcurrentTests)
	for _, e := range errs {
		logger.Error().Err(e).Msg("iteration error")
	}

	tree, err := s.store.Tree()
	if err != nil {
		return fmt.Errorf("load campaign tree: %w", err)
	}

	if terminateRequested(s.campaign.TerminateSentinel) {
		if err := writer.WriteInterrupted(); err != nil {
			return fmt.Errorf("write interrupted marker: %w", err)
		}
	} else if err := writer.WriteTestResult(tree); err != nil {
		return fmt.Errorf("write test result: %w", err)
	}

	if err := s.facade.CleanupEnv(ctx); err != nil {
		logger.Warn().Err(err).Msg("cleanup-env failed")
	}
	return nil
}

// iterationJob adapts one iterationInput into a worker.Job, recording
// its result into the store and enqueueing whatever children
// runIteration decides to recurse into.
func (s *Scheduler) iterationJob(in iterationInput) worker.Job {
	return func(ctx context.Context, enqueue worker.Enqueue) error {
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.IterationDuration)
		return s.runIteration(ctx, enqueue, in)
	}
}

// buildParentTemplate builds the pristine schema snapshot every
// duplicate in this seed (and, for verifySeeds, every seed) descends
// from: a freshly-prepped container, started once with no fault
// injection, schema created, DUT stopped.
func (s *Scheduler) buildParentTemplate(ctx context.Context) (types.ContainerID, error) {
	id := types.ContainerID(uuid.New().String())
	if err := s.facade.PrepEnv(ctx, string(id)); err != nil {
		return "", err
	}

	ready, port, err := s.waitReady(ctx, string(id), "")
	if err != nil {
		return "", err
	}
	if !ready {
		return "", fmt.Errorf("parent template %s never became available", id)
	}

	client, err := s.clients(port)
	if err != nil {
		return "", err
	}
	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	defer client.Close()

	if out := client.Execute(ctx, createTableSQL(s.campaign.Table)); out.Status != dbclient.StatusOK {
		return "", fmt.Errorf("create table: %v", out.Err)
	}
	if err := client.Commit(ctx); err != nil {
		return "", err
	}

	if err := s.facade.StopSUT(ctx, string(id)); err != nil {
		return "", err
	}
	return id, nil
}

// cleanPreRun duplicates templateID into d0, runs the workload oracle
// against it with no fault injection, and persists the resulting
// file-op trace for the hurdle picker to enumerate against. It returns
// d0, the clean run's final shadow (the parentContent every depth-0
// iteration continues from), and the canonical trace hash.
func (s *Scheduler) cleanPreRun(ctx context.Context, templateID types.ContainerID, seed int64, logMode bool) (types.ContainerID, []types.Row, string, error) {
	d0 := types.ContainerID(uuid.New().String())
	if err := s.facade.Duplicate(ctx, string(templateID), string(d0)); err != nil {
		return d0, nil, "", err
	}

	ready, port, err := s.waitReady(ctx, string(d0), "")
	if err != nil {
		return d0, nil, "", err
	}
	if !ready {
		_ = s.facade.StopContainer(ctx, string(d0), true)
		return d0, nil, "", fmt.Errorf("d0 never became available")
	}

	run := oracle.Run{
		Params:     s.campaign.Workload,
		Seed:       seed,
		Connect:    s.connector(port),
		Checkpoint: s.checkpointer(string(d0)),
		Table:      s.campaign.Table,
		MakeLog:    true, // the trace hash needs a log trail regardless of logMode
	}
	result := oracle.Execute(ctx, run)
	if !result.Metadata.Successful {
		_ = s.facade.StopContainer(ctx, string(d0), true)
		return d0, nil, "", fmt.Errorf("oracle run failed: %s", result.Metadata.Result)
	}
	correctHash := traceHash(result.Log)

	if err := s.facade.StopSUT(ctx, string(d0)); err != nil {
		return d0, nil, "", err
	}
	ftrace, err := s.parseTrace(string(d0))
	if err != nil {
		return d0, nil, "", err
	}
	if err := s.store.PutTrace(d0, ftrace); err != nil {
		return d0, nil, "", err
	}
	if !logMode {
		result.Log = nil
	}

	if err := s.facade.StopContainer(ctx, string(d0), true); err != nil {
		s.logger.Warn().Err(err).Str("container", string(d0)).Msg("stop-container failed during clean pre-run teardown")
	}

	return d0, result.FinalShadow, correctHash, nil
}

// teardown stops and discards a container this scheduler no longer
// needs, suppressing errors since the daemon may already consider it
// gone.
func (s *Scheduler) teardown(ctx context.Context, id types.ContainerID) {
	if err := s.facade.StopContainer(ctx, string(id), true); err != nil {
		s.logger.Debug().Err(err).Str("container", string(id)).Msg("teardown stop-container error")
	}
}

// terminateRequested reports whether the .terminate sentinel file
// exists — the one process-wide mutable signal this campaign carries.
func terminateRequested(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
