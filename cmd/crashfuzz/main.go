// Command crashfuzz is the thin CLI entrypoint wiring the campaign
// scheduler (pkg/scheduler) to a loaded Campaign config. Argument
// parsing stays deliberately minimal: config path, seed list, log
// level/format, oracle event-log recording and a metrics port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LSchlierf/CrashTestFuzz/pkg/config"
	"github.com/LSchlierf/CrashTestFuzz/pkg/container"
	"github.com/LSchlierf/CrashTestFuzz/pkg/log"
	"github.com/LSchlierf/CrashTestFuzz/pkg/metrics"
	"github.com/LSchlierf/CrashTestFuzz/pkg/scheduler"
	"github.com/LSchlierf/CrashTestFuzz/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crashfuzz",
	Short: "Recursive crash-consistency fuzzer for transactional database engines",
	Long: `crashfuzz drives a database-under-test through a randomized,
seeded transactional workload while a fault-injection filesystem layer
crashes it at a chosen I/O occurrence, then classifies the survivor and
recurses into deeper fault points along its own I/O trace.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crashfuzz version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "campaign.yaml", "path to the campaign YAML config")
	rootCmd.PersistentFlags().String("seeds", "", "comma-separated list of integer seeds to run")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON instead of console-formatted")
	rootCmd.PersistentFlags().Bool("with-log", false, "record the oracle's per-event log trail into artifacts")
	rootCmd.PersistentFlags().Int("metrics-port", 0, "if nonzero, serve Prometheus metrics on this port for the campaign's duration")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runSeedsCmd)
	rootCmd.AddCommand(verifySeedsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(level, jsonOut, nil)
}

var runSeedsCmd = &cobra.Command{
	Use:   "run-seeds",
	Short: "Run the crash-fuzz loop: inject faults, classify survivors, recurse",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, sched *scheduler.Scheduler, seeds []int64, logMode bool) error {
			return sched.RunSeeds(ctx, seeds, logMode)
		})
	},
}

var verifySeedsCmd = &cobra.Command{
	Use:   "verify-seeds",
	Short: "Run the workload oracle's verification mode with no fault injection, as a sanity check",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, sched *scheduler.Scheduler, seeds []int64, logMode bool) error {
			return sched.VerifySeeds(ctx, seeds, logMode)
		})
	},
}

// withScheduler loads the campaign config, wires the container facade,
// store and scheduler, and runs fn under a context cancelled on
// SIGINT/SIGTERM — there is no other kill path; in-flight iterations
// are left to finish.
func withScheduler(cmd *cobra.Command, fn func(ctx context.Context, sched *scheduler.Scheduler, seeds []int64, logMode bool) error) error {
	configPath, _ := cmd.Flags().GetString("config")
	seedsFlag, _ := cmd.Flags().GetString("seeds")
	logMode, _ := cmd.Flags().GetBool("with-log")
	metricsPort, _ := cmd.Flags().GetInt("metrics-port")

	campaign, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load campaign config: %w", err)
	}

	seeds, err := parseSeeds(seedsFlag)
	if err != nil {
		return fmt.Errorf("parse seeds: %w", err)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("at least one --seeds value is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsPort != 0 {
		serveMetrics(ctx, metricsPort)
	}

	logger := log.ForComponent("scheduler")
	facade := container.NewFacade(campaign.ScriptDir, log.ForComponent("container"))

	store, err := storage.NewBoltStore(campaign.DataDir)
	if err != nil {
		return fmt.Errorf("open campaign store: %w", err)
	}
	defer store.Close()

	sched, err := scheduler.NewScheduler(campaign, facade, store, logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	return fn(ctx, sched, seeds, logMode)
}

// parseSeeds splits a comma-separated seed list into int64s.
func parseSeeds(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	seeds := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", p, err)
		}
		seeds = append(seeds, v)
	}
	return seeds, nil
}

// serveMetrics starts the Prometheus scrape endpoint in the background
// for the lifetime of ctx; a campaign run is a one-shot batch job, so
// there is nothing to gracefully drain on shutdown beyond closing the
// listener when the context is cancelled.
func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			componentLogger := log.ForComponent("metrics")
			componentLogger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}
