// Package container is the facade (D) over the per-DUT shell scripts
// that build, start, stop, duplicate, and tear down the containers the
// campaign runs against — build-image.sh, prep-env.sh,
// duplicate-container.sh, run-container.sh, stop-sut.sh,
// stop-container.sh, cleanup-env.sh/-envs.sh/-all.sh. The
// scripts themselves are engine-specific and outside the core; this
// package only knows their names, arguments, and exit-code contract.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/LSchlierf/CrashTestFuzz/pkg/metrics"
)

// Facade runs a single DUT engine's script set from a fixed directory.
type Facade struct {
	ScriptDir string
	Logger    zerolog.Logger
}

// NewFacade builds a Facade rooted at scriptDir, the per-engine
// directory holding its build/prep/run/stop/cleanup scripts.
func NewFacade(scriptDir string, logger zerolog.Logger) *Facade {
	return &Facade{ScriptDir: scriptDir, Logger: logger}
}

// CommandError wraps a non-zero script exit per ContainerCommandError
// kind, carrying combined stdout/stderr for diagnostics.
type CommandError struct {
	Script string
	Args   []string
	Err    error
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %v: %v (output: %s)", e.Script, e.Args, e.Err, e.Output)
}
func (e *CommandError) Unwrap() error { return e.Err }

func (f *Facade) run(ctx context.Context, script string, args ...string) error {
	return f.runEnv(ctx, nil, script, args...)
}

// runEnv runs script with extra environment variables appended, used by
// the no-argument stop scripts to address a specific container:
// run-container.sh and duplicate-container.sh take the id as a CLI
// argument, but stop-sut.sh/stop-container.sh take none, so the id must
// reach them some other way for concurrent iterations over distinct
// containers to stay reentrant.
func (f *Facade) runEnv(ctx context.Context, env []string, script string, args ...string) error {
	path := f.ScriptDir + "/" + script
	cmd := exec.CommandContext(ctx, path, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	f.Logger.Debug().Str("script", script).Strs("args", args).Msg("running container facade script")
	if err := cmd.Run(); err != nil {
		metrics.ContainerCommandErrorsTotal.WithLabelValues(script).Inc()
		return &CommandError{Script: script, Args: args, Err: err, Output: out.String()}
	}
	return nil
}

// BuildImage builds the DUT image, optionally parameterized by a WAL
// sync method (e.g. "fsync", "fdatasync", "O_DIRECT" style build
// variants some engines expose).
func (f *Facade) BuildImage(ctx context.Context, walSyncMethod string) error {
	if walSyncMethod == "" {
		return f.run(ctx, "build-image.sh")
	}
	return f.run(ctx, "build-image.sh", walSyncMethod)
}

// PrepEnv creates the environment for a freshly-minted container id.
func (f *Facade) PrepEnv(ctx context.Context, containerID string) error {
	return f.run(ctx, "prep-env.sh", containerID)
}

// Duplicate clones src's on-disk state into a brand new container dst.
func (f *Facade) Duplicate(ctx context.Context, src, dst string) error {
	return f.run(ctx, "duplicate-container.sh", src, dst)
}

// Run starts containerID's DUT process on the given host port. An empty
// crashCmd runs the DUT normally; a non-empty one wraps it so FIFS can
// trigger the simulated power loss.
func (f *Facade) Run(ctx context.Context, containerID string, port int, crashCmd string) error {
	if crashCmd == "" {
		return f.run(ctx, "run-container.sh", containerID, strconv.Itoa(port))
	}
	return f.run(ctx, "run-container.sh", containerID, strconv.Itoa(port), crashCmd)
}

// StopSUT stops just the DUT process for containerID, keeping the
// container and its logs intact for later inspection.
func (f *Facade) StopSUT(ctx context.Context, containerID string) error {
	return f.runEnv(ctx, []string{"CONTAINER_ID=" + containerID}, "stop-sut.sh")
}

// StopContainer stops containerID itself. suppressErrors is set after
// an injected crash, where the container daemon may already consider
// the container gone.
func (f *Facade) StopContainer(ctx context.Context, containerID string, suppressErrors bool) error {
	err := f.runEnv(ctx, []string{"CONTAINER_ID=" + containerID}, "stop-container.sh")
	if err != nil && suppressErrors {
		f.Logger.Debug().Err(err).Msg("suppressed stop-container error")
		return nil
	}
	return err
}

// CleanupEnv tears down one environment.
func (f *Facade) CleanupEnv(ctx context.Context) error {
	return f.run(ctx, "cleanup-env.sh")
}

// CleanupEnvs tears down every environment for this engine.
func (f *Facade) CleanupEnvs(ctx context.Context) error {
	return f.run(ctx, "cleanup-envs.sh")
}

// CleanupAll tears down every environment for every engine.
func (f *Facade) CleanupAll(ctx context.Context) error {
	return f.run(ctx, "cleanup-all.sh")
}

// ListContainers returns a "docker ps"-style listing, used by
// GetHostPort (pkg/network) to discover a published port when the
// caller asked for port=0. This is the one facade operation that calls
// the container runtime directly rather than an engine script — every
// engine's scripts run against the same docker/podman daemon, so there
// is nothing engine-specific to wrap.
func (f *Facade) ListContainers(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", "ps", "--no-trunc")
	var out bytes.Buffer
	cmd.Stdout = &out
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		metrics.ContainerCommandErrorsTotal.WithLabelValues("docker ps").Inc()
		return "", &CommandError{Script: "docker ps", Err: err, Output: errOut.String()}
	}
	return out.String(), nil
}
