// Package worker implements the bounded-parallel FIFO job queue the campaign scheduler (G) drains: a single consumer pops
// groups of up to concurrentTests jobs, runs each group in parallel,
// and joins before composing the next group — jobs are free to enqueue
// descendants before they return, which is safe precisely because there
// is one consumer and the queue is never observed empty while a job
// that still has descendants to add is running.
package worker

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/LSchlierf/CrashTestFuzz/pkg/metrics"
)

// Enqueue is handed to every Job so it can push descendant jobs onto the
// same queue before returning (recursive enqueue).
type Enqueue func(Job)

// Job is one unit of work the pool drains. enqueue lets the job push
// further jobs — e.g. a classified iteration's recursive children —
// before it returns.
type Job func(ctx context.Context, enqueue Enqueue) error

// Pool is the pending-iteration FIFO. Concurrent Enqueue calls from
// many worker goroutines are safe; Drain must only ever be called by a
// single goroutine (the scheduler) — the single-consumer, many-producers
// contract is what makes "queue empty" mean "campaign done".
type Pool struct {
	mu    sync.Mutex
	queue []Job
}

// NewPool returns an empty queue.
func NewPool() *Pool {
	return &Pool{}
}

// Enqueue appends job to the tail of the queue.
func (p *Pool) Enqueue(job Job) {
	p.mu.Lock()
	p.queue = append(p.queue, job)
	metrics.QueueDepth.Set(float64(len(p.queue)))
	p.mu.Unlock()
}

// popGroup removes and returns up to n jobs from the head of the queue.
func (p *Pool) popGroup(n int) []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.queue) {
		n = len(p.queue)
	}
	group := p.queue[:n]
	p.queue = p.queue[n:]
	metrics.QueueDepth.Set(float64(len(p.queue)))
	return group
}

func (p *Pool) empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0
}

// Drain runs the queue to exhaustion in groups of up to concurrency
// jobs, awaiting each group before composing the next from whatever the
// group's jobs enqueued. Between groups it polls the terminate
// sentinel: once present, the current group is allowed to finish and
// Drain returns without popping another group, leaving any remainder on
// the queue for a future Drain call. A job's error is collected but
// never aborts the group or the campaign — the caller sees every error
// via the returned slice instead.
func Drain(ctx context.Context, p *Pool, concurrency int) []error {
	var errs []error
	for !p.empty() {
		if terminated(terminateSentinelPath) {
			break
		}
		group := p.popGroup(concurrency)
		if len(group) == 0 {
			break
		}
		metrics.IterationsInFlight.Add(float64(len(group)))
		errs = append(errs, runGroup(ctx, p, group)...)
		metrics.IterationsInFlight.Sub(float64(len(group)))
	}
	return errs
}

func runGroup(ctx context.Context, p *Pool, group []Job) []error {
	var mu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range group {
		job := job
		g.Go(func() error {
			if err := job(gctx, p.Enqueue); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// terminateSentinelPath is set by SetTerminateSentinel before Drain runs;
// a package-level var rather than a Drain parameter keeps Drain's
// signature stable for callers that never configure one.
var terminateSentinelPath string

// SetTerminateSentinel configures the file Drain polls between groups.
// An empty path disables the check.
func SetTerminateSentinel(path string) {
	terminateSentinelPath = path
}

func terminated(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
