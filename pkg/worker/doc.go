/*
Package worker implements the campaign's worker pool: a FIFO of pending
runIteration jobs drained in bounded-concurrency groups.

A single loop with one goroutine consuming a shared structure, like a
reconciliation scheduler — except there is no ticker: Drain returns
once the queue is empty or the terminate sentinel is observed between
groups, since a crash campaign is a finite batch job, not a standing
reconciliation loop. Jobs enqueue their own children before returning,
which keeps the queue observably non-empty until the tree is exhausted.

# Usage

	pool := worker.NewPool()
	worker.SetTerminateSentinel(campaign.TerminateSentinel)
	pool.Enqueue(func(ctx context.Context, enqueue worker.Enqueue) error {
		// run one iteration, enqueue its children
		return nil
	})
	errs := worker.Drain(ctx, pool, campaign.ConcurrentTests)
*/
package worker
