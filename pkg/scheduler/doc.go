/*
Package scheduler implements the campaign scheduler (G) and its
classification engine: the public RunSeeds/VerifySeeds entry points,
and runIteration, the per-node state machine that decides whether a
post-crash DUT survived with the right content, lost commits, or never
came back at all.

The scheduler is a struct holding its collaborators (container facade,
storage, a logger), with public methods that drive a bounded loop to
completion, and a deliberate split between "what gets enqueued" (here)
and "how the queue is drained" (pkg/worker). There is no standing
reconciliation loop: the campaign walks a one-shot recursive tree of
crash iterations to exhaustion and terminates.
*/
package scheduler
