/*
Package log provides structured logging for the crash-consistency
fuzzer using zerolog.

There is one root Logger, configured once by Init from the CLI's
level/format flags. Components never attach ad-hoc fields to it
directly; they derive child loggers through the For* helpers so that
lines carry a consistent set of campaign coordinates:

	log.Init("debug", true, nil)
	logger := log.ForSeed(log.ForComponent("scheduler"), seed)
	log.ForNode(logger, string(node.ChildID), node.Number).
		Info().Str("classification", string(class)).Msg("iteration classified")

# Conventions

  - Use structured fields for queryable data (seed, container_id, number).
  - Log errors with .Err() rather than string-formatting them into Msg.
  - Don't log inside the oracle's per-statement loop; log once per
    transaction finish or classification instead.
*/
package log
