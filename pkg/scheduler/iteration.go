package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/LSchlierf/CrashTestFuzz/pkg/hurdle"
	"github.com/LSchlierf/CrashTestFuzz/pkg/log"
	"github.com/LSchlierf/CrashTestFuzz/pkg/logmerge"
	"github.com/LSchlierf/CrashTestFuzz/pkg/metrics"
	"github.com/LSchlierf/CrashTestFuzz/pkg/oracle"
	"github.com/LSchlierf/CrashTestFuzz/pkg/storage"
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
	"github.com/LSchlierf/CrashTestFuzz/pkg/worker"
)

// iterationInput is runIteration's argument tuple: everything
// one fault-injection node needs, independent of however many siblings
// or ancestors it has.
type iterationInput struct {
	ParentID       types.ContainerID
	TemplateID     types.ContainerID
	ParentContent  []types.Row
	Depth          int
	Number         string
	Seed           int64
	Hurdle         types.Hurdle
	RemainingDepth int
	Steps          int
	LogMode        bool
	Artifacts      *storage.ArtifactWriter
}

// runIteration is the per-node classification engine: it duplicates a
// fault-carrying child from the template, runs the workload oracle
// against it, verifies the survivor against a known-good content, and
// — unless the result is terminal and non-recoverable — recurses into
// deeper fault points via enqueue.
func (s *Scheduler) runIteration(ctx context.Context, enqueue worker.Enqueue, in iterationInput) error {
	node := &types.CampaignNode{
		ParentID:   in.ParentID,
		TemplateID: in.TemplateID,
		Depth:      in.Depth,
		Number:     in.Number,
		Hurdle:     in.Hurdle,
		Metadata:   map[string]interface{}{},
	}

	childID := types.ContainerID(uuid.New().String())
	node.ChildID = childID

	if in.Artifacts != nil {
		if err := in.Artifacts.WriteHurdle(childID, in.Hurdle); err != nil {
			return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
		}
	}

	// (a) write the crash directive, duplicate the template.
	if err := s.writeDirective(string(childID), in.Hurdle); err != nil {
		return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
	}
	if err := s.facade.Duplicate(ctx, string(in.TemplateID), string(childID)); err != nil {
		return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
	}

	// (b) start with the crash command; a startup timeout is terminal,
	// not a retry.
	ready, port, err := s.waitReady(ctx, string(childID), s.campaign.CrashCmd)
	startup := ready
	if err != nil {
		return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
	}

	var result oracle.Result
	if startup {
		// (c) run the workload continuing from parentContent; A must
		// return even on failure.
		run := oracle.Run{
			Params:        s.campaign.Workload,
			Seed:          in.Seed,
			InitialShadow: in.ParentContent,
			Connect:       s.connector(port),
			Checkpoint:    s.checkpointer(string(childID)),
			Table:         s.campaign.Table,
			MakeLog:       in.LogMode,
		}
		result = oracle.Execute(ctx, run)
		node.Metadata = result.Metadata.Details
		node.Metadata["result"] = result.Metadata.Result
		node.TraceHash = traceHash(result.Log)

		_ = s.facade.StopSUT(ctx, string(childID))

		if in.LogMode {
			s.mergeLogs(string(childID), in.Depth, result.Log, in.Artifacts, node.Metadata)
		}
		if in.Artifacts != nil {
			if err := in.Artifacts.WriteContainerArtifact(childID, node.Metadata, result.Log, in.ParentID); err != nil {
				return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
			}
		}

		if result.Metadata.Successful {
			// fault never tripped.
			return s.finish(node, types.ClassInitialSuccess, node.Metadata)
		}
	} else {
		// The DUT never came up: keep its startup logs before the
		// container is stopped, then fall through to restart
		// verification against the parent content.
		if in.Artifacts != nil && in.LogMode {
			if data, err := s.readLog(string(childID), s.campaign.SUT); err == nil {
				if err := in.Artifacts.WriteRawLog(childID, s.campaign.SUT, in.Depth, data); err != nil {
					s.logger.Warn().Err(err).Str("container", string(childID)).Msg("write startup log artifact failed")
				}
			}
		}
		_ = s.facade.StopContainer(ctx, string(childID), true)
	}

	// (d) restart verification.
	verificationID := types.ContainerID(uuid.New().String())
	node.VerificationID = verificationID
	if err := s.facade.Duplicate(ctx, string(childID), string(verificationID)); err != nil {
		return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
	}

	vReady, vPort, err := s.waitReady(ctx, string(verificationID), "")
	if err != nil {
		return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
	}
	if !vReady {
		s.teardown(ctx, verificationID)
		class := types.ClassNoStart
		if startup {
			class = types.ClassNoRestart
		}
		return s.finish(node, class, node.Metadata)
	}

	survivor, err := s.dump(ctx, vPort)
	if err != nil {
		return s.finish(node, types.ClassError, map[string]interface{}{"message": err.Error()})
	}

	var class types.Classification
	var recurseContent []types.Row

	if !startup {
		if rowsEqualSet(survivor, in.ParentContent) {
			class = types.ClassCorrectParentContent
			recurseContent = in.ParentContent
		} else {
			class = types.ClassIncorrectParentContent
			node.Metadata["expected"] = in.ParentContent
			node.Metadata["actual"] = survivor
		}
	} else {
		switch {
		case rowsEqualSet(survivor, result.FinalShadow):
			class = types.ClassCorrectContent
			if result.Metadata.HasAlt {
				class = types.ClassCorrectContentLostCommit
			}
			recurseContent = result.FinalShadow
		case result.Metadata.HasAlt && rowsEqualSet(survivor, result.Metadata.AltContent):
			class = types.ClassCorrectContentUnconfirmed
			recurseContent = result.Metadata.AltContent
		default:
			if k, snapshot, ok := smallestLostCommits(survivor, result.Metadata.OldSnapshots); ok {
				class = types.ClassificationLostCommits(k)
				recurseContent = snapshot
			} else {
				class = types.ClassIncorrectContent
				node.Metadata["expected"] = result.FinalShadow
				node.Metadata["actual"] = survivor
				node.Metadata["mismatch"] = symmetricDifference(result.FinalShadow, survivor)
			}
		}
	}

	mismatch := class == types.ClassIncorrectContent || class == types.ClassIncorrectParentContent
	if mismatch && in.Artifacts != nil {
		s.captureMismatchDiagnostics(string(verificationID), in.Depth, in.Artifacts)
	}

	s.teardown(ctx, verificationID)

	if err := s.finish(node, class, node.Metadata); err != nil {
		return err
	}
	if mismatch {
		return nil
	}

	// (e) depth bound reached.
	if in.RemainingDepth <= 0 {
		return nil
	}

	// (f) recurse: analyze childId's fault-free continuation to compute
	// the next depth's hurdles.
	return s.recurse(ctx, enqueue, in, childID, verificationID, recurseContent)
}

// recurse runs a fault-free continuation against a fresh duplicate of
// childID, whose FIFS trace drives the next depth's hurdle
// enumeration.
func (s *Scheduler) recurse(ctx context.Context, enqueue worker.Enqueue, in iterationInput, childID, verificationID types.ContainerID, content []types.Row) error {
	analysisID := types.ContainerID(uuid.New().String())
	if err := s.facade.Duplicate(ctx, string(childID), string(analysisID)); err != nil {
		return err
	}
	defer s.teardown(ctx, analysisID)

	ready, port, err := s.waitReady(ctx, string(analysisID), "")
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("analysis container %s never became available", analysisID)
	}

	run := oracle.Run{
		Params:        s.campaign.Workload,
		Seed:          in.Seed,
		InitialShadow: content,
		Connect:       s.connector(port),
		Checkpoint:    s.checkpointer(string(analysisID)),
		Table:         s.campaign.Table,
		MakeLog:       in.LogMode,
	}
	result := oracle.Execute(ctx, run)
	if !result.Metadata.Successful {
		return fmt.Errorf("analysis run on %s failed: %s", analysisID, result.Metadata.Result)
	}

	if err := s.facade.StopSUT(ctx, string(analysisID)); err != nil {
		return err
	}
	ftrace, err := s.parseTrace(string(analysisID))
	if err != nil {
		return err
	}

	if in.Artifacts != nil {
		if err := in.Artifacts.WriteTestFiles(childID, in.ParentID, ftrace, in.Depth+1); err != nil {
			return err
		}
	}

	nextSteps := int(math.Max(math.Floor(float64(in.Steps)*s.campaign.RecursionFactor), 1))
	target := s.campaign.FaultTarget(in.Depth + 1)
	occurrences := hurdle.Pick(ftrace, target.File, target.Op, nextSteps)

	for i, occ := range occurrences {
		child := iterationInput{
			ParentID:       verificationID,
			TemplateID:     childID,
			ParentContent:  content,
			Depth:          in.Depth + 1,
			Number:         fmt.Sprintf("%s.%d", in.Number, i),
			Seed:           in.Seed,
			Hurdle:         types.Hurdle{Occurrence: occ, File: target.File, Op: target.Op, Timing: target.Timing},
			RemainingDepth: in.RemainingDepth - 1,
			Steps:          nextSteps,
			LogMode:        in.LogMode,
			Artifacts:      in.Artifacts,
		}
		enqueue(s.iterationJob(child))
	}
	return nil
}

// finish records a node's terminal classification into the store and
// the classifications-total counter. It also
// checks the trace-hash cache: the same workload trace landing on two
// different classifications across duplicates of the same template
// means the crash point isn't deterministic, which is worth flagging
// rather than silently overwriting.
func (s *Scheduler) finish(node *types.CampaignNode, class types.Classification, metadata map[string]interface{}) error {
	node.Classification = class
	node.Metadata = metadata
	node.CreatedAt = time.Now()
	metrics.ClassificationsTotal.WithLabelValues(baseTag(class)).Inc()
	nodeLogger := log.ForNode(s.logger, string(node.ChildID), node.Number)
	nodeLogger.Debug().
		Str("classification", string(class)).Msg("iteration classified")

	if node.TraceHash != "" {
		if prior, ok := s.cache.Get(node.TraceHash); ok && prior != class {
			s.logger.Warn().
				Str("traceHash", node.TraceHash).
				Str("priorClassification", string(prior)).
				Str("classification", string(class)).
				Msg("identical fault trace produced a different classification")
		}
		s.cache.Add(node.TraceHash, class)
	}

	if err := s.store.PutParent(node.ChildID, node.ParentID); err != nil {
		return err
	}
	return s.store.PutResult(node)
}

// mergeLogs attributes childID's raw DUT and FIFS log lines to the
// oracle events that were in flight when they were written (filling
// each outcome's Logs field in place), archives the raw logs, and
// records the lines falling outside any event window under the
// initialLog/finalLog metadata keys. Failures here are logged, never
// propagated — the classification does not depend on log attribution.
func (s *Scheduler) mergeLogs(containerID string, depth int, events []types.LogEvent, w *storage.ArtifactWriter, meta map[string]interface{}) {
	var initial, terminal []string
	for _, src := range []struct {
		label  string
		parser logmerge.TimestampParser
	}{
		{s.campaign.SUT, logmerge.ParserFor(s.campaign.SUT)},
		{"lazyfs", logmerge.ParserFor("lazyfs")},
	} {
		data, err := s.readLog(containerID, src.label)
		if err != nil {
			s.logger.Debug().Err(err).Str("container", containerID).Str("label", src.label).Msg("log merge read failed")
			continue
		}
		if w != nil {
			if err := w.WriteRawLog(types.ContainerID(containerID), src.label, depth, data); err != nil {
				s.logger.Warn().Err(err).Str("container", containerID).Msg("write raw log artifact failed")
			}
		}
		pre, post, err := logmerge.Merge(bytes.NewReader(data), src.parser, events)
		if err != nil {
			s.logger.Warn().Err(err).Str("container", containerID).Str("label", src.label).Msg("log merge failed")
			continue
		}
		initial = append(initial, pre...)
		terminal = append(terminal, post...)
	}
	if len(initial) > 0 {
		meta["initialLog"] = initial
	}
	if len(terminal) > 0 {
		meta["finalLog"] = terminal
	}
}

// captureMismatchDiagnostics snapshots verificationID's raw SUT/FIFS
// logs and persisted data directory alongside the campaign tree, for
// manual inspection of a content mismatch. Failures here are logged,
// not propagated: the classification itself already stands.
func (s *Scheduler) captureMismatchDiagnostics(verificationID string, depth int, w *storage.ArtifactWriter) {
	for _, label := range []string{s.campaign.SUT, "lazyfs"} {
		data, err := s.readLog(verificationID, label)
		if err != nil {
			s.logger.Debug().Err(err).Str("container", verificationID).Str("label", label).Msg("raw log capture failed")
			continue
		}
		if err := w.WriteRawLog(types.ContainerID(verificationID), label, depth, data); err != nil {
			s.logger.Warn().Err(err).Str("container", verificationID).Msg("write raw log artifact failed")
		}
	}

	files, err := s.persistedFiles(verificationID)
	if err != nil {
		s.logger.Debug().Err(err).Str("container", verificationID).Msg("persisted db capture failed")
		return
	}
	if err := w.WritePersistedDB(types.ContainerID(verificationID), files); err != nil {
		s.logger.Warn().Err(err).Str("container", verificationID).Msg("write persisted db artifact failed")
	}
}

// rowsEqualSet compares two row slices as sets of stringified rows,
// collapsing duplicates rather than multiset membership — the DUT's own
// content check, as opposed to the oracle's internal shadow
// bookkeeping, never needs to distinguish "two rows with the same
// values" from "one".
func rowsEqualSet(a, b []types.Row) bool {
	return rowSet(a).equal(rowSet(b))
}

type rowset map[string]struct{}

func rowSet(rows []types.Row) rowset {
	s := make(rowset, len(rows))
	for _, r := range rows {
		s[rowKey(r)] = struct{}{}
	}
	return s
}

func (s rowset) equal(o rowset) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

func rowKey(r types.Row) string {
	return fmt.Sprintf("%d,%d", r.A, r.B)
}

// symmetricDifference reports the rows present in exactly one of
// expected/actual, for the incorrect-content diagnostic details.
func symmetricDifference(expected, actual []types.Row) []types.Row {
	e, a := rowSet(expected), rowSet(actual)
	var diff []types.Row
	for _, r := range expected {
		if _, ok := a[rowKey(r)]; !ok {
			diff = append(diff, r)
		}
	}
	for _, r := range actual {
		if _, ok := e[rowKey(r)]; !ok {
			diff = append(diff, r)
		}
	}
	return diff
}

// smallestLostCommits applies the smallest-k tie-break: search
// OldSnapshots from newest to oldest (index len-1 down to 0) for the
// first one matching survivor, reporting its distance from the end as
// k.
func smallestLostCommits(survivor []types.Row, oldSnapshots [][]types.Row) (k int, snapshot []types.Row, ok bool) {
	for i := len(oldSnapshots) - 1; i >= 0; i-- {
		if rowsEqualSet(survivor, oldSnapshots[i]) {
			return len(oldSnapshots) - i, oldSnapshots[i], true
		}
	}
	return 0, nil, false
}

// baseTag strips a ";"-delimited detail suffix (e.g. "; lost-commits:
// 2") for the metrics label, so the counter stays a bounded
// cardinality dimension rather than growing one series per k.
func baseTag(c types.Classification) string {
	s := string(c)
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			return s[:i]
		}
	}
	return s
}
