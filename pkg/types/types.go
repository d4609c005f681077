// Package types holds the shared data model for the crash-consistency
// fuzzer: the workload parameters the oracle draws from, the shadow
// state it maintains, and the campaign tree the scheduler builds as it
// recursively injects faults.
package types

import (
	"strconv"
	"time"
)

// Row is a single table row. Identity is the full tuple — rows may
// repeat, so CommittedShadow and LocalContent are multisets, not sets.
type Row struct {
	A int
	B int
}

// WorkloadParameters configures one oracle run.
type WorkloadParameters struct {
	NumTransactions int `yaml:"numTransactions"`

	ConcurrentTxnsMean float64 `yaml:"concurrentTxnsMean"`
	ConcurrentTxnsStd  float64 `yaml:"concurrentTxnsStd"`

	TxnSizeMean float64 `yaml:"txnSizeMean"`
	TxnSizeStd  float64 `yaml:"txnSizeStd"`

	StmtSizeMean float64 `yaml:"stmtSizeMean"`
	StmtSizeStd  float64 `yaml:"stmtSizeStd"`

	PCommit               float64 `yaml:"pCommit"`
	PInsert               float64 `yaml:"pInsert"`
	PUpdate               float64 `yaml:"pUpdate"`
	PSerializationFailure float64 `yaml:"pSerializationFailure"`

	// Checkpoint enables a per-commit FIFS cache-checkpoint hint.
	Checkpoint bool `yaml:"checkpoint"`
}

// PDelete is the residual probability after insert and update.
func (p WorkloadParameters) PDelete() float64 {
	d := 1 - p.PInsert - p.PUpdate
	if d < 0 {
		return 0
	}
	return d
}

// StatementKind enumerates the statement kinds the oracle issues.
type StatementKind int

const (
	StmtInsert StatementKind = iota
	StmtUpdate
	StmtDelete
)

func (k StatementKind) String() string {
	switch k {
	case StmtInsert:
		return "insert"
	case StmtUpdate:
		return "update"
	case StmtDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ReplayStep is one statement's effect, replayed against a fresh copy of
// CommittedShadow at commit time.
type ReplayStep struct {
	Kind StatementKind
	Rows []Row
	NewB int
}

// TransactionState is the oracle's per-open-connection bookkeeping.
// Invariant: LockedVals is a subset of the keys this txn has mutated.
type TransactionState struct {
	ID            int
	NumStatements int
	Executed      []ReplayStep
	LocalContent  []Row
	LockedVals    map[Row]struct{}
}

// RunMetadata summarizes one oracle invocation.
type RunMetadata struct {
	NumInsert   int
	NumUpdate   int
	NumDelete   int
	NumCommit   int
	NumRollback int
	NumCCUpdate int
	NumCCDelete int

	Successful bool
	// Result is "" on a clean run, or one of "error",
	// "expected-concurrency-conflict", "didnt-expect-concurrency-conflict",
	// "verify mismatch".
	Result  string
	Details map[string]interface{}

	OldSnapshots [][]Row

	// AltContent is the shadow the oracle would have had, had the last
	// commit RPC succeeded; set only when that RPC itself errored out.
	AltContent []Row
	HasAlt     bool
}

// LogEventType enumerates the oracle's linear log event kinds.
type LogEventType string

const (
	EventOpen     LogEventType = "open"
	EventInsert   LogEventType = "insert"
	EventUpdate   LogEventType = "update"
	EventDelete   LogEventType = "delete"
	EventCommit   LogEventType = "commit"
	EventRollback LogEventType = "rollback"
)

// LogResult enumerates an outcome's result field.
type LogResult string

const (
	ResultSuccess  LogResult = "success"
	ResultRollback LogResult = "rollback"
	ResultFailure  LogResult = "failure"
)

// LogEvent pairs one oracle-driven event with its outcome.
type LogEvent struct {
	Type          LogEventType
	TxnID         int
	Timestamp     time.Time
	Count         int
	Values        []Row
	StatementID   int
	NumStatements int

	Outcome LogOutcome
}

// LogOutcome is the result half of a LogEvent. Logs is filled post-hoc
// by the log merger.
type LogOutcome struct {
	Result LogResult
	Logs   []string
}

// FileOpTrace maps file path -> op name -> occurrence count, built by
// the trace parser from FIFS log lines.
type FileOpTrace map[string]map[string]int

// Timing names a fault injection point relative to the triggering call.
type Timing string

const (
	TimingBefore Timing = "before"
	TimingAfter  Timing = "after"
)

// Hurdle names one fault point: the N-th occurrence of (File, Op) gets
// a FIFS crash directive at the given Timing.
type Hurdle struct {
	Occurrence int
	File       string
	Op         string
	Timing     Timing
}

// FaultTarget is one depth's (file, op, timing) escalation entry;
// config.Campaign.FaultTarget uses target[d] if d < len(targets), else
// the last one.
type FaultTarget struct {
	File   string
	Op     string
	Timing Timing
}

// ContainerID is an opaque identifier for a DUT container.
type ContainerID string

// Classification is the closed set of terminal outcomes a single
// fault-injection iteration can produce.
type Classification string

const (
	ClassNoStart                   Classification = "no-start"
	ClassNoRestart                 Classification = "no-restart"
	ClassInitialSuccess            Classification = "initial-success"
	ClassCorrectContent            Classification = "correct-content"
	ClassCorrectContentLostCommit  Classification = "correct-content; lost-commit"
	ClassCorrectContentUnconfirmed Classification = "correct-content; unconfirmed-commit"
	ClassCorrectParentContent      Classification = "correct-parent-content"
	ClassIncorrectContent          Classification = "incorrect-content"
	ClassIncorrectParentContent    Classification = "incorrect-parent-content"
	ClassError                     Classification = "error"
)

// ClassificationLostCommits formats the "incorrect-content; lost-commits: k" tag.
func ClassificationLostCommits(k int) Classification {
	return Classification("incorrect-content; lost-commits: " + strconv.Itoa(k))
}

// CampaignNode is one node in the recursive fault-injection tree.
type CampaignNode struct {
	ParentID       ContainerID
	TemplateID     ContainerID
	ChildID        ContainerID
	VerificationID ContainerID

	Depth  int
	Number string // dotted path, e.g. "3.2.0"

	Hurdle Hurdle

	Classification Classification
	Metadata       map[string]interface{}
	TraceHash      string

	CreatedAt time.Time
}

// CampaignTree represents the fault-injection tree as two parallel
// mappings, Parents and Results, both keyed by container id. Concurrent
// writers only ever insert disjoint keys (see pkg/storage for the
// thread-safe store).
type CampaignTree struct {
	Parents map[ContainerID]ContainerID
	Results map[ContainerID]*CampaignNode
}
