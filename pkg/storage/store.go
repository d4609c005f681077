package storage

import (
	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// Store persists the campaign tree — Parents and Results
// mappings — across worker goroutines. The bbolt-backed store keeps
// its data across process restarts; nothing reads it back to resume an
// interrupted campaign.
type Store interface {
	// PutParent records parentID as the container childID was
	// duplicated from.
	PutParent(childID, parentID types.ContainerID) error
	GetParent(childID types.ContainerID) (types.ContainerID, bool, error)

	// PutResult records or overwrites a CampaignNode's classification
	// result, keyed by its ChildID.
	PutResult(node *types.CampaignNode) error
	GetResult(containerID types.ContainerID) (*types.CampaignNode, bool, error)

	// Tree loads the full Parents/Results mappings, e.g. for the
	// end-of-seed testResult.json artifact.
	Tree() (*types.CampaignTree, error)

	// PutTrace persists a container's parsed FileOpTrace so it can be
	// re-read by a later worker group without re-parsing raw logs.
	PutTrace(containerID types.ContainerID, trace types.FileOpTrace) error
	GetTrace(containerID types.ContainerID) (types.FileOpTrace, bool, error)

	Close() error
}
