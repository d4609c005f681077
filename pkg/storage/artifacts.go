package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// ArtifactWriter persists the per-seed artifact layout under
// logs/<SUT>/<run>/<seed>/.
type ArtifactWriter struct {
	root string
}

// NewArtifactWriter roots an ArtifactWriter at logs/<sut>/<run>/<seed>.
func NewArtifactWriter(logsDir, sut, run string, seed int64) (*ArtifactWriter, error) {
	root := filepath.Join(logsDir, sut, run, strconv.FormatInt(seed, 10))
	if err := os.MkdirAll(filepath.Join(root, "raw"), 0o755); err != nil {
		return nil, err
	}
	return &ArtifactWriter{root: root}, nil
}

type containerArtifact struct {
	Metadata map[string]interface{} `json:"metadata"`
	Log      []types.LogEvent       `json:"log"`
	ParentID types.ContainerID      `json:"parentID"`
}

// WriteContainerArtifact writes raw/<containerId>.json.
func (w *ArtifactWriter) WriteContainerArtifact(id types.ContainerID, metadata map[string]interface{}, log []types.LogEvent, parentID types.ContainerID) error {
	return w.writeJSON(filepath.Join("raw", string(id)+".json"), containerArtifact{
		Metadata: metadata,
		Log:      log,
		ParentID: parentID,
	})
}

type testFilesArtifact struct {
	Parent  types.ContainerID `json:"parent"`
	FileOps types.FileOpTrace `json:"fileOps"`
}

// WriteTestFiles writes raw/testfiles-<id>[-depth].json. depth
// of -1 omits the depth suffix (used at depth 0).
func (w *ArtifactWriter) WriteTestFiles(id types.ContainerID, parent types.ContainerID, trace types.FileOpTrace, depth int) error {
	name := "testfiles-" + string(id)
	if depth >= 0 {
		name += "-" + strconv.Itoa(depth)
	}
	return w.writeJSON(filepath.Join("raw", name+".json"), testFilesArtifact{Parent: parent, FileOps: trace})
}

// WriteRawLog copies raw DUT/FIFS log content to
// raw/<containerId>-<SUT>-<depth>.log (or …-lazyfs-<depth>.log).
func (w *ArtifactWriter) WriteRawLog(containerID types.ContainerID, label string, depth int, content []byte) error {
	name := string(containerID) + "-" + label + "-" + strconv.Itoa(depth) + ".log"
	return os.WriteFile(filepath.Join(w.root, "raw", name), content, 0o644)
}

// WritePersistedDB copies the DB data directory snapshot to
// raw/<containerId>-persisted/.
func (w *ArtifactWriter) WritePersistedDB(containerID types.ContainerID, files map[string][]byte) error {
	dir := filepath.Join(w.root, "raw", string(containerID)+"-persisted")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// WriteTestResult writes the seed-end testResult.json.
func (w *ArtifactWriter) WriteTestResult(tree *types.CampaignTree) error {
	return w.writeJSON("testResult.json", tree)
}

// WriteInterrupted marks a seed that was cut short by the .terminate
// sentinel: its testResult.json holds this marker instead of a tree.
func (w *ArtifactWriter) WriteInterrupted() error {
	return w.writeJSON("testResult.json", map[string]bool{"interrupted": true})
}

// WriteHurdle persists the exact Hurdle tuple chosen for a node next to
// its testfiles artifact, as hurdle-<id>.json, so a single node can be
// manually re-injected without re-walking the tree.
func (w *ArtifactWriter) WriteHurdle(id types.ContainerID, hurdle types.Hurdle) error {
	return w.writeJSON(filepath.Join("raw", "hurdle-"+string(id)+".json"), hurdle)
}

func (w *ArtifactWriter) writeJSON(relPath string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	full := filepath.Join(w.root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}
