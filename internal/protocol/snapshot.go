package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"icc.tech/labcell/internal/core"
)

// snapshotStore persists live executions as one JSON file each under
// <protocols_dir>/active/. Writes go to a temp file then rename, so a
// crash mid-write never corrupts the previous snapshot.
type snapshotStore struct {
	dir string
}

func newSnapshotStore(protocolsDir string) (*snapshotStore, error) {
	dir := filepath.Join(protocolsDir, "active")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewConfigurationError(
			fmt.Sprintf("cannot create snapshot directory %q", dir), err)
	}
	return &snapshotStore{dir: dir}, nil
}

func (s *snapshotStore) path(executionID string) string {
	return filepath.Join(s.dir, executionID+".json")
}

// save writes the execution snapshot atomically. Callers serialise per
// execution; concurrent saves of different executions touch different
// files.
func (s *snapshotStore) save(ex *Execution) error {
	data, err := json.MarshalIndent(ex, "", "  ")
	if err != nil {
		return core.NewProtocolExecutionError("snapshot encoding failed", err)
	}
	tmp := s.path(ex.ExecutionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.NewProtocolExecutionError("snapshot write failed", err)
	}
	if err := os.Rename(tmp, s.path(ex.ExecutionID)); err != nil {
		return core.NewProtocolExecutionError("snapshot rename failed", err)
	}
	return nil
}

// remove deletes the execution's snapshot file, if present.
func (s *snapshotStore) remove(executionID string) {
	_ = os.Remove(s.path(executionID))
}

// loadAll reads every snapshot in the directory. Unreadable files are
// skipped: a half-written leftover must not block startup.
func (s *snapshotStore) loadAll() ([]*Execution, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, core.NewConfigurationError(
			fmt.Sprintf("cannot read snapshot directory %q", s.dir), err)
	}
	var out []*Execution
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var ex Execution
		if err := json.Unmarshal(data, &ex); err != nil {
			continue
		}
		out = append(out, &ex)
	}
	return out, nil
}
