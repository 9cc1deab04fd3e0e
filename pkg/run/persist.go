package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
)

// runRecord is the durable form of a terminal run: the submitted spec, the
// final snapshot, and the full event history so streams replay after a
// restart.
type runRecord struct {
	Spec     api.PipelineSpec  `json:"spec"`
	Snapshot api.RunSnapshot   `json:"snapshot"`
	Events   []api.StatusEvent `json:"events,omitempty"`
}

func (r *Registry) recordPath(handle api.RunHandle) string {
	return filepath.Join(r.opts.StateRoot, string(handle)+".json")
}

// persistRun writes the terminal record. Runs from the controller's
// terminal hook; failures are logged rather than surfaced because the run
// itself already finished.
func (r *Registry) persistRun(ctrl *Controller) {
	rec := runRecord{
		Spec:     *ctrl.spec,
		Snapshot: ctrl.Snapshot(),
		Events:   ctrl.events.historySnapshot(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		r.logger.Error("encode run record", "run", ctrl.handle, "error", err)
		return
	}
	if err := os.MkdirAll(r.opts.StateRoot, 0o750); err != nil {
		r.logger.Error("create run state dir", "error", err)
		return
	}
	path := r.recordPath(ctrl.handle)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		r.logger.Error("write run record", "run", ctrl.handle, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		r.logger.Error("commit run record", "run", ctrl.handle, "error", err)
	}
}

// removeRecord drops the persisted record when a run is deleted.
func (r *Registry) removeRecord(handle api.RunHandle) error {
	if r.opts.StateRoot == "" {
		return nil
	}
	if err := os.Remove(r.recordPath(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run record: %w", err)
	}
	return nil
}

// Recover loads persisted terminal runs back into the registry. Runs that
// were mid-flight when the process stopped have no record; only terminal
// runs are durable.
func (r *Registry) Recover() error {
	if r.opts.StateRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(r.opts.StateRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read run state dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.opts.StateRoot, entry.Name()))
		if err != nil {
			return fmt.Errorf("read run record %s: %w", entry.Name(), err)
		}
		var rec runRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping unreadable run record", "file", entry.Name(), "error", err)
			continue
		}
		handle := rec.Snapshot.Handle
		ws, err := artifact.NewWorkspace(r.opts.Store, string(handle), "")
		if err != nil {
			return fmt.Errorf("recover workspace %s: %w", handle, err)
		}
		ctrl := newArchivedController(&rec.Spec, rec.Snapshot, rec.Events, ws, r.logger)

		r.mu.Lock()
		if _, exists := r.runs[handle]; !exists {
			r.runs[handle] = ctrl
		}
		r.mu.Unlock()
		r.logger.Info("run recovered", "run", handle, "phase", rec.Snapshot.Phase)
	}
	return nil
}
