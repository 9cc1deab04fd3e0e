package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/papforge/pap/pkg/api"
)

// Workspace is one run's view of the artifact store: a private namespace
// plus a scratch directory for process steps. The run controller owns it
// and destroys it when the run is archived.
type Workspace struct {
	store     Store
	namespace string
	dir       string
}

// NewWorkspace creates the workspace for a run. scratchRoot may be empty
// for workspaces that never spawn processes (in-memory test runs).
func NewWorkspace(store Store, namespace, scratchRoot string) (*Workspace, error) {
	ws := &Workspace{store: store, namespace: namespace}
	if scratchRoot != "" {
		dir := filepath.Join(scratchRoot, namespace)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
		ws.dir = dir
	}
	return ws, nil
}

// Namespace returns the run's store namespace.
func (w *Workspace) Namespace() string { return w.namespace }

// Dir returns the scratch directory, or "" if the workspace has none.
func (w *Workspace) Dir() string { return w.dir }

// Put stores a named blob in the run's namespace.
func (w *Workspace) Put(ctx context.Context, name string, data []byte) (api.ArtifactRef, error) {
	return w.store.Put(ctx, w.namespace, name, data)
}

// Get fetches a blob by ref.
func (w *Workspace) Get(ctx context.Context, ref api.ArtifactRef) ([]byte, error) {
	return w.store.Get(ctx, w.namespace, ref)
}

// List returns every ref in the run's namespace.
func (w *Workspace) List(ctx context.Context) ([]api.ArtifactRef, error) {
	return w.store.List(ctx, w.namespace)
}

// ListPrefix returns refs whose names begin with prefix, e.g. a corpus
// directory namespace like "corpus/".
func (w *Workspace) ListPrefix(ctx context.Context, prefix string) ([]api.ArtifactRef, error) {
	all, err := w.store.List(ctx, w.namespace)
	if err != nil {
		return nil, err
	}
	var out []api.ArtifactRef
	for _, ref := range all {
		if strings.HasPrefix(ref.Name, prefix) {
			out = append(out, ref)
		}
	}
	return out, nil
}

// StepDir creates and returns a scratch subdirectory for one step attempt.
func (w *Workspace) StepDir(job, step string, attempt int) (string, error) {
	if w.dir == "" {
		return "", fmt.Errorf("workspace has no scratch directory")
	}
	dir := filepath.Join(w.dir, sanitize(job), fmt.Sprintf("%s.%d", sanitize(step), attempt))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create step dir: %w", err)
	}
	return dir, nil
}

// Materialize writes the artifacts into dir under their declared names so a
// spawned process can read them as plain files.
func (w *Workspace) Materialize(ctx context.Context, dir string, refs map[string]api.ArtifactRef) error {
	for name, ref := range refs {
		data, err := w.Get(ctx, ref)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
		path := filepath.Join(dir, sanitize(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o640); err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
	}
	return nil
}

// Destroy purges the namespace and removes the scratch directory. Called
// only on run archival.
func (w *Workspace) Destroy(ctx context.Context) error {
	err := w.store.Purge(ctx, w.namespace)
	if w.dir != "" {
		if rmErr := os.RemoveAll(w.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// sanitize keeps artifact names usable as relative file paths.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "..", "_")
	return strings.TrimLeft(name, "/")
}
