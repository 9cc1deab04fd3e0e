package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papforge/pap/internal/governance"
	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
	"github.com/papforge/pap/pkg/dag"
	"github.com/papforge/pap/pkg/executor"
	"github.com/papforge/pap/pkg/executor/fuzz"
	"github.com/papforge/pap/pkg/policy"
	"github.com/papforge/pap/pkg/scheduler"
)

var (
	// ErrUnknownHandle is returned for operations on a handle no live or
	// archived run matches.
	ErrUnknownHandle = errors.New("unknown run handle")
	// ErrNotTerminal is returned when deletion is requested for a run that
	// is still executing.
	ErrNotTerminal = errors.New("run is not terminal")
)

// Options configure a run registry.
type Options struct {
	Store artifact.Store
	// Executors defaults to DefaultExecutors() when nil.
	Executors *executor.Registry
	// Admission may be nil; a nil gate admits everything.
	Admission *policy.Admission
	Logger    *slog.Logger
	// ScratchRoot is where process steps get working directories. Empty
	// disables process scratch space (pure in-memory runs).
	ScratchRoot string
	// StateRoot is where terminal run records are persisted so Recover can
	// restore them after a restart. Empty disables run persistence.
	StateRoot        string
	Retry            governance.RetryConfig
	GracePeriod      time.Duration
	DefaultTimeoutMS int
}

// Registry tracks every run the service knows about, keyed by handle.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	runs map[api.RunHandle]*Controller
}

// NewRegistry creates a registry, filling option defaults.
func NewRegistry(opts Options) *Registry {
	if opts.Executors == nil {
		opts.Executors = DefaultExecutors()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.InitialBackoff == 0 {
		opts.Retry = governance.DefaultRetryConfig()
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 10 * time.Second
	}
	return &Registry{
		opts:   opts,
		logger: opts.Logger,
		runs:   make(map[api.RunHandle]*Controller),
	}
}

// DefaultExecutors wires the built-in step executors: process, script with
// the passthrough engine, and fuzz backed by the simulator emulator.
func DefaultExecutors() *executor.Registry {
	engines := executor.NewEngineRegistry()
	engines.Register(executor.PassthroughEngine{})

	reg := executor.NewRegistry()
	reg.Register(executor.NewProcessExecutor(), "command")
	reg.Register(executor.NewScriptExecutor(engines), "call")
	reg.Register(fuzz.NewCampaignExecutor(fuzz.SimFactory), "campaign")
	return reg
}

// Submit validates a submission and, if it is accepted, starts the run in
// the background and returns its handle. Validation failures leave no
// trace: no run, no workspace, no handle.
func (r *Registry) Submit(ctx context.Context, sub *api.SubmitContext) (api.RunHandle, error) {
	graph, err := dag.Build(&sub.Spec)
	if err != nil {
		return "", err
	}
	if err := r.opts.Executors.Validate(&sub.Spec); err != nil {
		return "", err
	}
	if err := checkProjectFiles(sub); err != nil {
		return "", err
	}
	r.mu.Lock()
	gate := r.opts.Admission
	r.mu.Unlock()
	if err := gate.Check(ctx, sub); err != nil {
		return "", err
	}

	handle := api.RunHandle(uuid.NewString())
	ws, err := artifact.NewWorkspace(r.opts.Store, string(handle), r.opts.ScratchRoot)
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	events := newBroadcaster()
	sched := scheduler.New(scheduler.Config{
		Run:              handle,
		Spec:             &sub.Spec,
		Graph:            graph,
		Registry:         r.opts.Executors,
		Workspace:        ws,
		Files:            sub.Files,
		Events:           events.publish,
		Logger:           r.logger,
		Retry:            r.opts.Retry,
		GracePeriod:      r.opts.GracePeriod,
		DefaultTimeoutMS: r.opts.DefaultTimeoutMS,
	})
	ctrl := newController(handle, &sub.Spec, ws, sched, events, r.logger)
	if r.opts.StateRoot != "" {
		ctrl.onTerminal = func() { r.persistRun(ctrl) }
	}

	r.mu.Lock()
	r.runs[handle] = ctrl
	r.mu.Unlock()

	r.logger.Info("run submitted", "run", handle, "pipeline", sub.Spec.Name, "jobs", len(sub.Spec.Jobs))
	ctrl.start(context.Background())
	return handle, nil
}

// checkProjectFiles ensures every project's binary was actually submitted
// when any fuzz step references the project.
func checkProjectFiles(sub *api.SubmitContext) error {
	needed := make(map[string]bool)
	for _, job := range sub.Spec.Jobs {
		for _, step := range job.Steps {
			if step.Kind == api.StepFuzz && step.Fuzz != nil {
				needed[step.Fuzz.Project] = true
			}
		}
	}
	for _, project := range sub.Spec.Projects {
		if !needed[project.Name] {
			continue
		}
		if _, ok := sub.Files[project.Binary]; !ok {
			return &api.ValidationError{
				Kind:    api.ValidationMissingFile,
				Message: fmt.Sprintf("project %q requires binary %q which was not submitted", project.Name, project.Binary),
			}
		}
	}
	return nil
}

// SetAdmission replaces the admission gate. Config hot reloads call this;
// submissions already past the gate keep the decision they got.
func (r *Registry) SetAdmission(gate *policy.Admission) {
	r.mu.Lock()
	r.opts.Admission = gate
	r.mu.Unlock()
}

// Get returns a snapshot of the identified run.
func (r *Registry) Get(handle api.RunHandle) (api.RunSnapshot, error) {
	ctrl, err := r.controller(handle)
	if err != nil {
		return api.RunSnapshot{}, err
	}
	return ctrl.Snapshot(), nil
}

// List returns snapshots of every run, oldest submission first.
func (r *Registry) List() []api.RunSnapshot {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.runs))
	for _, ctrl := range r.runs {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.Unlock()

	snaps := make([]api.RunSnapshot, 0, len(ctrls))
	for _, ctrl := range ctrls {
		snaps = append(snaps, ctrl.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].SubmittedAt.Equal(snaps[j].SubmittedAt) {
			return snaps[i].Handle < snaps[j].Handle
		}
		return snaps[i].SubmittedAt.Before(snaps[j].SubmittedAt)
	})
	return snaps
}

// Cancel requests cooperative termination of a run. Cancelling a terminal
// run is a no-op.
func (r *Registry) Cancel(handle api.RunHandle) error {
	ctrl, err := r.controller(handle)
	if err != nil {
		return err
	}
	ctrl.Cancel()
	return nil
}

// Delete archives a terminal run: its workspace is destroyed and the
// handle forgotten. Running runs must be cancelled first.
func (r *Registry) Delete(ctx context.Context, handle api.RunHandle) error {
	r.mu.Lock()
	ctrl, ok := r.runs[handle]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownHandle
	}
	if !ctrl.Phase().Terminal() {
		r.mu.Unlock()
		return ErrNotTerminal
	}
	delete(r.runs, handle)
	r.mu.Unlock()

	if err := ctrl.Workspace().Destroy(ctx); err != nil {
		return fmt.Errorf("destroy workspace: %w", err)
	}
	if err := r.removeRecord(handle); err != nil {
		return err
	}
	r.logger.Info("run archived", "run", handle)
	return nil
}

// Events subscribes to a run's status stream after the given sequence.
func (r *Registry) Events(handle api.RunHandle, afterSeq uint64) (*Subscription, error) {
	ctrl, err := r.controller(handle)
	if err != nil {
		return nil, err
	}
	return ctrl.Events(afterSeq), nil
}

// ActiveRuns counts runs that have not reached a terminal phase.
func (r *Registry) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ctrl := range r.runs {
		if !ctrl.Phase().Terminal() {
			n++
		}
	}
	return n
}

// Artifact fetches a blob from a run's namespace by hash or by name.
func (r *Registry) Artifact(ctx context.Context, handle api.RunHandle, key string) ([]byte, api.ArtifactRef, error) {
	ctrl, err := r.controller(handle)
	if err != nil {
		return nil, api.ArtifactRef{}, err
	}
	ws := ctrl.Workspace()

	refs, err := ws.List(ctx)
	if err != nil {
		return nil, api.ArtifactRef{}, err
	}
	for _, ref := range refs {
		if ref.Hash == key || ref.Name == key {
			data, err := ws.Get(ctx, ref)
			if err != nil {
				return nil, api.ArtifactRef{}, err
			}
			return data, ref, nil
		}
	}
	return nil, api.ArtifactRef{}, fmt.Errorf("%w: %s", artifact.ErrNotFound, key)
}

// StepLog fetches the captured log of one step.
func (r *Registry) StepLog(ctx context.Context, handle api.RunHandle, job, step string) ([]byte, error) {
	ctrl, err := r.controller(handle)
	if err != nil {
		return nil, err
	}
	snap := ctrl.Snapshot()
	for _, js := range snap.Jobs {
		if js.Name != job {
			continue
		}
		for _, ss := range js.Steps {
			if ss.Name != step {
				continue
			}
			if ss.Log.Zero() {
				return nil, fmt.Errorf("%w: no log for step %s/%s", artifact.ErrNotFound, job, step)
			}
			return ctrl.Workspace().Get(ctx, ss.Log)
		}
	}
	return nil, fmt.Errorf("%w: step %s/%s", artifact.ErrNotFound, job, step)
}

// Wait blocks until the identified run is terminal. Used by the local run
// mode and tests.
func (r *Registry) Wait(handle api.RunHandle) error {
	ctrl, err := r.controller(handle)
	if err != nil {
		return err
	}
	ctrl.Wait()
	return nil
}

// Shutdown cancels every live run and waits for each to reach a terminal
// phase or the context to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.runs))
	for _, ctrl := range r.runs {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.Unlock()

	var pending []string
	for _, ctrl := range ctrls {
		ctrl.Cancel()
	}
	for _, ctrl := range ctrls {
		select {
		case <-ctrl.done:
		case <-ctx.Done():
			pending = append(pending, string(ctrl.handle))
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("runs still terminating: %s", strings.Join(pending, ", "))
	}
	return nil
}

func (r *Registry) controller(handle api.RunHandle) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.runs[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return ctrl, nil
}
