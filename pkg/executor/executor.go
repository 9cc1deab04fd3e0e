// Package executor defines the step execution capability shared by every
// step kind and the registry the scheduler resolves kinds through. The
// scheduler stays ignorant of kind-specific mechanics; each variant turns a
// step description plus input artifacts into output artifacts.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
)

// Sink receives status events emitted mid-step (fuzz progress, crashes).
// A nil Sink discards events.
type Sink func(api.StatusEvent)

// Emit sends an event if the sink is non-nil.
func (s Sink) Emit(ev api.StatusEvent) {
	if s != nil {
		s(ev)
	}
}

// Input carries everything a step may observe during execution. Artifacts
// holds only outputs of terminal-successful predecessors, preserving causal
// ordering.
type Input struct {
	Run     api.RunHandle
	Job     string
	Attempt int

	Workspace *artifact.Workspace
	// Files are the submitted target binaries keyed by path.
	Files map[string][]byte
	// Artifacts names the refs visible to this step.
	Artifacts map[string]api.ArtifactRef
	// Projects lists the spec's target programs.
	Projects []api.Project

	Events Sink
	Logger *slog.Logger
	// GracePeriod bounds how long a cancelled step may take to stop before
	// it is force-terminated.
	GracePeriod time.Duration
	// DefaultTimeoutMS applies when the step declares no timeout of its own.
	DefaultTimeoutMS int
}

// Log returns the input's logger, defaulting to slog.Default.
func (in *Input) Log() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

// Result is a successful step execution: named output artifacts plus the
// captured execution log.
type Result struct {
	Outputs map[string]api.ArtifactRef
	Log     api.ArtifactRef
}

// Executor executes one step kind.
type Executor interface {
	Kind() api.StepKind
	Execute(ctx context.Context, step *api.Step, in Input) (Result, error)
}

// Registry resolves step kinds to executors. Aliases let older spec
// vocabularies keep working ("command" for process, "campaign" for fuzz).
type Registry struct {
	mu        sync.RWMutex
	executors map[api.StepKind]Executor
	aliases   map[string]api.StepKind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[api.StepKind]Executor),
		aliases:   make(map[string]api.StepKind),
	}
}

// Register adds or replaces the executor for its kind.
func (r *Registry) Register(e Executor, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
	for _, alias := range aliases {
		if alias != "" {
			r.aliases[alias] = e.Kind()
		}
	}
}

// Resolve returns the executor for a step kind, following aliases.
func (r *Registry) Resolve(kind api.StepKind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[kind]; ok {
		return e, true
	}
	if canonical, ok := r.aliases[string(kind)]; ok {
		e, ok := r.executors[canonical]
		return e, ok
	}
	return nil, false
}

// Validate ensures every step in the spec resolves to a registered
// executor before any execution starts.
func (r *Registry) Validate(spec *api.PipelineSpec) error {
	for _, job := range spec.Jobs {
		for _, step := range job.Steps {
			if _, ok := r.Resolve(step.Kind); !ok {
				return &api.ValidationError{
					Kind:    api.ValidationUnknownStepKind,
					Job:     job.Name,
					Message: fmt.Sprintf("no executor registered for step kind %q", step.Kind),
				}
			}
		}
	}
	return nil
}

// logBuffer collects per-step log lines for storage as an artifact once the
// step finishes, successful or not.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(&l.buf, format+"\n", args...)
}

func (l *logBuffer) write(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
}

func (l *logBuffer) bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bytes.Clone(l.buf.Bytes())
}

// storeLog persists the buffer under the step's log name. Failures to store
// a log are reported but never mask the step outcome.
func storeLog(ctx context.Context, in Input, step *api.Step, lb *logBuffer) api.ArtifactRef {
	name := fmt.Sprintf("%s/%s/log", in.Job, step.Name)
	ref, err := in.Workspace.Put(ctx, name, lb.bytes())
	if err != nil {
		in.Log().Warn("failed to store step log", "job", in.Job, "step", step.Name, "error", err)
		return api.ArtifactRef{}
	}
	return ref
}
