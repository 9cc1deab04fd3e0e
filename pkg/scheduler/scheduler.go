// Package scheduler advances one run's jobs through their dependency graph:
// it dispatches jobs whose predecessors reached a qualifying terminal state,
// bounds concurrent execution to the run's budget, executes each job's steps
// sequentially with per-step retry, and propagates skips downstream when a
// required job fails.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/papforge/pap/internal/governance"
	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
	"github.com/papforge/pap/pkg/dag"
	"github.com/papforge/pap/pkg/executor"
	"github.com/papforge/pap/pkg/telemetry"
)

// Config holds everything a scheduler needs to run one pipeline.
type Config struct {
	Run       api.RunHandle
	Spec      *api.PipelineSpec
	Graph     *dag.Graph
	Registry  *executor.Registry
	Workspace *artifact.Workspace
	// Files are the submitted target binaries, passed through to executors.
	Files  map[string][]byte
	Events executor.Sink
	Logger *slog.Logger
	Retry  governance.RetryConfig
	// GracePeriod bounds how long a cancelled step may run before it is
	// force-terminated.
	GracePeriod      time.Duration
	DefaultTimeoutMS int
}

type stepState struct {
	step     *api.Step
	state    api.RunState
	attempts int
	err      string
	outputs  map[string]api.ArtifactRef
	log      api.ArtifactRef
}

type jobState struct {
	job     *api.Job
	state   api.RunState
	steps   []*stepState
	failure string
}

// Scheduler executes one run. It is single-use: create, Run, discard.
// All state transitions are serialized through one mutex; Snapshot may be
// called concurrently with Run.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	graph  *dag.Graph
	policy api.FailurePolicy

	mu    sync.Mutex
	jobs  []*jobState
	fatal error
	abort context.CancelFunc
}

// New builds a scheduler over a validated graph.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger.With("run", cfg.Run),
		graph:  cfg.Graph,
		policy: cfg.Spec.Policy(),
		jobs:   make([]*jobState, cfg.Graph.Len()),
	}
	for i := range s.jobs {
		job := cfg.Graph.Job(i)
		js := &jobState{job: job, state: api.StatePending, steps: make([]*stepState, len(job.Steps))}
		for k := range job.Steps {
			js.steps[k] = &stepState{step: &job.Steps[k], state: api.StatePending}
		}
		s.jobs[i] = js
	}
	return s
}

// Run drives the graph to completion and reports the terminal phase. The
// returned error is non-nil for cancelled and failed runs; engine faults
// wrap api.ErrEngineFatal.
func (s *Scheduler) Run(parent context.Context) (api.RunPhase, error) {
	var span trace.Span
	parent, span = otel.Tracer("pap.scheduler").Start(parent, "run.execute",
		trace.WithAttributes(
			attribute.String("run.handle", string(s.cfg.Run)),
			attribute.String("pipeline.name", s.cfg.Spec.Name),
			attribute.Int("pipeline.jobs", s.graph.Len()),
			attribute.String("pipeline.policy", string(s.policy)),
		),
	)
	defer span.End()

	// A fatal engine error aborts in-flight jobs through this context.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.mu.Lock()
	s.abort = cancel
	s.mu.Unlock()

	budget := s.cfg.Spec.Concurrency
	if budget <= 0 {
		budget = s.graph.Len()
	}
	sem := make(chan struct{}, budget)
	done := make(chan struct{}, s.graph.Len())
	var wg sync.WaitGroup

	s.logger.Info("run starting",
		"pipeline", s.cfg.Spec.Name,
		"jobs", s.graph.Len(),
		"budget", budget,
		"policy", s.policy,
	)

	cancelled := false
	for {
		progressed := s.sweep(ctx, sem, done, &wg)
		if s.allTerminal() {
			break
		}
		if progressed {
			continue
		}
		if cancelled {
			<-done
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			s.cancelPending()
			cancelled = true
		}
	}
	wg.Wait()

	phase, err := s.outcome(ctx)
	span.SetAttributes(attribute.String("run.phase", string(phase)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return phase, err
}

// sweep applies every state transition currently possible: skip propagation,
// cancellation of pending jobs after a fatal error, and dispatch of ready
// jobs. It reports whether anything changed.
func (s *Scheduler) sweep(ctx context.Context, sem chan struct{}, done chan struct{}, wg *sync.WaitGroup) bool {
	s.mu.Lock()
	if s.fatal != nil {
		// An engine fault fails the whole run: every job that has not
		// finished goes to Failed, not Cancelled.
		changed := false
		for i, js := range s.jobs {
			if js.state == api.StatePending {
				s.transitionJobLocked(i, api.StateFailed, "run aborted")
				changed = true
			}
		}
		s.mu.Unlock()
		return changed
	}

	var launch []int
	changed := false
	for _, i := range s.graph.TopoOrder() {
		js := s.jobs[i]
		if js.state != api.StatePending {
			continue
		}
		switch s.classifyLocked(i) {
		case decisionSkip:
			s.transitionJobLocked(i, api.StateSkipped, "required predecessor did not succeed")
			changed = true
		case decisionReady:
			s.transitionJobLocked(i, api.StateReady, "")
			launch = append(launch, i)
			changed = true
		}
	}
	s.mu.Unlock()

	for _, i := range launch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { done <- struct{}{} }()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				s.abortJob(i)
				return
			}
			defer func() { <-sem }()
			// The select may pick the freed slot even when the context is
			// already done; re-check so no job starts after cancellation.
			if ctx.Err() != nil {
				s.abortJob(i)
				return
			}
			s.runJob(ctx, i)
		}(i)
	}
	return changed
}

// abortJob marks a job that never executed as Cancelled, or Failed when an
// engine fault is aborting the run.
func (s *Scheduler) abortJob(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		s.transitionJobLocked(i, api.StateFailed, "run aborted")
		return
	}
	s.transitionJobLocked(i, api.StateCancelled, "run cancelled")
}

type dispatchDecision int

const (
	decisionWait dispatchDecision = iota
	decisionReady
	decisionSkip
)

// classifyLocked decides whether a pending job can start. Under fail-fast a
// job starts only once every predecessor succeeded; a failed or skipped
// predecessor skips it unless that predecessor is best-effort. Under
// continue-on-error predecessors only need to be terminal.
func (s *Scheduler) classifyLocked(i int) dispatchDecision {
	for _, d := range s.graph.Dependencies(i) {
		dep := s.jobs[d]
		if !dep.state.Terminal() {
			return decisionWait
		}
		if s.policy == api.ContinueOnError {
			continue
		}
		if dep.state.Successful() {
			continue
		}
		if dep.state == api.StateFailed && dep.job.BestEffort {
			continue
		}
		return decisionSkip
	}
	return decisionReady
}

// cancelPending marks every job that has not started as cancelled, or
// failed when the run is aborting on an engine fault.
func (s *Scheduler) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, msg := api.StateCancelled, "run cancelled"
	if s.fatal != nil {
		state, msg = api.StateFailed, "run aborted"
	}
	for i, js := range s.jobs {
		if js.state == api.StatePending {
			s.transitionJobLocked(i, state, msg)
		}
	}
}

func (s *Scheduler) allTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, js := range s.jobs {
		if !js.state.Terminal() {
			return false
		}
	}
	return true
}

// runJob executes one job's steps in declared order. The first step failure
// fails the job; remaining steps stay pending.
func (s *Scheduler) runJob(ctx context.Context, i int) {
	js := s.jobs[i]
	s.mu.Lock()
	s.transitionJobLocked(i, api.StateRunning, "")
	s.mu.Unlock()

	for k := range js.steps {
		if err := s.runStep(ctx, i, k); err != nil {
			if errors.Is(err, api.ErrEngineFatal) {
				s.mu.Lock()
				if s.fatal == nil {
					s.fatal = err
				}
				s.transitionJobLocked(i, api.StateFailed, err.Error())
				abort := s.abort
				s.mu.Unlock()
				abort()
				return
			}
			state := api.StateFailed
			msg := err.Error()
			if errors.Is(err, context.Canceled) {
				state = api.StateCancelled
			}
			s.mu.Lock()
			// A cancellation caused by the fatal abort counts as failure:
			// the engine fault fails every non-terminal job.
			if state == api.StateCancelled && s.fatal != nil {
				state, msg = api.StateFailed, "run aborted"
			}
			s.transitionJobLocked(i, state, msg)
			s.mu.Unlock()
			return
		}
	}

	s.mu.Lock()
	s.transitionJobLocked(i, api.StateSucceeded, "")
	s.mu.Unlock()
}

// runStep executes one step, retrying retryable failures within the step's
// budget. Inputs are re-resolved on every attempt; predecessors are already
// terminal so the view cannot change mid-step.
func (s *Scheduler) runStep(ctx context.Context, i, k int) error {
	js := s.jobs[i]
	ss := js.steps[k]
	exec, ok := s.cfg.Registry.Resolve(ss.step.Kind)
	if !ok {
		// Validation rejects unknown kinds at submission; reaching this is
		// an engine bookkeeping bug.
		return fmt.Errorf("%w: no executor for step kind %q", api.ErrEngineFatal, ss.step.Kind)
	}

	retryCfg := s.cfg.Retry
	retryCfg.MaxRetries = ss.step.Retries
	policy := governance.NewRetryPolicy(retryCfg)

	s.mu.Lock()
	s.transitionStepLocked(i, k, api.StateRunning, "")
	s.mu.Unlock()

	tracer := otel.Tracer("pap.scheduler")
	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		input := s.stepInput(i, k, attempt)
		stepCtx, stepSpan := tracer.Start(ctx, "run.step",
			trace.WithAttributes(
				attribute.String("job.name", js.job.Name),
				attribute.String("step.name", ss.step.Name),
				attribute.String("step.kind", string(ss.step.Kind)),
				attribute.Int("step.attempt", attempt),
			),
		)
		result, err := exec.Execute(stepCtx, ss.step, input)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, err.Error())
		}
		stepSpan.End()
		s.mu.Lock()
		ss.attempts = attempt + 1
		if !result.Log.Zero() {
			ss.log = result.Log
		}
		s.mu.Unlock()

		if err == nil {
			s.mu.Lock()
			ss.outputs = result.Outputs
			s.transitionStepLocked(i, k, api.StateSucceeded, "")
			s.mu.Unlock()
			s.recordStep(ctx, js.job, ss, "succeeded", time.Since(start))
			return nil
		}
		lastErr = err

		if !policy.ShouldRetry(attempt, err) {
			break
		}
		s.logger.Warn("step attempt failed, retrying",
			"job", js.job.Name,
			"step", ss.step.Name,
			"attempt", attempt+1,
			"error", err,
		)
		if waitErr := policy.Wait(ctx, attempt); waitErr != nil {
			lastErr = waitErr
			break
		}
	}

	outcome := "failed"
	state := api.StateFailed
	if errors.Is(lastErr, context.Canceled) {
		outcome = "cancelled"
		state = api.StateCancelled
	}
	s.mu.Lock()
	s.transitionStepLocked(i, k, state, lastErr.Error())
	s.mu.Unlock()
	s.recordStep(ctx, js.job, ss, outcome, time.Since(start))
	return lastErr
}

// stepInput assembles the artifact view for one attempt: outputs of every
// succeeded ancestor job plus outputs of earlier steps in the same job.
// Refs are indexed both by their executor-local key and their workspace
// name, with later producers shadowing earlier ones.
func (s *Scheduler) stepInput(i, k, attempt int) executor.Input {
	s.mu.Lock()
	visible := make(map[string]api.ArtifactRef)
	for _, a := range s.ancestors(i) {
		dep := s.jobs[a]
		if !dep.state.Successful() {
			continue
		}
		for _, ss := range dep.steps {
			mergeOutputs(visible, ss.outputs)
		}
	}
	js := s.jobs[i]
	for _, prior := range js.steps[:k] {
		if prior.state.Successful() {
			mergeOutputs(visible, prior.outputs)
		}
	}
	s.mu.Unlock()

	return executor.Input{
		Run:       s.cfg.Run,
		Job:       js.job.Name,
		Attempt:   attempt,
		Workspace: s.cfg.Workspace,
		Files:     s.cfg.Files,
		Artifacts: visible,
		Projects:  s.cfg.Spec.Projects,
		Events:    s.stamped(),
		Logger:    s.logger,

		GracePeriod:      s.cfg.GracePeriod,
		DefaultTimeoutMS: s.cfg.DefaultTimeoutMS,
	}
}

func mergeOutputs(visible map[string]api.ArtifactRef, outputs map[string]api.ArtifactRef) {
	for key, ref := range outputs {
		visible[key] = ref
		if ref.Name != "" && ref.Name != key {
			visible[ref.Name] = ref
		}
	}
}

// ancestors returns the transitive predecessors of job i in topological
// order, so artifact shadowing is deterministic.
func (s *Scheduler) ancestors(i int) []int {
	seen := make(map[int]bool)
	var walk func(j int)
	walk = func(j int) {
		for _, d := range s.graph.Dependencies(j) {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(i)

	out := make([]int, 0, len(seen))
	for _, j := range s.graph.TopoOrder() {
		if seen[j] {
			out = append(out, j)
		}
	}
	return out
}

// outcome derives the run's terminal phase once every job is terminal.
func (s *Scheduler) outcome(ctx context.Context) (api.RunPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return api.PhaseFailed, s.fatal
	}
	if ctx.Err() != nil {
		return api.PhaseCancelled, ctx.Err()
	}

	var failed, skipped []string
	for _, js := range s.jobs {
		switch js.state {
		case api.StateFailed:
			if !js.job.BestEffort {
				failed = append(failed, js.job.Name)
			}
		case api.StateSkipped:
			skipped = append(skipped, js.job.Name)
		case api.StateCancelled:
			return api.PhaseCancelled, context.Canceled
		}
	}
	if len(failed) > 0 || len(skipped) > 0 {
		msg := ""
		if len(failed) > 0 {
			msg = fmt.Sprintf("jobs failed: %s", strings.Join(failed, ", "))
		}
		if len(skipped) > 0 {
			if msg != "" {
				msg += "; "
			}
			msg += fmt.Sprintf("jobs skipped: %s", strings.Join(skipped, ", "))
		}
		return api.PhaseFailed, errors.New(msg)
	}
	return api.PhaseCompleted, nil
}

// Snapshot returns the current state of every job and step.
func (s *Scheduler) Snapshot() []api.JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]api.JobSnapshot, len(s.jobs))
	for i, js := range s.jobs {
		steps := make([]api.StepSnapshot, len(js.steps))
		for k, ss := range js.steps {
			snap := api.StepSnapshot{
				Name:     ss.step.Name,
				State:    ss.state,
				Attempts: ss.attempts,
				Error:    ss.err,
				Log:      ss.log,
			}
			keys := make([]string, 0, len(ss.outputs))
			for key := range ss.outputs {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				snap.Outputs = append(snap.Outputs, ss.outputs[key])
			}
			steps[k] = snap
		}
		jobs[i] = api.JobSnapshot{Name: js.job.Name, State: js.state, Steps: steps}
	}
	return jobs
}

// transitionJobLocked records a job state change and emits its event.
// Terminal states are sticky.
func (s *Scheduler) transitionJobLocked(i int, state api.RunState, message string) {
	js := s.jobs[i]
	if js.state.Terminal() || js.state == state {
		return
	}
	js.state = state
	if state == api.StateFailed {
		js.failure = message
	}
	if state == api.StateSkipped || state == api.StateCancelled {
		for k, ss := range js.steps {
			if !ss.state.Terminal() && ss.state != api.StateRunning {
				s.transitionStepLocked(i, k, state, "")
			}
		}
	}
	s.emitLocked(api.StatusEvent{
		Type:    api.EventJobState,
		Job:     js.job.Name,
		State:   state,
		Message: message,
	})
}

func (s *Scheduler) transitionStepLocked(i, k int, state api.RunState, errMsg string) {
	ss := s.jobs[i].steps[k]
	if ss.state.Terminal() || ss.state == state {
		return
	}
	ss.state = state
	ss.err = errMsg
	s.emitLocked(api.StatusEvent{
		Type:    api.EventStepState,
		Job:     s.jobs[i].job.Name,
		Step:    ss.step.Name,
		State:   state,
		Message: errMsg,
	})
}

// emitLocked fills time and run handle and forwards the event. Sequence
// numbers are assigned downstream by the run's event stream, which is the
// single ordering authority for engine and mid-step events alike.
func (s *Scheduler) emitLocked(ev api.StatusEvent) {
	ev.Time = time.Now().UTC()
	ev.Run = s.cfg.Run
	s.cfg.Events.Emit(ev)
}

// stamped wraps the configured sink for mid-step events (fuzz progress,
// crashes) so they carry the run handle like engine events do.
func (s *Scheduler) stamped() executor.Sink {
	return func(ev api.StatusEvent) {
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}
		ev.Run = s.cfg.Run
		s.cfg.Events.Emit(ev)
	}
}

func (s *Scheduler) recordStep(ctx context.Context, job *api.Job, ss *stepState, outcome string, duration time.Duration) {
	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		Pipeline: s.cfg.Spec.Name,
		Job:      job.Name,
		Step:     ss.step.Name,
		Kind:     string(ss.step.Kind),
		Outcome:  outcome,
		Duration: duration,
		Attempts: ss.attempts,
	})
}
