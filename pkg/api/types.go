package api

import "time"

// RunState tracks the lifecycle of a single job or step within a run.
type RunState string

const (
	// StatePending indicates the unit has not been considered for dispatch yet.
	StatePending RunState = "pending"
	// StateReady indicates every predecessor reached a qualifying terminal state.
	StateReady RunState = "ready"
	// StateRunning indicates the unit is currently executing.
	StateRunning RunState = "running"
	// StateSucceeded indicates the unit completed without error.
	StateSucceeded RunState = "succeeded"
	// StateFailed indicates the unit terminated with an error.
	StateFailed RunState = "failed"
	// StateSkipped indicates a required predecessor failed under fail-fast policy.
	StateSkipped RunState = "skipped"
	// StateCancelled indicates the run was cancelled before the unit finished.
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether the state is final and will never transition again.
func (s RunState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	default:
		return false
	}
}

// Successful reports whether the state is terminal and represents success.
func (s RunState) Successful() bool {
	return s == StateSucceeded
}

// RunPhase tracks the coarse lifecycle of a whole run as seen by the service.
type RunPhase string

const (
	PhaseSubmitted  RunPhase = "submitted"
	PhaseValidating RunPhase = "validating"
	PhaseRunning    RunPhase = "running"
	PhaseCompleted  RunPhase = "completed"
	PhaseFailed     RunPhase = "failed"
	PhaseCancelled  RunPhase = "cancelled"
)

// Terminal reports whether the phase is final.
func (p RunPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

// FailurePolicy selects how a run reacts to a failed job.
type FailurePolicy string

const (
	// FailFast skips every job downstream of a failed job.
	FailFast FailurePolicy = "fail-fast"
	// ContinueOnError lets downstream jobs run once their predecessors are
	// terminal, regardless of outcome.
	ContinueOnError FailurePolicy = "continue-on-error"
)

// PipelineSpec is the validated, read-only description of one pipeline.
// It is produced by the external configuration layer; the engine never
// re-parses raw configuration text.
type PipelineSpec struct {
	Name          string        `json:"name" yaml:"name"`
	Projects      []Project     `json:"projects,omitempty" yaml:"projects,omitempty"`
	Jobs          []Job         `json:"jobs" yaml:"jobs"`
	Concurrency   int           `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
}

// Policy returns the effective failure policy, defaulting to fail-fast.
func (s *PipelineSpec) Policy() FailurePolicy {
	if s.FailurePolicy == ContinueOnError {
		return ContinueOnError
	}
	return FailFast
}

// Project describes a target program available to analysis steps.
type Project struct {
	Name   string        `json:"name" yaml:"name"`
	Binary string        `json:"binary" yaml:"binary"`
	Arch   string        `json:"arch" yaml:"arch"`
	Loader *LoaderConfig `json:"loader,omitempty" yaml:"loader,omitempty"`
	MMIO   []MMIOEntry   `json:"mmio,omitempty" yaml:"mmio,omitempty"`
}

// LoaderConfig positions a raw binary image in the emulated address space.
type LoaderConfig struct {
	BaseAddress  uint64 `json:"base_address" yaml:"base_address"`
	StackAddress uint64 `json:"stack_address" yaml:"stack_address"`
}

// MMIOEntry maps a memory-mapped IO region for emulated targets.
type MMIOEntry struct {
	Address uint64 `json:"address" yaml:"address"`
	Size    uint64 `json:"size,omitempty" yaml:"size,omitempty"`
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// Job is a named DAG node owning an ordered sequence of steps.
type Job struct {
	Name string `json:"name" yaml:"name"`
	// Needs lists predecessor job names. The job only starts once every
	// predecessor is terminal-successful (fail-fast) or terminal (continue-on-error).
	Needs []string `json:"needs,omitempty" yaml:"needs,omitempty"`
	// BestEffort jobs do not skip their dependents on failure.
	BestEffort bool   `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`
	Steps      []Step `json:"steps" yaml:"steps"`
}

// StepKind discriminates the step variants.
type StepKind string

const (
	StepProcess StepKind = "process"
	StepScript  StepKind = "script"
	StepFuzz    StepKind = "fuzz"
)

// Step is one unit of work inside a job. Exactly one of the variant fields
// matching Kind is populated.
type Step struct {
	Name    string       `json:"name" yaml:"name"`
	Kind    StepKind     `json:"kind" yaml:"kind"`
	Retries int          `json:"retries,omitempty" yaml:"retries,omitempty"`
	Process *ProcessStep `json:"process,omitempty" yaml:"process,omitempty"`
	Script  *ScriptStep  `json:"script,omitempty" yaml:"script,omitempty"`
	Fuzz    *FuzzStep    `json:"fuzz,omitempty" yaml:"fuzz,omitempty"`
}

// ProcessStep spawns an external command inside the run workspace.
type ProcessStep struct {
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// ScriptStep invokes a registered script engine with a bound input artifact.
type ScriptStep struct {
	Engine    string `json:"engine" yaml:"engine"`
	SourceRef string `json:"source_ref" yaml:"source_ref"`
	// Input names the artifact passed to the engine, resolved from the
	// outputs of predecessor jobs and earlier steps of the same job.
	Input string `json:"input,omitempty" yaml:"input,omitempty"`
}

// FuzzStep drives a coverage-guided campaign against an emulated target.
type FuzzStep struct {
	Project string `json:"project" yaml:"project"`
	// Function is the entry address of the fuzzed routine, hex encoded.
	Function string `json:"function" yaml:"function"`
	// Harness is a script run against the emulator before each execution to
	// place the input and seed registers.
	Harness   string `json:"harness,omitempty" yaml:"harness,omitempty"`
	InputAddr string `json:"input_addr,omitempty" yaml:"input_addr,omitempty"`
	// CorpusRef names the artifact prefix holding seed inputs.
	CorpusRef          string `json:"corpus_ref,omitempty" yaml:"corpus_ref,omitempty"`
	MaxIterations      int64  `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxDurationMS      int    `json:"max_duration_ms,omitempty" yaml:"max_duration_ms,omitempty"`
	ProgressIntervalMS int    `json:"progress_interval_ms,omitempty" yaml:"progress_interval_ms,omitempty"`
}

// RunHandle is the opaque identifier returned to a submitting client.
type RunHandle string

// SubmitContext bundles a spec with the target binaries it references so a
// remote server needs no shared filesystem with the client.
type SubmitContext struct {
	Spec PipelineSpec `json:"spec" yaml:"spec"`
	// Files maps project binary paths to their contents.
	Files map[string][]byte `json:"files,omitempty" yaml:"files,omitempty"`
}

// ArtifactRef identifies an immutable blob by content hash.
type ArtifactRef struct {
	// Hash is the lowercase hex SHA-256 of the content.
	Hash string `json:"hash" yaml:"hash"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Size int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// Zero reports whether the ref identifies nothing.
func (r ArtifactRef) Zero() bool { return r.Hash == "" }

// RunSnapshot is a point-in-time view of every job and step in a run.
type RunSnapshot struct {
	Handle      RunHandle     `json:"handle" yaml:"handle"`
	Pipeline    string        `json:"pipeline" yaml:"pipeline"`
	Phase       RunPhase      `json:"phase" yaml:"phase"`
	Jobs        []JobSnapshot `json:"jobs" yaml:"jobs"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at" yaml:"submitted_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// JobSnapshot captures one job's state and its steps.
type JobSnapshot struct {
	Name  string         `json:"name" yaml:"name"`
	State RunState       `json:"state" yaml:"state"`
	Steps []StepSnapshot `json:"steps" yaml:"steps"`
}

// StepSnapshot captures one step's state, attempts, and produced artifacts.
type StepSnapshot struct {
	Name     string        `json:"name" yaml:"name"`
	State    RunState      `json:"state" yaml:"state"`
	Attempts int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Outputs  []ArtifactRef `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Log      ArtifactRef   `json:"log,omitempty" yaml:"log,omitempty"`
}

// CrashReport is the specialized artifact emitted for each unique fault a
// fuzz campaign discovers.
type CrashReport struct {
	// Signature deduplicates faults: identical signatures are the same bug.
	Signature string `json:"signature" yaml:"signature"`
	PC        uint64 `json:"pc" yaml:"pc"`
	StackHash uint64 `json:"stack_hash" yaml:"stack_hash"`
	Severity  string `json:"severity" yaml:"severity"`
	ExitKind  string `json:"exit_kind" yaml:"exit_kind"`
	// Input references the stored artifact holding the triggering bytes.
	Input ArtifactRef `json:"input" yaml:"input"`
}
