package api

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationKind enumerates the ways a spec can fail validation.
type ValidationKind string

const (
	ValidationCycle             ValidationKind = "cycle"
	ValidationUnknownDependency ValidationKind = "unknown_dependency"
	ValidationDuplicateJob      ValidationKind = "duplicate_job"
	ValidationUnknownStepKind   ValidationKind = "unknown_step_kind"
	ValidationEmptySpec         ValidationKind = "empty_spec"
	ValidationMissingFile       ValidationKind = "missing_file"
	ValidationPolicyDenied      ValidationKind = "policy_denied"
)

// ValidationError is fatal before execution starts; no run is created.
type ValidationError struct {
	Kind ValidationKind `json:"kind"`
	// Job names the offending job where applicable.
	Job string `json:"job,omitempty"`
	// Dependency names the dangling reference for unknown_dependency.
	Dependency string `json:"dependency,omitempty"`
	// Cycle lists the member job names of the first detected cycle.
	Cycle   []string `json:"cycle,omitempty"`
	Message string   `json:"message,omitempty"`
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case ValidationCycle:
		return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	case ValidationUnknownDependency:
		return fmt.Sprintf("job %q depends on unknown job %q", e.Job, e.Dependency)
	case ValidationDuplicateJob:
		return fmt.Sprintf("duplicate job name %q", e.Job)
	case ValidationUnknownStepKind:
		return fmt.Sprintf("job %q: %s", e.Job, e.Message)
	case ValidationPolicyDenied:
		return fmt.Sprintf("admission policy denied submission: %s", e.Message)
	default:
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
}

// StepErrorKind classifies step failures.
type StepErrorKind string

const (
	StepExecutionFailed StepErrorKind = "execution_failed"
	StepScriptFailed    StepErrorKind = "script_failed"
	StepEmulatorFault   StepErrorKind = "emulator_fault"
	StepTimeout         StepErrorKind = "timeout"
)

// StepError is local to one step. It propagates to job failure per policy
// and never aborts sibling jobs.
type StepError struct {
	Kind     StepErrorKind `json:"kind"`
	Message  string        `json:"message"`
	ExitCode int           `json:"exit_code,omitempty"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure class qualifies for the step's
// retry budget. Timeouts and cancelled contexts are never retried.
func (e *StepError) Retryable() bool {
	switch e.Kind {
	case StepExecutionFailed, StepScriptFailed, StepEmulatorFault:
		return true
	default:
		return false
	}
}

// NewStepError builds a StepError with a formatted message.
func NewStepError(kind StepErrorKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsStepError unwraps err into a StepError if one is in its chain.
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrEngineFatal marks failures of the engine's own bookkeeping. It aborts
// the entire run and is the only error class that does not map to a
// per-job or per-step outcome.
var ErrEngineFatal = errors.New("engine fatal")

// Error is the JSON envelope carried across the RPC boundary.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Validation carries structured detail when Code is "validation_failed".
	Validation *ValidationError `json:"validation,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Well-known RPC error codes.
const (
	CodeUnknownHandle    = "unknown_handle"
	CodeValidationFailed = "validation_failed"
	CodeArtifactNotFound = "artifact_not_found"
	CodeArtifactCorrupt  = "artifact_corrupt"
	CodeRunNotTerminal   = "run_not_terminal"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)
