package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/papforge/pap/pkg/api"
)

// Engine is the capability an embedded interpreter exposes: invoke a script
// by source reference with one input value and return its output. The
// engine's own runtime is an external collaborator; PAP only routes bytes
// through it.
type Engine interface {
	Name() string
	Invoke(ctx context.Context, sourceRef string, input []byte) ([]byte, error)
}

// EngineRegistry holds the script engines available to a server instance.
type EngineRegistry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewEngineRegistry creates an empty engine registry.
func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{engines: make(map[string]Engine)}
}

// Register adds an engine under its name.
func (r *EngineRegistry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the named engine.
func (r *EngineRegistry) Get(name string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// PassthroughEngine returns its input unchanged. It backs local dry runs
// and tests that need a script step without an interpreter runtime.
type PassthroughEngine struct{}

// Name returns "passthrough".
func (PassthroughEngine) Name() string { return "passthrough" }

// Invoke echoes the input bytes.
func (PassthroughEngine) Invoke(_ context.Context, _ string, input []byte) ([]byte, error) {
	return input, nil
}

// ScriptExecutor invokes a registered script engine with the step's bound
// input artifact and stores the returned value as the step output.
type ScriptExecutor struct {
	engines *EngineRegistry
}

// NewScriptExecutor creates the script step executor.
func NewScriptExecutor(engines *EngineRegistry) *ScriptExecutor {
	return &ScriptExecutor{engines: engines}
}

// Kind returns api.StepScript.
func (e *ScriptExecutor) Kind() api.StepKind { return api.StepScript }

// Execute resolves the engine and bound input, invokes the script, and
// stores its output. Interpreter errors surface as script failures carrying
// the interpreter's message.
func (e *ScriptExecutor) Execute(ctx context.Context, step *api.Step, in Input) (Result, error) {
	spec := step.Script
	lb := &logBuffer{}

	engine, ok := e.engines.Get(spec.Engine)
	if !ok {
		return Result{}, api.NewStepError(api.StepScriptFailed, "script engine %q is not available", spec.Engine)
	}

	var input []byte
	if spec.Input != "" {
		ref, bound := in.Artifacts[spec.Input]
		if !bound {
			return Result{}, api.NewStepError(api.StepScriptFailed, "input artifact %q is not bound", spec.Input)
		}
		data, err := in.Workspace.Get(ctx, ref)
		if err != nil {
			return Result{}, api.NewStepError(api.StepScriptFailed, "load input %q: %v", spec.Input, err)
		}
		input = data
	}

	lb.logf("invoke engine=%s source=%s input_bytes=%d", spec.Engine, spec.SourceRef, len(input))
	output, err := engine.Invoke(ctx, spec.SourceRef, input)

	logCtx := context.WithoutCancel(ctx)
	result := Result{Outputs: make(map[string]api.ArtifactRef)}
	if err != nil {
		lb.logf("engine error: %v", err)
		result.Log = storeLog(logCtx, in, step, lb)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, api.NewStepError(api.StepScriptFailed, "%s", err)
	}

	name := fmt.Sprintf("%s/%s/output", in.Job, step.Name)
	ref, err := in.Workspace.Put(ctx, name, output)
	if err != nil {
		return result, fmt.Errorf("%w: store script output: %v", api.ErrEngineFatal, err)
	}
	result.Outputs["output"] = ref
	lb.logf("stored output %s (%d bytes)", ref.Hash[:12], len(output))
	result.Log = storeLog(logCtx, in, step, lb)
	return result, nil
}
