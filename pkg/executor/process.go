package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/papforge/pap/internal/governance"
	"github.com/papforge/pap/pkg/api"
)

// outputDirName is the subdirectory a process writes files to for them to
// be captured as artifacts.
const outputDirName = "out"

// passthroughEnv lists the only host environment variables a spawned tool
// inherits; everything else comes from the step declaration.
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// ProcessExecutor spawns external analysis tools in a restricted context:
// working directory scoped to the run workspace, bounded environment, and a
// wall-clock timeout. Exit code 0 is success; anything else is a step
// failure carrying the code.
type ProcessExecutor struct{}

// NewProcessExecutor creates the process step executor.
func NewProcessExecutor() *ProcessExecutor { return &ProcessExecutor{} }

// Kind returns api.StepProcess.
func (e *ProcessExecutor) Kind() api.StepKind { return api.StepProcess }

// Execute runs the step's command to completion or timeout.
func (e *ProcessExecutor) Execute(ctx context.Context, step *api.Step, in Input) (Result, error) {
	spec := step.Process
	lb := &logBuffer{}

	stepDir, err := in.Workspace.StepDir(in.Job, step.Name, in.Attempt)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", api.ErrEngineFatal, err)
	}
	if err := in.Workspace.Materialize(ctx, stepDir, in.Artifacts); err != nil {
		return Result{}, api.NewStepError(api.StepExecutionFailed, "stage inputs: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(stepDir, outputDirName), 0o750); err != nil {
		return Result{}, fmt.Errorf("%w: %v", api.ErrEngineFatal, err)
	}

	timeout := governance.ResolveTimeout(spec.TimeoutMS, in.DefaultTimeoutMS)
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = stepDir
	cmd.Env = boundedEnv(spec.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Cooperative stop: SIGTERM on cancellation, SIGKILL after the grace
	// period if the tool ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if in.GracePeriod > 0 {
		cmd.WaitDelay = in.GracePeriod
	} else {
		cmd.WaitDelay = 10 * time.Second
	}

	lb.logf("exec: %s %v (dir=%s timeout=%s)", spec.Command, spec.Args, stepDir, timeout)
	start := time.Now()
	runErr := cmd.Run()
	lb.logf("exit after %s", time.Since(start).Round(time.Millisecond))
	lb.write(stdout.Bytes())
	lb.write(stderr.Bytes())

	logCtx := context.WithoutCancel(ctx)
	result := Result{Outputs: make(map[string]api.ArtifactRef)}

	captureStream := func(name string, data []byte) {
		ref, putErr := in.Workspace.Put(logCtx, fmt.Sprintf("%s/%s/%s", in.Job, step.Name, name), data)
		if putErr != nil {
			in.Log().Warn("failed to store stream artifact", "step", step.Name, "stream", name, "error", putErr)
			return
		}
		result.Outputs[name] = ref
	}
	captureStream("stdout", stdout.Bytes())
	captureStream("stderr", stderr.Bytes())
	result.Log = storeLog(logCtx, in, step, lb)

	if runErr != nil {
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			return result, api.NewStepError(api.StepTimeout, "command exceeded %s timeout", timeout)
		case ctx.Err() != nil:
			return result, ctx.Err()
		default:
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				se := api.NewStepError(api.StepExecutionFailed, "command exited with code %d", exitErr.ExitCode())
				se.ExitCode = exitErr.ExitCode()
				return result, se
			}
			return result, api.NewStepError(api.StepExecutionFailed, "spawn %s: %v", spec.Command, runErr)
		}
	}

	if err := e.collectOutputs(logCtx, stepDir, step, &in, &result); err != nil {
		return result, err
	}
	return result, nil
}

// collectOutputs stores every file the tool left in its out/ directory as a
// named artifact.
func (e *ProcessExecutor) collectOutputs(ctx context.Context, stepDir string, step *api.Step, in *Input, result *Result) error {
	outDir := filepath.Join(stepDir, outputDirName)
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return api.NewStepError(api.StepExecutionFailed, "read output dir: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			return api.NewStepError(api.StepExecutionFailed, "read output %s: %v", entry.Name(), err)
		}
		ref, err := in.Workspace.Put(ctx, fmt.Sprintf("%s/%s/%s", in.Job, step.Name, entry.Name()), data)
		if err != nil {
			return fmt.Errorf("%w: store output %s: %v", api.ErrEngineFatal, entry.Name(), err)
		}
		result.Outputs[entry.Name()] = ref
	}
	return nil
}

func boundedEnv(declared map[string]string) []string {
	env := make([]string, 0, len(passthroughEnv)+len(declared))
	for _, key := range passthroughEnv {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for key, value := range declared {
		env = append(env, key+"="+value)
	}
	return env
}
