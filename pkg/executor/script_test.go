package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
)

// upperEngine uppercases its input, standing in for a real interpreter.
type upperEngine struct{}

func (upperEngine) Name() string { return "upper" }
func (upperEngine) Invoke(_ context.Context, _ string, input []byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(input))), nil
}

// brokenEngine always fails.
type brokenEngine struct{}

func (brokenEngine) Name() string { return "broken" }
func (brokenEngine) Invoke(context.Context, string, []byte) ([]byte, error) {
	return nil, errors.New("interpreter panic at line 3")
}

func scriptInput(t *testing.T) Input {
	t.Helper()
	ws, err := artifact.NewWorkspace(artifact.NewMemoryStore(), "run-test", "")
	require.NoError(t, err)
	return Input{Run: "run-test", Job: "job", Workspace: ws}
}

func scriptExecutor(engines ...Engine) *ScriptExecutor {
	reg := NewEngineRegistry()
	for _, e := range engines {
		reg.Register(e)
	}
	return NewScriptExecutor(reg)
}

func TestScriptInvokesEngine(t *testing.T) {
	in := scriptInput(t)
	ref, err := in.Workspace.Put(context.Background(), "raw", []byte("strings output"))
	require.NoError(t, err)
	in.Artifacts = map[string]api.ArtifactRef{"raw": ref}

	step := &api.Step{
		Name:   "transform",
		Kind:   api.StepScript,
		Script: &api.ScriptStep{Engine: "upper", SourceRef: "scripts/transform", Input: "raw"},
	}

	result, err := scriptExecutor(upperEngine{}).Execute(context.Background(), step, in)
	require.NoError(t, err)

	out, ok := result.Outputs["output"]
	require.True(t, ok)
	data, err := in.Workspace.Get(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "STRINGS OUTPUT", string(data))
	assert.False(t, result.Log.Zero())
}

func TestScriptWithoutInput(t *testing.T) {
	in := scriptInput(t)
	step := &api.Step{
		Name:   "gen",
		Kind:   api.StepScript,
		Script: &api.ScriptStep{Engine: "upper", SourceRef: "scripts/gen"},
	}

	result, err := scriptExecutor(upperEngine{}).Execute(context.Background(), step, in)
	require.NoError(t, err)
	assert.Contains(t, result.Outputs, "output")
}

func TestScriptUnknownEngine(t *testing.T) {
	in := scriptInput(t)
	step := &api.Step{
		Name:   "s",
		Kind:   api.StepScript,
		Script: &api.ScriptStep{Engine: "ghidra"},
	}

	_, err := scriptExecutor().Execute(context.Background(), step, in)
	se, ok := api.AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, api.StepScriptFailed, se.Kind)
	assert.Contains(t, se.Message, "ghidra")
}

func TestScriptUnboundInput(t *testing.T) {
	in := scriptInput(t)
	step := &api.Step{
		Name:   "s",
		Kind:   api.StepScript,
		Script: &api.ScriptStep{Engine: "upper", Input: "never-produced"},
	}

	_, err := scriptExecutor(upperEngine{}).Execute(context.Background(), step, in)
	se, ok := api.AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, api.StepScriptFailed, se.Kind)
}

func TestScriptEngineFailure(t *testing.T) {
	in := scriptInput(t)
	step := &api.Step{
		Name:   "s",
		Kind:   api.StepScript,
		Script: &api.ScriptStep{Engine: "broken", SourceRef: "scripts/bad"},
	}

	result, err := scriptExecutor(brokenEngine{}).Execute(context.Background(), step, in)
	se, ok := api.AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, api.StepScriptFailed, se.Kind)
	assert.Contains(t, se.Message, "interpreter panic")
	assert.True(t, se.Retryable())
	assert.False(t, result.Log.Zero(), "log stored even on failure")
}

func TestPassthroughEngine(t *testing.T) {
	out, err := PassthroughEngine{}.Invoke(context.Background(), "anything", []byte("as-is"))
	require.NoError(t, err)
	assert.Equal(t, []byte("as-is"), out)
}
