package fuzz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/executor"
)

// defaultInputAddr is where inputs are placed when the step does not pin
// an address of its own.
const defaultInputAddr = 0x41000000

// CampaignExecutor runs fuzz steps by driving a Campaign against an
// emulator built by its factory.
type CampaignExecutor struct {
	factory Factory
}

// NewCampaignExecutor wraps an emulator factory as a step executor.
func NewCampaignExecutor(factory Factory) *CampaignExecutor {
	return &CampaignExecutor{factory: factory}
}

// Kind implements executor.Executor.
func (e *CampaignExecutor) Kind() api.StepKind { return api.StepFuzz }

// Execute resolves the target, runs the campaign, and publishes the
// summary plus per-crash inputs as step outputs. Progress and crash
// events flow to the input's sink as they happen.
func (e *CampaignExecutor) Execute(ctx context.Context, step *api.Step, in executor.Input) (executor.Result, error) {
	spec := step.Fuzz
	if spec == nil {
		return executor.Result{}, api.NewStepError(api.StepEmulatorFault, "step %q has no fuzz body", step.Name)
	}

	target, err := resolveTarget(spec, in)
	if err != nil {
		return executor.Result{}, err
	}

	emu, err := e.factory(target.Project.Arch)
	if err != nil {
		return executor.Result{}, api.NewStepError(api.StepEmulatorFault, "build emulator for %s: %v", target.Project.Arch, err)
	}

	prefix := spec.CorpusRef
	if prefix == "" {
		prefix = fmt.Sprintf("%s/%s/corpus/", in.Job, step.Name)
	}

	var log strings.Builder
	now := func() time.Time { return time.Now().UTC() }
	campaign := NewCampaign(Config{
		Target:           target,
		Workspace:        in.Workspace,
		CorpusPrefix:     prefix,
		MaxIterations:    spec.MaxIterations,
		MaxDuration:      time.Duration(spec.MaxDurationMS) * time.Millisecond,
		ProgressInterval: time.Duration(spec.ProgressIntervalMS) * time.Millisecond,
		Seed:             campaignSeed(in, step),
		Logger:           in.Log().With("job", in.Job, "step", step.Name),
		OnProgress: func(p api.FuzzProgress) {
			fmt.Fprintf(&log, "progress: iterations=%d exec/s=%.0f corpus=%d edges=%d crashes=%d\n",
				p.Iterations, p.ExecPerSec, p.CorpusSize, p.CoveredEdges, p.UniqueCrashes)
			progress := p
			in.Events.Emit(api.StatusEvent{
				Time:     now(),
				Type:     api.EventFuzzProgress,
				Run:      in.Run,
				Job:      in.Job,
				Step:     step.Name,
				Progress: &progress,
			})
		},
		OnCrash: func(r api.CrashReport) {
			fmt.Fprintf(&log, "crash: signature=%s severity=%s pc=%#x\n", r.Signature, r.Severity, r.PC)
			crash := r
			in.Events.Emit(api.StatusEvent{
				Time:    now(),
				Type:    api.EventCrashFound,
				Run:     in.Run,
				Job:     in.Job,
				Step:    step.Name,
				Message: fmt.Sprintf("unique crash %s (%s)", r.Signature, r.Severity),
				Crash:   &crash,
			})
		},
	})

	summary, err := campaign.Run(ctx, emu)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return executor.Result{}, err
		}
		return executor.Result{}, api.NewStepError(api.StepEmulatorFault, "campaign failed after %d iterations: %v", summary.Iterations, err)
	}

	fmt.Fprintf(&log, "finished: iterations=%d exec/s=%.0f corpus=%d edges=%d crashes=%d\n",
		summary.Iterations, summary.ExecPerSec, summary.CorpusSize, summary.CoveredEdges, len(summary.Crashes))

	result := executor.Result{Outputs: make(map[string]api.ArtifactRef)}

	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: encode campaign summary: %v", api.ErrEngineFatal, err)
	}
	summaryRef, err := in.Workspace.Put(ctx, fmt.Sprintf("%s/%s/summary.json", in.Job, step.Name), encoded)
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: store campaign summary: %v", api.ErrEngineFatal, err)
	}
	result.Outputs["summary"] = summaryRef
	for _, crash := range summary.Crashes {
		result.Outputs[fmt.Sprintf("crashes/%s", crash.Signature)] = crash.Input
	}

	logRef, err := in.Workspace.Put(ctx, fmt.Sprintf("%s/%s/log", in.Job, step.Name), []byte(log.String()))
	if err != nil {
		in.Log().Warn("failed to store campaign log", "job", in.Job, "step", step.Name, "error", err)
	} else {
		result.Log = logRef
	}
	return result, nil
}

// resolveTarget binds the step's project reference to a submitted binary
// and parses its addresses.
func resolveTarget(spec *api.FuzzStep, in executor.Input) (Target, error) {
	var project *api.Project
	for i := range in.Projects {
		if in.Projects[i].Name == spec.Project {
			project = &in.Projects[i]
			break
		}
	}
	if project == nil {
		return Target{}, api.NewStepError(api.StepEmulatorFault, "unknown project %q", spec.Project)
	}
	binary, ok := in.Files[project.Binary]
	if !ok {
		return Target{}, api.NewStepError(api.StepEmulatorFault, "binary %q for project %q was not submitted", project.Binary, project.Name)
	}

	function, err := parseAddr(spec.Function)
	if err != nil {
		return Target{}, api.NewStepError(api.StepEmulatorFault, "bad function address %q: %v", spec.Function, err)
	}
	inputAddr := uint64(defaultInputAddr)
	if spec.InputAddr != "" {
		if inputAddr, err = parseAddr(spec.InputAddr); err != nil {
			return Target{}, api.NewStepError(api.StepEmulatorFault, "bad input address %q: %v", spec.InputAddr, err)
		}
	}

	return Target{
		Project:   *project,
		Binary:    binary,
		Function:  function,
		InputAddr: inputAddr,
		Harness:   spec.Harness,
	}, nil
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

// campaignSeed keeps a campaign reproducible for a given run and attempt
// while letting retries explore differently.
func campaignSeed(in executor.Input, step *api.Step) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/%s/%d", in.Run, in.Job, step.Name, in.Attempt)
	return int64(h.Sum64())
}
