package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/client"
)

// ScenarioConfig defines the parameters for one end-to-end scenario
// against a freshly spawned pap-server process.
type ScenarioConfig struct {
	Name        string
	Description string
	// Setup may stage policy modules or store directories and returns
	// overrides merged into the server config.
	Setup      func(t *testing.T) map[string]interface{}
	Run        func(t *testing.T, c *client.Client)
	VerifyLogs func(t *testing.T, stdout, stderr string)
}

func TestScenarios(t *testing.T) {
	if testing.Short() {
		t.Skip("scenario tests spawn a server binary")
	}

	// Build the binary first to ensure we are testing latest code.
	binPath := filepath.Join(t.TempDir(), "pap-server-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, "../../cmd/pap-server")
	buildCmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build pap-server binary: %v\nOutput: %s", err, out)
	}

	port := 18090

	tests := []ScenarioConfig{
		{
			Name:        "Scenario 1: Process Pipeline",
			Description: "A two-job chain runs to completion and publishes artifacts",
			Run: func(t *testing.T, c *client.Client) {
				ctx := context.Background()
				handle, err := c.Submit(ctx, &api.SubmitContext{Spec: api.PipelineSpec{
					Name: "chain",
					Jobs: []api.Job{
						{
							Name: "extract",
							Steps: []api.Step{{
								Name: "strings",
								Kind: api.StepProcess,
								Process: &api.ProcessStep{
									Command: "/bin/sh",
									Args:    []string{"-c", "echo region-table > out/report.txt"},
								},
							}},
						},
						{
							Name:  "summarize",
							Needs: []string{"extract"},
							Steps: []api.Step{{
								Name: "count",
								Kind: api.StepProcess,
								Process: &api.ProcessStep{
									Command: "/bin/sh",
									Args:    []string{"-c", "wc -l < report.txt"},
								},
							}},
						},
					},
				}})
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				snap, err := c.Wait(ctx, handle, 100*time.Millisecond)
				if err != nil {
					t.Fatalf("wait: %v", err)
				}
				if snap.Phase != api.PhaseCompleted {
					t.Fatalf("expected completed run, got %s (%s)", snap.Phase, snap.Error)
				}
				report, err := c.Artifact(ctx, handle, "extract/strings/report.txt")
				if err != nil {
					t.Fatalf("fetch artifact: %v", err)
				}
				if string(report) != "region-table\n" {
					t.Errorf("unexpected report content: %q", report)
				}
				stdout, err := c.Artifact(ctx, handle, "summarize/count/stdout")
				if err != nil {
					t.Fatalf("fetch stdout: %v", err)
				}
				if !strings.Contains(string(stdout), "1") {
					t.Errorf("expected line count 1, got %q", stdout)
				}
			},
		},
		{
			Name:        "Scenario 2: Admission Policy",
			Description: "A rego module rejects oversized pipelines at submission",
			Setup: func(t *testing.T) map[string]interface{} {
				policyDir := t.TempDir()
				module := `package pap.admission

import rego.v1

deny contains msg if {
	count(input.spec.jobs) > 2
	msg := sprintf("pipeline has %d jobs, limit is 2", [count(input.spec.jobs)])
}
`
				if err := os.WriteFile(filepath.Join(policyDir, "limits.rego"), []byte(module), 0o644); err != nil {
					t.Fatalf("write policy module: %v", err)
				}
				return map[string]interface{}{
					"policy": map[string]interface{}{"dir": policyDir},
				}
			},
			Run: func(t *testing.T, c *client.Client) {
				ctx := context.Background()
				jobs := make([]api.Job, 3)
				for i := range jobs {
					jobs[i] = api.Job{
						Name: fmt.Sprintf("job-%d", i),
						Steps: []api.Step{{
							Name:    "noop",
							Kind:    api.StepProcess,
							Process: &api.ProcessStep{Command: "/bin/true"},
						}},
					}
				}
				_, err := c.Submit(ctx, &api.SubmitContext{Spec: api.PipelineSpec{Name: "big", Jobs: jobs}})
				apiErr, ok := err.(*api.Error)
				if !ok {
					t.Fatalf("expected an api error, got %v", err)
				}
				if apiErr.Code != api.CodeValidationFailed {
					t.Fatalf("expected validation_failed, got %s", apiErr.Code)
				}
				if apiErr.Validation == nil || apiErr.Validation.Kind != api.ValidationPolicyDenied {
					t.Fatalf("expected policy denial detail, got %+v", apiErr.Validation)
				}

				// A two-job pipeline passes the same gate.
				handle, err := c.Submit(ctx, &api.SubmitContext{Spec: api.PipelineSpec{Name: "small", Jobs: jobs[:2]}})
				if err != nil {
					t.Fatalf("submit within limit: %v", err)
				}
				if _, err := c.Wait(ctx, handle, 100*time.Millisecond); err != nil {
					t.Fatalf("wait: %v", err)
				}
			},
		},
		{
			Name:        "Scenario 3: Fuzz Campaign",
			Description: "A bounded campaign streams progress and stores a summary",
			Run: func(t *testing.T, c *client.Client) {
				ctx := context.Background()
				binary := make([]byte, 64)
				binary[0], binary[1], binary[2], binary[3] = 0xde, 0xad, 0xbe, 0xef
				for i := 4; i < len(binary); i++ {
					binary[i] = byte(i * 17)
				}

				handle, err := c.Submit(ctx, &api.SubmitContext{
					Spec: api.PipelineSpec{
						Name: "campaign",
						Projects: []api.Project{{
							Name:   "fw",
							Binary: "fw.bin",
							Arch:   "armv7",
							Loader: &api.LoaderConfig{BaseAddress: 0x8000000},
						}},
						Jobs: []api.Job{{
							Name: "hunt",
							Steps: []api.Step{{
								Name: "fuzz",
								Kind: api.StepFuzz,
								Fuzz: &api.FuzzStep{
									Project:       "fw",
									Function:      "0x8000010",
									MaxIterations: 2000,
								},
							}},
						}},
					},
					Files: map[string][]byte{"fw.bin": binary},
				})
				if err != nil {
					t.Fatalf("submit: %v", err)
				}

				var sawProgress bool
				err = c.Events(ctx, handle, 0, func(ev api.StatusEvent) error {
					if ev.Type == api.EventFuzzProgress && ev.Progress != nil {
						sawProgress = true
					}
					return nil
				})
				if err != nil {
					t.Fatalf("event stream: %v", err)
				}
				if !sawProgress {
					t.Error("campaign emitted no progress events")
				}

				snap, err := c.Status(ctx, handle)
				if err != nil {
					t.Fatalf("status: %v", err)
				}
				if snap.Phase != api.PhaseCompleted {
					t.Fatalf("expected completed campaign, got %s (%s)", snap.Phase, snap.Error)
				}
				summary, err := c.Artifact(ctx, handle, "hunt/fuzz/summary.json")
				if err != nil {
					t.Fatalf("fetch summary: %v", err)
				}
				if !strings.Contains(string(summary), "iterations") {
					t.Errorf("summary missing iteration count: %s", summary)
				}
			},
		},
		{
			Name:        "Scenario 4: Fail-Fast Skip",
			Description: "A failing job skips its dependents and fails the run",
			Run: func(t *testing.T, c *client.Client) {
				ctx := context.Background()
				handle, err := c.Submit(ctx, &api.SubmitContext{Spec: api.PipelineSpec{
					Name: "brittle",
					Jobs: []api.Job{
						{
							Name: "broken",
							Steps: []api.Step{{
								Name:    "boom",
								Kind:    api.StepProcess,
								Process: &api.ProcessStep{Command: "/bin/sh", Args: []string{"-c", "exit 7"}},
							}},
						},
						{
							Name:  "downstream",
							Needs: []string{"broken"},
							Steps: []api.Step{{
								Name:    "never",
								Kind:    api.StepProcess,
								Process: &api.ProcessStep{Command: "/bin/true"},
							}},
						},
					},
				}})
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				snap, err := c.Wait(ctx, handle, 100*time.Millisecond)
				if err != nil {
					t.Fatalf("wait: %v", err)
				}
				if snap.Phase != api.PhaseFailed {
					t.Fatalf("expected failed run, got %s", snap.Phase)
				}
				states := map[string]api.RunState{}
				for _, job := range snap.Jobs {
					states[job.Name] = job.State
				}
				if states["broken"] != api.StateFailed {
					t.Errorf("expected broken=failed, got %s", states["broken"])
				}
				if states["downstream"] != api.StateSkipped {
					t.Errorf("expected downstream=skipped, got %s", states["downstream"])
				}
			},
		},
		{
			Name:        "Scenario 5: Observability",
			Description: "The server emits structured JSON logs",
			Run: func(t *testing.T, c *client.Client) {
				ctx := context.Background()
				handle, err := c.Submit(ctx, &api.SubmitContext{Spec: api.PipelineSpec{
					Name: "obs",
					Jobs: []api.Job{{
						Name: "noop",
						Steps: []api.Step{{
							Name:    "true",
							Kind:    api.StepProcess,
							Process: &api.ProcessStep{Command: "/bin/true"},
						}},
					}},
				}})
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				if _, err := c.Wait(ctx, handle, 100*time.Millisecond); err != nil {
					t.Fatalf("wait: %v", err)
				}
			},
			VerifyLogs: func(t *testing.T, stdout, stderr string) {
				logs := stdout + stderr
				if !strings.Contains(logs, `"level":"INFO"`) && !strings.Contains(logs, `"level":"info"`) {
					t.Error("logs missing level field")
				}
				if !strings.Contains(logs, `"msg":`) {
					t.Error("logs missing message field")
				}
				foundJSON := false
				for _, line := range strings.Split(logs, "\n") {
					if strings.HasPrefix(strings.TrimSpace(line), "{") {
						foundJSON = true
						break
					}
				}
				if !foundJSON {
					t.Error("did not find any JSON log lines")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			overrides := map[string]interface{}{}
			if tt.Setup != nil {
				overrides = tt.Setup(t)
			}

			addr := fmt.Sprintf("127.0.0.1:%d", port)
			port++

			cfg := map[string]interface{}{
				"server":  map[string]interface{}{"address": addr},
				"storage": map[string]interface{}{"scratch": t.TempDir()},
				"logging": map[string]interface{}{"level": "info"},
			}
			for k, v := range overrides {
				cfg[k] = v
			}
			configPath := writeTempConfig(t, cfg)

			cmd := exec.Command(binPath, "--config", configPath)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if err := cmd.Start(); err != nil {
				t.Fatalf("Failed to start pap-server: %v", err)
			}
			defer func() {
				if cmd.Process != nil {
					_ = cmd.Process.Signal(os.Interrupt)
					_ = cmd.Wait()
				}
			}()

			c := client.New("http://" + addr)
			waitForServer(t, c, &stdout, &stderr)

			tt.Run(t, c)

			if tt.VerifyLogs != nil {
				// Flush before reading log buffers.
				_ = cmd.Process.Signal(os.Interrupt)
				_ = cmd.Wait()
				cmd.Process = nil
				tt.VerifyLogs(t, stdout.String(), stderr.String())
			}

			if t.Failed() {
				t.Logf("Server Stdout:\n%s", stdout.String())
				t.Logf("Server Stderr:\n%s", stderr.String())
			}
		})
	}
}

func writeTempConfig(t *testing.T, cfg map[string]interface{}) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "pap_config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func waitForServer(t *testing.T, c *client.Client, stdout, stderr *bytes.Buffer) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := c.List(ctx)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start\nStdout:\n%s\nStderr:\n%s", stdout.String(), stderr.String())
}
