package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
	"github.com/papforge/pap/pkg/client"
	"github.com/papforge/pap/pkg/run"
)

func testServer(t *testing.T) (*httptest.Server, *client.Client) {
	t.Helper()
	runs := run.NewRegistry(run.Options{
		Store:       artifact.NewMemoryStore(),
		ScratchRoot: t.TempDir(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = runs.Shutdown(ctx)
	})

	srv := New(Config{Runs: runs})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, client.New(ts.URL)
}

func echoSubmission() *api.SubmitContext {
	return &api.SubmitContext{Spec: api.PipelineSpec{
		Name: "echo",
		Jobs: []api.Job{{
			Name: "say",
			Steps: []api.Step{{
				Name:    "hello",
				Kind:    api.StepProcess,
				Process: &api.ProcessStep{Command: "/bin/sh", Args: []string{"-c", "echo served"}},
			}},
		}},
	}}
}

func TestSubmitStatusRoundTrip(t *testing.T) {
	_, c := testServer(t)
	ctx := context.Background()

	handle, err := c.Submit(ctx, echoSubmission())
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	snap, err := c.Wait(ctx, handle, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.PhaseCompleted, snap.Phase)
	assert.Equal(t, "echo", snap.Pipeline)

	snaps, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, handle, snaps[0].Handle)
}

func TestSubmitValidationFailure(t *testing.T) {
	_, c := testServer(t)

	sub := echoSubmission()
	sub.Spec.Jobs[0].Needs = []string{"ghost"}

	_, err := c.Submit(context.Background(), sub)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.CodeValidationFailed, apiErr.Code)
	require.NotNil(t, apiErr.Validation)
	assert.Equal(t, api.ValidationUnknownDependency, apiErr.Validation.Kind)
}

func TestSubmitMalformedBody(t *testing.T) {
	ts, _ := testServer(t)

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr api.Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)
}

func TestUnknownHandleIs404(t *testing.T) {
	_, c := testServer(t)

	_, err := c.Status(context.Background(), "no-such-run")
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.CodeUnknownHandle, apiErr.Code)
}

func TestEventStreamReplaysAndEnds(t *testing.T) {
	_, c := testServer(t)
	ctx := context.Background()

	handle, err := c.Submit(ctx, echoSubmission())
	require.NoError(t, err)
	_, err = c.Wait(ctx, handle, 50*time.Millisecond)
	require.NoError(t, err)

	var events []api.StatusEvent
	err = c.Events(ctx, handle, 0, func(ev api.StatusEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err, "stream ends cleanly at the terminal phase")
	require.NotEmpty(t, events)

	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	last := events[len(events)-1]
	assert.Equal(t, api.EventRunPhase, last.Type)
	assert.Equal(t, api.PhaseCompleted, last.Phase)

	// Resume after the midpoint: only the tail replays.
	mid := events[len(events)/2].Seq
	var tail []api.StatusEvent
	err = c.Events(ctx, handle, mid, func(ev api.StatusEvent) error {
		tail = append(tail, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, tail)
	assert.Equal(t, mid+1, tail[0].Seq)
}

func TestEventStreamLive(t *testing.T) {
	_, c := testServer(t)
	ctx := context.Background()

	sub := echoSubmission()
	sub.Spec.Jobs[0].Steps[0].Process.Args = []string{"-c", "sleep 0.3; echo done"}

	handle, err := c.Submit(ctx, sub)
	require.NoError(t, err)

	// Subscribe while the run is still executing and read to completion.
	var sawTerminal bool
	err = c.Events(ctx, handle, 0, func(ev api.StatusEvent) error {
		if ev.Type == api.EventRunPhase && ev.Phase.Terminal() {
			sawTerminal = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawTerminal)
}

func TestArtifactFetch(t *testing.T) {
	ts, c := testServer(t)
	ctx := context.Background()

	handle, err := c.Submit(ctx, echoSubmission())
	require.NoError(t, err)
	_, err = c.Wait(ctx, handle, 50*time.Millisecond)
	require.NoError(t, err)

	data, err := c.Artifact(ctx, handle, "say/hello/stdout")
	require.NoError(t, err)
	assert.Equal(t, "served\n", string(data))

	// The raw response carries the content hash.
	resp, err := http.Get(ts.URL + "/v1/runs/" + string(handle) + "/artifacts/say/hello/stdout")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, artifact.HashBytes(body), resp.Header.Get("X-Artifact-Hash"))

	_, err = c.Artifact(ctx, handle, "never/produced")
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.CodeArtifactNotFound, apiErr.Code)
}

func TestStepLogFetch(t *testing.T) {
	_, c := testServer(t)
	ctx := context.Background()

	handle, err := c.Submit(ctx, echoSubmission())
	require.NoError(t, err)
	_, err = c.Wait(ctx, handle, 50*time.Millisecond)
	require.NoError(t, err)

	log, err := c.StepLog(ctx, handle, "say", "hello")
	require.NoError(t, err)
	assert.Contains(t, string(log), "exec:")
}

func TestCancelAndDelete(t *testing.T) {
	_, c := testServer(t)
	ctx := context.Background()

	sub := echoSubmission()
	sub.Spec.Jobs[0].Steps[0].Process.Args = []string{"-c", "sleep 30"}

	handle, err := c.Submit(ctx, sub)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// Deleting a live run is a conflict.
	err = c.Delete(ctx, handle)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.CodeRunNotTerminal, apiErr.Code)

	require.NoError(t, c.Cancel(ctx, handle))
	snap, err := c.Wait(ctx, handle, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.PhaseCancelled, snap.Phase)

	require.NoError(t, c.Delete(ctx, handle))
	_, err = c.Status(ctx, handle)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.CodeUnknownHandle, apiErr.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts, c := testServer(t)
	ctx := context.Background()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	handle, err := c.Submit(ctx, echoSubmission())
	require.NoError(t, err)
	_, err = c.Wait(ctx, handle, 50*time.Millisecond)
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pap_http_requests_total")
	assert.Contains(t, string(body), `pap_runs_submitted_total{result="accepted"} 1`)
	assert.Contains(t, string(body), "pap_runs_active 0", "the terminal run no longer counts as active")
}

func TestActiveRunsGaugeTracksLiveRuns(t *testing.T) {
	ts, c := testServer(t)
	ctx := context.Background()

	scrape := func() string {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	sub := echoSubmission()
	sub.Spec.Jobs[0].Steps[0].Process.Args = []string{"-c", "sleep 30"}
	handle, err := c.Submit(ctx, sub)
	require.NoError(t, err)

	assert.Contains(t, scrape(), "pap_runs_active 1")

	require.NoError(t, c.Cancel(ctx, handle))
	_, err = c.Wait(ctx, handle, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Contains(t, scrape(), "pap_runs_active 0")
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{run.ErrUnknownHandle, api.CodeUnknownHandle},
		{run.ErrNotTerminal, api.CodeRunNotTerminal},
		{artifact.ErrNotFound, api.CodeArtifactNotFound},
		{artifact.ErrCorrupt, api.CodeArtifactCorrupt},
		{&api.ValidationError{Kind: api.ValidationCycle}, api.CodeValidationFailed},
		{errors.New("wat"), api.CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, mapError(tc.err).Code)
	}
}
