package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papforge/pap/pkg/api"
)

// sseHandler serves canned event stream responses keyed by the after
// query parameter.
func sseHandler(t *testing.T, pages map[string][]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		frames, ok := pages[after]
		if !ok {
			t.Errorf("unexpected stream request with after=%q", after)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprint(w, frame)
		}
	}
}

func eventFrame(seq uint64, typ api.EventType) string {
	return fmt.Sprintf("id: %d\nevent: %s\ndata: {\"seq\":%d,\"type\":%q}\n\n", seq, typ, seq, typ)
}

func TestEventsEndsAtTerminalFrame(t *testing.T) {
	ts := httptest.NewServer(sseHandler(t, map[string][]string{
		"0": {
			eventFrame(1, api.EventJobState),
			eventFrame(2, api.EventRunPhase),
			"event: end\ndata: {}\n\n",
		},
	}))
	defer ts.Close()

	var seqs []uint64
	err := New(ts.URL).Events(context.Background(), "run-1", 0, func(ev api.StatusEvent) error {
		seqs = append(seqs, ev.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs)
}

func TestEventsReconnectsWhenCutForLag(t *testing.T) {
	ts := httptest.NewServer(sseHandler(t, map[string][]string{
		"0": {
			eventFrame(1, api.EventJobState),
			eventFrame(2, api.EventFuzzProgress),
			"event: lagged\ndata: {}\n\n",
		},
		"2": {
			eventFrame(3, api.EventRunPhase),
			"event: end\ndata: {}\n\n",
		},
	}))
	defer ts.Close()

	var seqs []uint64
	err := New(ts.URL).Events(context.Background(), "run-1", 0, func(ev api.StatusEvent) error {
		seqs = append(seqs, ev.Seq)
		return nil
	})
	require.NoError(t, err, "a lag cut resumes from the last seen sequence")
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestEventsSurfacesServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":"unknown_handle","message":"unknown run handle"}`)
	}))
	defer ts.Close()

	err := New(ts.URL).Events(context.Background(), "missing", 0, func(api.StatusEvent) error { return nil })
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.CodeUnknownHandle, apiErr.Code)
}
