// Package server exposes the run registry over HTTP: JSON request/response
// bodies for the RPC operations and server-sent events for status streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
	"github.com/papforge/pap/pkg/run"
)

// Config holds the server dependencies.
type Config struct {
	Address string
	Runs    *run.Registry
	Logger  *slog.Logger
	// Metrics defaults to a fresh registry when nil.
	Metrics *Metrics
}

// Server is the PAP service endpoint.
type Server struct {
	runs    *run.Registry
	logger  *slog.Logger
	metrics *Metrics
	httpSrv *http.Server
}

// New creates a server ready to Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg.Runs != nil {
		metrics.ObserveActiveRuns(func() float64 { return float64(cfg.Runs.ActiveRuns()) })
	}
	s := &Server{runs: cfg.Runs, logger: logger, metrics: metrics}
	s.httpSrv = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full route table. Exposed for tests driving the
// server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/runs", s.instrument("submit", s.handleSubmit))
	mux.Handle("GET /v1/runs", s.instrument("list", s.handleList))
	mux.Handle("GET /v1/runs/{handle}", s.instrument("status", s.handleStatus))
	mux.Handle("POST /v1/runs/{handle}/cancel", s.instrument("cancel", s.handleCancel))
	mux.Handle("DELETE /v1/runs/{handle}", s.instrument("delete", s.handleDelete))
	mux.Handle("GET /v1/runs/{handle}/events", s.instrument("events", s.handleEvents))
	mux.Handle("GET /v1/runs/{handle}/artifacts/{key...}", s.instrument("artifact", s.handleArtifact))
	mux.Handle("GET /v1/runs/{handle}/jobs/{job}/steps/{step}/log", s.instrument("steplog", s.handleStepLog))

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return otelhttp.NewHandler(mux, "pap.server")
}

// Start serves until Shutdown or listener failure.
func (s *Server) Start() error {
	s.logger.Info("server listening", "address", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		h(rec, r)
		s.metrics.RecordRequest(route, rec.code, time.Since(start))
	})
}

// submitResponse is the body returned for accepted submissions.
type submitResponse struct {
	Handle api.RunHandle `json:"handle"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub api.SubmitContext
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, &api.Error{Code: api.CodeBadRequest, Message: fmt.Sprintf("decode submission: %v", err)})
		return
	}

	handle, err := s.runs.Submit(r.Context(), &sub)
	if err != nil {
		s.metrics.RecordSubmission("rejected")
		s.writeError(w, mapError(err))
		return
	}
	s.metrics.RecordSubmission("accepted")
	s.writeJSON(w, http.StatusAccepted, submitResponse{Handle: handle})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runs.Get(api.RunHandle(r.PathValue("handle")))
	if err != nil {
		s.writeError(w, mapError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Cancel(api.RunHandle(r.PathValue("handle"))); err != nil {
		s.writeError(w, mapError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Delete(r.Context(), api.RunHandle(r.PathValue("handle"))); err != nil {
		s.writeError(w, mapError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams status events as SSE. Each event's data is the
// JSON StatusEvent; the SSE id carries the sequence for resumption via
// the Last-Event-ID header or an after query parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, &api.Error{Code: api.CodeBadRequest, Message: "after must be an unsigned integer"})
			return
		}
		after = parsed
	} else if v := r.Header.Get("Last-Event-ID"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			after = parsed
		}
	}

	sub, err := s.runs.Events(api.RunHandle(r.PathValue("handle")), after)
	if err != nil {
		s.writeError(w, mapError(err))
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	s.metrics.eventsStreams.Inc()
	defer s.metrics.eventsStreams.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					// The consumer fell behind the live run; it must
					// reconnect with after set to its last seen sequence.
					fmt.Fprint(w, "event: lagged\ndata: {}\n\n")
				} else {
					// Stream is finite: the run reached a terminal phase.
					fmt.Fprint(w, "event: end\ndata: {}\n\n")
				}
				if flusher != nil {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode status event", "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	data, ref, err := s.runs.Artifact(r.Context(), api.RunHandle(r.PathValue("handle")), r.PathValue("key"))
	if err != nil {
		s.writeError(w, mapError(err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Artifact-Hash", ref.Hash)
	if ref.Name != "" {
		w.Header().Set("X-Artifact-Name", ref.Name)
	}
	_, _ = w.Write(data)
}

func (s *Server) handleStepLog(w http.ResponseWriter, r *http.Request) {
	data, err := s.runs.StepLog(r.Context(),
		api.RunHandle(r.PathValue("handle")),
		r.PathValue("job"),
		r.PathValue("step"),
	)
	if err != nil {
		s.writeError(w, mapError(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, apiErr *api.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(apiErr.Code))
	_ = json.NewEncoder(w).Encode(apiErr)
}

// mapError converts internal errors into the wire error envelope.
func mapError(err error) *api.Error {
	var verr *api.ValidationError
	switch {
	case errors.As(err, &verr):
		return &api.Error{Code: api.CodeValidationFailed, Message: verr.Error(), Validation: verr}
	case errors.Is(err, run.ErrUnknownHandle):
		return &api.Error{Code: api.CodeUnknownHandle, Message: err.Error()}
	case errors.Is(err, run.ErrNotTerminal):
		return &api.Error{Code: api.CodeRunNotTerminal, Message: err.Error()}
	case errors.Is(err, artifact.ErrNotFound):
		return &api.Error{Code: api.CodeArtifactNotFound, Message: err.Error()}
	case errors.Is(err, artifact.ErrCorrupt):
		return &api.Error{Code: api.CodeArtifactCorrupt, Message: err.Error()}
	default:
		return &api.Error{Code: api.CodeInternal, Message: err.Error()}
	}
}

func statusFor(code string) int {
	switch code {
	case api.CodeUnknownHandle, api.CodeArtifactNotFound:
		return http.StatusNotFound
	case api.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case api.CodeRunNotTerminal:
		return http.StatusConflict
	case api.CodeBadRequest:
		return http.StatusBadRequest
	case api.CodeArtifactCorrupt:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
