package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exposed by the service endpoint.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	runsSubmitted *prometheus.CounterVec
	eventsStreams prometheus.Gauge

	activeRunsWired bool
	registry        *prometheus.Registry
}

// NewMetrics creates and registers the service metrics on a private
// registry, keeping the scrape surface limited to what PAP owns.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pap_http_requests_total",
				Help: "Total HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pap_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		runsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pap_runs_submitted_total",
				Help: "Run submissions by result",
			},
			[]string{"result"},
		),
		eventsStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pap_event_streams_active",
				Help: "Open status event streams",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.runsSubmitted,
		m.eventsStreams,
	)
	return m
}

// ObserveActiveRuns registers a gauge whose value is read from fn at
// scrape time. Registering twice on the same Metrics is a no-op.
func (m *Metrics) ObserveActiveRuns(fn func() float64) {
	if m.activeRunsWired {
		return
	}
	m.activeRunsWired = true
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pap_runs_active",
			Help: "Runs currently executing",
		},
		fn,
	))
}

// Handler returns the scrape endpoint for this metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one finished request.
func (m *Metrics) RecordRequest(route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordSubmission counts one submission attempt by result.
func (m *Metrics) RecordSubmission(result string) {
	m.runsSubmitted.WithLabelValues(result).Inc()
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
