// ABOUTME: Prometheus instruments for streams, preflight, checkpoints and missions
// ABOUTME: All methods are safe on a nil *Metrics so components can run without metrics

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "consult_gateway"

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	streamsActive      *prometheus.GaugeVec
	streamsTotal       *prometheus.CounterVec
	streamEvents       *prometheus.CounterVec
	preflightTotal     *prometheus.CounterVec
	preflightDuration  prometheus.Histogram
	checkpointsOpened  prometheus.Counter
	checkpointOutcomes *prometheus.CounterVec
	missionStatus      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		streamsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "streams_active",
			Help: "Upstream streams currently being relayed.",
		}, []string{"route"}),
		streamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_total",
			Help: "Relayed streams by route and how they ended.",
		}, []string{"route", "outcome"}),
		streamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_events_total",
			Help: "Stream events forwarded by type.",
		}, []string{"type"}),
		preflightTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "preflight_total",
			Help: "Preflight validations by result.",
		}, []string{"result"}),
		preflightDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "preflight_duration_seconds",
			Help:    "Preflight validation latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5},
		}),
		checkpointsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_opened_total",
			Help: "Checkpoints raised by the compute engine.",
		}),
		checkpointOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_outcomes_total",
			Help: "Checkpoint resolution attempts by action and result.",
		}, []string{"action", "result"}),
		missionStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mission_transitions_total",
			Help: "Mission status transitions by target status.",
		}, []string{"status"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Client HTTP requests by route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Time to complete client HTTP requests, including streams.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StreamStarted marks a stream as active and returns the func that ends it.
func (m *Metrics) StreamStarted(route string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.streamsActive.WithLabelValues(route).Inc()
	return func(outcome string) {
		m.streamsActive.WithLabelValues(route).Dec()
		m.streamsTotal.WithLabelValues(route, outcome).Inc()
	}
}

// StreamRejected counts a stream that never opened.
func (m *Metrics) StreamRejected(route, reason string) {
	if m == nil {
		return
	}
	m.streamsTotal.WithLabelValues(route, reason).Inc()
}

// StreamEvent counts one forwarded event.
func (m *Metrics) StreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(eventType).Inc()
}

// Preflight records one validation.
func (m *Metrics) Preflight(passed bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.preflightTotal.WithLabelValues(result).Inc()
	m.preflightDuration.Observe(d.Seconds())
}

// CheckpointOpened counts a new checkpoint.
func (m *Metrics) CheckpointOpened() {
	if m == nil {
		return
	}
	m.checkpointsOpened.Inc()
}

// CheckpointOutcome counts a resolution attempt.
func (m *Metrics) CheckpointOutcome(action, result string) {
	if m == nil {
		return
	}
	m.checkpointOutcomes.WithLabelValues(action, result).Inc()
}

// MissionTransition counts a mission entering status.
func (m *Metrics) MissionTransition(status string) {
	if m == nil {
		return
	}
	m.missionStatus.WithLabelValues(status).Inc()
}

// ObserveHTTP records a finished client request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
