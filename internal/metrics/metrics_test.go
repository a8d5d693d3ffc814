package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	end := m.StreamStarted("interactive")
	end("done")
	m.StreamEvent("token")
	m.Preflight(true, time.Millisecond)
	m.CheckpointOpened()
	m.CheckpointOutcome("approve", "ok")
	m.MissionTransition("running")
	m.ObserveHTTP("GET", "/modes", 200, time.Millisecond)
}

func TestStreamLifecycle(t *testing.T) {
	m := New()

	end := m.StreamStarted("mission")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsActive.WithLabelValues("mission")))

	end("done")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streamsActive.WithLabelValues("mission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsTotal.WithLabelValues("mission", "done")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.StreamEvent("token")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "consult_gateway_stream_events_total")
}
