// ABOUTME: HTTP route table for the consult gateway
// ABOUTME: Mounts public health checks, the metrics endpoint and the identity-scoped API

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/consult-gateway/internal/auth"
)

// Handler returns the gateway's HTTP handler. Health checks and /metrics are
// public; every other route requires the identity headers.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	identified := auth.Middleware(g.verifier)
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, identified(h))
	}

	api("GET /modes", g.handleModes)
	api("POST /stream", g.handleStream)
	api("POST /preflight", g.handlePreflight)

	api("GET /checkpoint/{id}", g.handleGetCheckpoint)
	api("POST /checkpoint/{id}", g.handleRespondCheckpoint)

	api("GET /drafts", g.handleListDrafts)
	api("POST /drafts", g.handleCreateDraft)
	api("GET /drafts/{id}", g.handleGetDraft)
	api("PUT /drafts/{id}", g.handleUpdateDraft)
	api("DELETE /drafts/{id}", g.handleDeleteDraft)

	api("GET /missions/{id}", g.handleGetMission)
	api("DELETE /missions/{id}", g.handleCancelMission)
	api("GET /missions/{id}/events", g.handleMissionEvents)

	return g.observe(mux)
}

// statusRecorder captures the response status while keeping streaming working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush passes through so SSE handlers can flush each frame.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// observe records request counts and latency per matched route pattern.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		g.metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
	})
}
