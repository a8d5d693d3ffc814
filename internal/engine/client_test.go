// ABOUTME: Tests for the compute engine HTTP client
// ABOUTME: Uses httptest servers to verify headers, routes and error classification

package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/modes"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.EngineConfig{
		BaseURL:          srv.URL,
		APIKey:           "engine-key",
		InteractiveRoute: "/expert",
		MissionRoute:     "/mission",
		ConnectTimeout:   time.Second,
	}, slog.Default())
}

func TestOpenStream_HeadersAndRoute(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	var gotBody map[string]any

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: done\ndata: {}\n\n")
	}))

	body, err := c.OpenStream(context.Background(), modes.RouteInteractive,
		map[string]any{"mode": 1, "message": "hi"},
		Identity{TenantID: "t1", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()

	assert.Equal(t, "/expert/stream", gotPath)
	assert.Equal(t, "t1", gotHeaders.Get(HeaderTenantID))
	assert.Equal(t, "u1", gotHeaders.Get(HeaderUserID))
	assert.Equal(t, "s1", gotHeaders.Get(HeaderSessionID))
	assert.Equal(t, "Bearer engine-key", gotHeaders.Get("Authorization"))
	assert.Equal(t, "text/event-stream", gotHeaders.Get("Accept"))
	assert.Equal(t, "hi", gotBody["message"])
	assert.Contains(t, string(data), "event: done")
}

func TestOpenStream_NonSuccessStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	body, err := c.OpenStream(context.Background(), modes.RouteMission, nil, Identity{})
	require.Error(t, err)
	assert.Nil(t, body)

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindUpstream, e.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, e.Details["upstream_status"])
	assert.Equal(t, "overloaded", e.Details["upstream_body"])
}

func TestOpenStream_Unreachable(t *testing.T) {
	c := New(config.EngineConfig{BaseURL: "http://127.0.0.1:1", MissionRoute: "/mission"}, slog.Default())

	_, err := c.OpenStream(context.Background(), modes.RouteMission, nil, Identity{})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeUpstreamUnreachable))
}

func TestPreflight_DecodesChecks(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mission/preflight", r.URL.Path)
		var req PreflightRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.MissionID)
		assert.Equal(t, "t1", req.TenantID)

		_ = json.NewEncoder(w).Encode(PreflightResponse{
			Passed: true,
			Checks: []PreflightCheck{{ID: "budget_available", Status: "passed", Required: true}},
		})
	}))

	resp, err := c.Preflight(context.Background(), PreflightRequest{MissionID: "m1", Goal: "g", TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, resp.Passed)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "budget_available", resp.Checks[0].ID)
}

func TestPreflight_ContextDeadline(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Preflight(ctx, PreflightRequest{MissionID: "m1"})
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestRespondCheckpoint(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/hitl/checkpoint/cp-1/respond", r.URL.Path)
		var req RespondRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "approve", req.Action)
		assert.Equal(t, "m1", req.MissionID)
		_, _ = io.WriteString(w, `{"status":"running"}`)
	}))

	out, err := c.RespondCheckpoint(context.Background(), "cp-1",
		RespondRequest{Action: "approve", MissionID: "m1", UserID: "u1", Timestamp: time.Now()},
		Identity{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"running"}`, string(out))
}

func TestGetCheckpoint(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = io.WriteString(w, `{"id":"cp-1","status":"open"}`)
	}))

	out, err := c.GetCheckpoint(context.Background(), "cp-1", Identity{})
	require.NoError(t, err)
	assert.Equal(t, "open", out["status"])
}
