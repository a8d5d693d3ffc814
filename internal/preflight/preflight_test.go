// ABOUTME: Tests for the preflight validator
// ABOUTME: Runs the default policy against an httptest engine, including outage and timeout paths

package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/engine"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/metrics"
	"github.com/2389/consult-gateway/internal/modes"
	"github.com/2389/consult-gateway/internal/policy"
	"github.com/2389/consult-gateway/internal/retry"
)

func testPolicy(t *testing.T) *policy.Engine {
	t.Helper()
	p, err := policy.NewEngine(context.Background(), "", config.PolicyConfig{
		DefaultBudgetCeiling: 100,
		Tenants: map[string]config.TenantPolicy{
			"acme": {BudgetCeiling: 1000, AllowedTools: []string{"search"}},
		},
	})
	require.NoError(t, err)
	return p
}

func engineServer(t *testing.T, handler http.HandlerFunc) *engine.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return engine.New(config.EngineConfig{
		BaseURL:        srv.URL,
		MissionRoute:   "/mission",
		ConnectTimeout: time.Second,
	}, slog.Default())
}

func passingEngine(t *testing.T) *engine.Client {
	return engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(engine.PreflightResponse{
			Passed: true,
			Checks: []engine.PreflightCheck{
				{ID: "capacity", Name: "Capacity", Category: "resources", Status: "passed", Required: true},
			},
		})
	})
}

func fastRetry() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = time.Millisecond
	p.MaxInterval = 5 * time.Millisecond
	return p
}

func intent(budget float64) Intent {
	return Intent{
		MissionID: "m1",
		Goal:      "audit vendor contracts",
		Mode:      modes.Autonomous,
		TenantID:  "acme",
		UserID:    "u1",
		Options:   Options{BudgetLimit: budget, RequestedTools: []string{"search"}, RequestedAgents: 3},
	}
}

func byID(res Result) map[string]Check {
	out := make(map[string]Check, len(res.Checks))
	for _, c := range res.Checks {
		out[c.ID] = c
	}
	return out
}

func TestValidate_AllPass(t *testing.T) {
	m := metrics.New()
	v := NewValidator(passingEngine(t), testPolicy(t), time.Second, fastRetry(), m, slog.Default())

	res := v.Validate(context.Background(), intent(200))
	assert.True(t, res.Passed)

	checks := byID(res)
	for _, id := range []string{"budget", "tool_access", "agent_compatibility", "data_sources", "capacity"} {
		require.Contains(t, checks, id)
		assert.Equal(t, StatusPassed, checks[id].Status, id)
	}
}

func TestValidate_BudgetOverCeiling(t *testing.T) {
	v := NewValidator(passingEngine(t), testPolicy(t), time.Second, fastRetry(), nil, slog.Default())

	res := v.Validate(context.Background(), intent(5000))
	assert.False(t, res.Passed)

	budget := byID(res)["budget"]
	assert.Equal(t, StatusFailed, budget.Status)
	assert.True(t, budget.Required)
}

func TestValidate_EngineUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := engine.New(config.EngineConfig{BaseURL: url, ConnectTimeout: 200 * time.Millisecond}, slog.Default())
	v := NewValidator(client, testPolicy(t), time.Second, fastRetry(), nil, slog.Default())

	res := v.Validate(context.Background(), intent(200))
	assert.False(t, res.Passed)

	conn := byID(res)[CheckEngineConnectivity]
	assert.Equal(t, StatusFailed, conn.Status)
	assert.True(t, conn.Required)
	assert.NotEmpty(t, conn.Message)

	// Exactly one check describes the outage.
	failedUpstream := 0
	for _, c := range res.Checks {
		if c.Category == "connectivity" {
			failedUpstream++
		}
	}
	assert.Equal(t, 1, failedUpstream)
}

func TestValidate_EngineErrorStatusRetried(t *testing.T) {
	var calls atomic.Int32
	client := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	v := NewValidator(client, nil, time.Second, fastRetry(), nil, slog.Default())

	res := v.Validate(context.Background(), intent(10))
	assert.False(t, res.Passed)
	assert.Equal(t, "compute engine returned status 503", byID(res)[CheckEngineConnectivity].Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestValidate_Timeout(t *testing.T) {
	client := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	v := NewValidator(client, nil, 50*time.Millisecond, retry.Policy{}, nil, slog.Default())

	start := time.Now()
	res := v.Validate(context.Background(), intent(10))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Passed)
	assert.Equal(t, StatusFailed, byID(res)[CheckEngineConnectivity].Status)
}

func TestValidate_AdvisoryChecksDoNotBlock(t *testing.T) {
	client := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(engine.PreflightResponse{
			Passed: true,
			Checks: []engine.PreflightCheck{
				{ID: "cost_estimate", Status: "failed", Message: "estimate near budget", Required: false},
			},
		})
	})
	v := NewValidator(client, testPolicy(t), time.Second, fastRetry(), nil, slog.Default())

	res := v.Validate(context.Background(), intent(200))
	assert.True(t, res.Passed)
	assert.Equal(t, StatusFailed, byID(res)["cost_estimate"].Status)
}

func TestValidate_EngineVerdictWithoutFailingCheck(t *testing.T) {
	client := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(engine.PreflightResponse{Passed: false})
	})
	v := NewValidator(client, nil, time.Second, fastRetry(), nil, slog.Default())

	res := v.Validate(context.Background(), intent(10))
	assert.False(t, res.Passed)
	assert.Equal(t, StatusFailed, byID(res)[CheckEngineVerdict].Status)
}

func TestValidate_UnknownModeSkipsEngine(t *testing.T) {
	var calls atomic.Int32
	client := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	v := NewValidator(client, nil, time.Second, fastRetry(), nil, slog.Default())

	in := intent(10)
	in.Mode = 7
	res := v.Validate(context.Background(), in)
	assert.False(t, res.Passed)
	assert.Equal(t, StatusFailed, byID(res)[CheckMode].Status)
	assert.Zero(t, calls.Load())
}

type brokenPolicy struct{}

func (brokenPolicy) Checks(context.Context, policy.Input) ([]policy.Finding, error) {
	return nil, errors.New("rego: undefined")
}

func TestValidate_PolicyErrorFailsClosed(t *testing.T) {
	v := NewValidator(passingEngine(t), brokenPolicy{}, time.Second, fastRetry(), nil, slog.Default())

	res := v.Validate(context.Background(), intent(10))
	assert.False(t, res.Passed)
	assert.Equal(t, StatusFailed, byID(res)[CheckPolicy].Status)
}

func TestConnectivityMessage(t *testing.T) {
	assert.Contains(t, connectivityMessage(errs.Timeout("slow", context.DeadlineExceeded)), "in time")
	assert.Equal(t, "compute engine unreachable", connectivityMessage(errs.Upstream(errs.CodeUpstreamUnreachable, "dial", 0, nil)))
}

func TestOptionsMap(t *testing.T) {
	m := Options{BudgetLimit: 5, DataSources: []string{"crm"}, Extra: map[string]any{"priority": "high"}}.Map()
	assert.Equal(t, 5.0, m["budget_limit"])
	assert.Equal(t, []string{"crm"}, m["data_sources"])
	assert.Equal(t, "high", m["priority"])
	assert.NotContains(t, m, "tools")
}
