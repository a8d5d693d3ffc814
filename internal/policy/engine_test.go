// ABOUTME: Tests for the OPA policy engine
// ABOUTME: Exercises the default rego module for preflight, HITL and rejection decisions

package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), "", config.PolicyConfig{
		DefaultBudgetCeiling: 100,
		Tenants: map[string]config.TenantPolicy{
			"acme": {
				BudgetCeiling:       500,
				AllowedTools:        []string{"search", "sql"},
				DataSources:         []string{"crm"},
				HITLBudgetThreshold: 200,
			},
		},
	})
	require.NoError(t, err)
	return e
}

func findingsByID(findings []Finding) map[string]Finding {
	out := make(map[string]Finding, len(findings))
	for _, f := range findings {
		out[f.ID] = f
	}
	return out
}

var autonomous = Mode{ID: 4, MaxAgents: 12, HITLOptional: true}

func TestChecks_AllPass(t *testing.T) {
	e := newTestEngine(t)

	findings, err := e.Checks(context.Background(), Input{
		TenantID:        "acme",
		Mode:            autonomous,
		BudgetLimit:     300,
		RequestedTools:  []string{"search"},
		RequestedAgents: 8,
		DataSources:     []string{"crm"},
	})
	require.NoError(t, err)
	require.Len(t, findings, 4)

	assert.Equal(t, "budget", findings[0].ID)
	for _, f := range findings {
		assert.True(t, f.Passed, "%s: %s", f.ID, f.Message)
		assert.True(t, f.Required)
	}
}

func TestChecks_Failures(t *testing.T) {
	e := newTestEngine(t)

	findings, err := e.Checks(context.Background(), Input{
		TenantID:        "acme",
		Mode:            Mode{ID: 3, MaxAgents: 5, HITLRequired: true},
		BudgetLimit:     900,
		RequestedTools:  []string{"search", "shell"},
		RequestedAgents: 7,
		DataSources:     []string{"hr"},
	})
	require.NoError(t, err)

	byID := findingsByID(findings)
	assert.False(t, byID["budget"].Passed)
	assert.Contains(t, byID["budget"].Message, "exceeds tenant ceiling")
	assert.False(t, byID["tool_access"].Passed)
	assert.Contains(t, byID["tool_access"].Message, "shell")
	assert.False(t, byID["agent_compatibility"].Passed)
	assert.False(t, byID["data_sources"].Passed)
}

func TestChecks_DefaultCeilingForUnknownTenant(t *testing.T) {
	e := newTestEngine(t)

	findings, err := e.Checks(context.Background(), Input{
		TenantID:       "globex",
		Mode:           autonomous,
		BudgetLimit:    150,
		RequestedTools: []string{"anything"},
	})
	require.NoError(t, err)

	byID := findingsByID(findings)
	assert.False(t, byID["budget"].Passed)
	// No allow-list configured means no tool restriction.
	assert.True(t, byID["tool_access"].Passed)
}

func TestChecks_AbsentBudgetUsesCeiling(t *testing.T) {
	e := newTestEngine(t)

	findings, err := e.Checks(context.Background(), Input{TenantID: "acme", Mode: Mode{ID: 3, MaxAgents: 5, HITLRequired: true}})
	require.NoError(t, err)

	byID := findingsByID(findings)
	assert.True(t, byID["budget"].Passed)
	assert.Equal(t, "no budget limit given, tenant ceiling applies", byID["budget"].Message)

	findings, err = e.Checks(context.Background(), Input{TenantID: "acme", Mode: autonomous, BudgetLimit: -5})
	require.NoError(t, err)
	byID = findingsByID(findings)
	assert.False(t, byID["budget"].Passed)
	assert.Equal(t, "budget limit must be positive", byID["budget"].Message)
}

func TestHITLEnabled(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"guided always", Input{TenantID: "acme", Mode: Mode{ID: 3, HITLRequired: true}, BudgetLimit: 1}, true},
		{"autonomous under threshold", Input{TenantID: "acme", Mode: autonomous, BudgetLimit: 50}, false},
		{"autonomous over threshold", Input{TenantID: "acme", Mode: autonomous, BudgetLimit: 250}, true},
		{"autonomous explicit opt-in", Input{TenantID: "globex", Mode: autonomous, BudgetLimit: 5,
			Options: map[string]any{"require_approval": true}}, true},
		{"direct never", Input{TenantID: "acme", Mode: Mode{ID: 1}, BudgetLimit: 999}, false},
		{"autonomous without budget takes the ceiling", Input{TenantID: "acme", Mode: autonomous}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.HITLEnabled(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalRejection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	got, err := e.TerminalRejection(ctx, Input{Mode: autonomous})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.TerminalRejection(ctx, Input{Mode: Mode{ID: 3}})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = e.TerminalRejection(ctx, Input{Mode: Mode{ID: 3}, Payload: map[string]any{"abort": true}})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestNewEngine_InvalidModule(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n\nallow if {", config.PolicyConfig{})
	assert.Error(t, err)
}
