// ABOUTME: OPA policy engine behind preflight checks and checkpoint decisions
// ABOUTME: Evaluates a rego module with per-tenant data merged into the input document

package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/2389/consult-gateway/internal/config"
)

//go:embed default.rego
var DefaultPolicy string

const (
	queryChecks   = "data.consult.policy.checks"
	queryHITL     = "data.consult.policy.hitl_enabled"
	queryTerminal = "data.consult.policy.terminal_rejection"
)

// Mode is the mode description handed to the policy.
type Mode struct {
	ID           int  `json:"id"`
	MaxAgents    int  `json:"max_agents"`
	HITLRequired bool `json:"hitl_required"`
	HITLOptional bool `json:"hitl_optional"`
}

// Input is the request document evaluated by the policy.
type Input struct {
	TenantID        string         `json:"tenant_id"`
	UserID          string         `json:"user_id"`
	Mode            Mode           `json:"mode"`
	BudgetLimit     float64        `json:"budget_limit"`
	RequestedTools  []string       `json:"requested_tools,omitempty"`
	RequestedAgents int            `json:"requested_agents,omitempty"`
	DataSources     []string       `json:"data_sources,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
	// Payload carries a checkpoint response body for rejection decisions.
	Payload map[string]any `json:"payload,omitempty"`
}

// Finding is one local preflight check result.
type Finding struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
}

// Engine evaluates prepared rego queries.
type Engine struct {
	checks   rego.PreparedEvalQuery
	hitl     rego.PreparedEvalQuery
	terminal rego.PreparedEvalQuery

	tenants        map[string]config.TenantPolicy
	defaultCeiling float64
}

// NewEngine prepares the given rego module. An empty module uses DefaultPolicy.
func NewEngine(ctx context.Context, module string, cfg config.PolicyConfig) (*Engine, error) {
	if module == "" {
		module = DefaultPolicy
	}

	prepare := func(query string) (rego.PreparedEvalQuery, error) {
		r := rego.New(
			rego.Query(query),
			rego.Module("consult_policy.rego", module),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return rego.PreparedEvalQuery{}, fmt.Errorf("preparing %s: %w", query, err)
		}
		return pq, nil
	}

	e := &Engine{
		tenants:        cfg.Tenants,
		defaultCeiling: cfg.DefaultBudgetCeiling,
	}

	var err error
	if e.checks, err = prepare(queryChecks); err != nil {
		return nil, err
	}
	if e.hitl, err = prepare(queryHITL); err != nil {
		return nil, err
	}
	if e.terminal, err = prepare(queryTerminal); err != nil {
		return nil, err
	}

	return e, nil
}

// document converts in into the generic input document with tenant data attached.
func (e *Engine) document(in Input) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding policy input: %w", err)
	}

	tenant := e.tenants[in.TenantID]
	if tenant.BudgetCeiling == 0 {
		tenant.BudgetCeiling = e.defaultCeiling
	}
	doc["tenant"] = map[string]any{
		"budget_ceiling":        tenant.BudgetCeiling,
		"allowed_tools":         nonNil(tenant.AllowedTools),
		"data_sources":          nonNil(tenant.DataSources),
		"hitl_budget_threshold": tenant.HITLBudgetThreshold,
	}
	return doc, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (e *Engine) eval(ctx context.Context, q rego.PreparedEvalQuery, in Input) (any, error) {
	doc, err := e.document(in)
	if err != nil {
		return nil, err
	}

	results, err := q.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("evaluating policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	return results[0].Expressions[0].Value, nil
}

// Checks evaluates the local preflight battery.
func (e *Engine) Checks(ctx context.Context, in Input) ([]Finding, error) {
	val, err := e.eval(ctx, e.checks, in)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, fmt.Errorf("policy produced no checks")
	}

	// Round-trip through JSON to decode the generic rego value.
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("encoding checks: %w", err)
	}
	var findings []Finding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("decoding checks: %w", err)
	}
	return findings, nil
}

// HITLEnabled reports whether checkpoints are in force for the mission.
func (e *Engine) HITLEnabled(ctx context.Context, in Input) (bool, error) {
	return e.boolean(ctx, e.hitl, in)
}

// TerminalRejection reports whether rejecting a checkpoint ends the mission.
func (e *Engine) TerminalRejection(ctx context.Context, in Input) (bool, error) {
	return e.boolean(ctx, e.terminal, in)
}

func (e *Engine) boolean(ctx context.Context, q rego.PreparedEvalQuery, in Input) (bool, error) {
	val, err := e.eval(ctx, q, in)
	if err != nil {
		return false, err
	}
	b, ok := val.(bool)
	if !ok {
		return false, nil
	}
	return b, nil
}
