// ABOUTME: Mission feasibility checks run before any resources are committed
// ABOUTME: Merges the local policy battery with the compute engine's preflight verdict, failing closed

package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/consult-gateway/internal/engine"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/metrics"
	"github.com/2389/consult-gateway/internal/modes"
	"github.com/2389/consult-gateway/internal/policy"
	"github.com/2389/consult-gateway/internal/retry"
)

// DefaultTimeout bounds the whole upstream preflight exchange, retries included.
const DefaultTimeout = 3 * time.Second

// Status is a check outcome.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// Check IDs produced by the validator itself.
const (
	CheckEngineConnectivity = "engine_connectivity"
	CheckEngineVerdict      = "engine_verdict"
	CheckMode               = "mode"
	CheckPolicy             = "policy"
)

// Check is one feasibility check.
type Check struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
}

// Result is the verdict. Passed is the AND of all required checks.
type Result struct {
	Passed bool    `json:"passed"`
	Checks []Check `json:"checks"`
}

// Options are the feasibility-relevant mission options.
type Options struct {
	BudgetLimit     float64        `json:"budget_limit"`
	RequestedTools  []string       `json:"tools,omitempty"`
	RequestedAgents int            `json:"agents,omitempty"`
	DataSources     []string       `json:"data_sources,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Map renders the options as the engine expects them.
func (o Options) Map() map[string]any {
	m := make(map[string]any, len(o.Extra)+4)
	for k, v := range o.Extra {
		m[k] = v
	}
	m["budget_limit"] = o.BudgetLimit
	if len(o.RequestedTools) > 0 {
		m["tools"] = o.RequestedTools
	}
	if o.RequestedAgents > 0 {
		m["agents"] = o.RequestedAgents
	}
	if len(o.DataSources) > 0 {
		m["data_sources"] = o.DataSources
	}
	return m
}

// Intent is what a mission wants to do.
type Intent struct {
	MissionID string
	Goal      string
	Mode      modes.ID
	TenantID  string
	UserID    string
	Options   Options
}

// Engine is the compute engine preflight endpoint.
type Engine interface {
	Preflight(ctx context.Context, in engine.PreflightRequest) (*engine.PreflightResponse, error)
}

// Policy evaluates the local check battery.
type Policy interface {
	Checks(ctx context.Context, in policy.Input) ([]policy.Finding, error)
}

// Validator runs preflight checks.
type Validator struct {
	engine  Engine
	policy  Policy
	timeout time.Duration
	retry   retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewValidator creates a validator. A zero timeout uses DefaultTimeout.
func NewValidator(eng Engine, pol Policy, timeout time.Duration, rp retry.Policy, m *metrics.Metrics, logger *slog.Logger) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		engine:  eng,
		policy:  pol,
		timeout: timeout,
		retry:   rp,
		metrics: m,
		logger:  logger.With("component", "preflight"),
	}
}

// Validate never returns an error: every failure becomes a failed required check.
func (v *Validator) Validate(ctx context.Context, in Intent) Result {
	start := time.Now()

	mode, err := modes.Get(in.Mode)
	if err != nil {
		res := summarize([]Check{failed(CheckMode, "Execution mode", "mode", err.Error())})
		v.metrics.Preflight(false, time.Since(start))
		return res
	}

	checks := v.localChecks(ctx, in, mode)
	checks = append(checks, v.upstreamChecks(ctx, in)...)

	res := summarize(checks)
	v.metrics.Preflight(res.Passed, time.Since(start))
	v.logger.Info("preflight evaluated",
		"mission_id", in.MissionID,
		"tenant_id", in.TenantID,
		"mode", int(in.Mode),
		"passed", res.Passed,
		"checks", len(res.Checks),
	)
	return res
}

func (v *Validator) localChecks(ctx context.Context, in Intent, mode modes.Mode) []Check {
	if v.policy == nil {
		return nil
	}

	findings, err := v.policy.Checks(ctx, policy.Input{
		TenantID: in.TenantID,
		UserID:   in.UserID,
		Mode: policy.Mode{
			ID:           int(mode.ID),
			MaxAgents:    mode.MaxAgents,
			HITLRequired: mode.HITLRequired,
			HITLOptional: mode.HITLOptional,
		},
		BudgetLimit:     in.Options.BudgetLimit,
		RequestedTools:  in.Options.RequestedTools,
		RequestedAgents: in.Options.RequestedAgents,
		DataSources:     in.Options.DataSources,
		Options:         in.Options.Extra,
	})
	if err != nil {
		v.logger.Error("policy evaluation failed", "error", err)
		return []Check{failed(CheckPolicy, "Policy evaluation", "policy", "policy evaluation failed")}
	}

	checks := make([]Check, 0, len(findings))
	for _, f := range findings {
		status := StatusFailed
		if f.Passed {
			status = StatusPassed
		}
		checks = append(checks, Check{
			ID:       f.ID,
			Name:     f.Name,
			Category: f.Category,
			Status:   status,
			Message:  f.Message,
			Required: f.Required,
		})
	}
	return checks
}

func (v *Validator) upstreamChecks(ctx context.Context, in Intent) []Check {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req := engine.PreflightRequest{
		MissionID: in.MissionID,
		Goal:      in.Goal,
		TenantID:  in.TenantID,
		UserID:    in.UserID,
		Options:   in.Options.Map(),
	}

	res := retry.Do(ctx, v.retry, func(ctx context.Context) (*engine.PreflightResponse, error) {
		return v.engine.Preflight(ctx, req)
	})
	if !res.Ok() {
		v.logger.Warn("engine preflight unavailable",
			"mission_id", in.MissionID,
			"attempts", res.Attempts,
			"error", res.Err,
		)
		return []Check{failed(CheckEngineConnectivity, "Compute engine connectivity", "connectivity", connectivityMessage(res.Err))}
	}

	checks := make([]Check, 0, len(res.Value.Checks)+1)
	anyRequiredFailed := false
	for _, c := range res.Value.Checks {
		status := Status(c.Status)
		if status != StatusPassed {
			status = StatusFailed
			anyRequiredFailed = anyRequiredFailed || c.Required
		}
		checks = append(checks, Check{
			ID:       c.ID,
			Name:     c.Name,
			Category: c.Category,
			Status:   status,
			Message:  c.Message,
			Required: c.Required,
		})
	}

	// The engine's own verdict is authoritative even if its checks do not explain it.
	if !res.Value.Passed && !anyRequiredFailed {
		checks = append(checks, failed(CheckEngineVerdict, "Compute engine verdict", "engine", "compute engine rejected the mission"))
	}
	return checks
}

func connectivityMessage(err error) string {
	switch errs.KindOf(err) {
	case errs.KindTimeout:
		return "compute engine did not answer preflight in time"
	case errs.KindUpstream:
		if e, ok := errs.As(err); ok {
			if status, ok := e.Details["upstream_status"].(int); ok {
				return fmt.Sprintf("compute engine returned status %d", status)
			}
		}
		return "compute engine unreachable"
	default:
		return "compute engine preflight failed"
	}
}

func failed(id, name, category, message string) Check {
	return Check{ID: id, Name: name, Category: category, Status: StatusFailed, Message: message, Required: true}
}

func summarize(checks []Check) Result {
	passed := len(checks) > 0
	for _, c := range checks {
		if c.Required && c.Status != StatusPassed {
			passed = false
		}
	}
	return Result{Passed: passed, Checks: checks}
}
