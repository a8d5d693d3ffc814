// ABOUTME: HITL checkpoint protocol: open, respond, await and expire checkpoints
// ABOUTME: Resolution is single-writer per checkpoint via a keyed mutex plus a versioned store claim

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/engine"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/metrics"
	"github.com/2389/consult-gateway/internal/modes"
	"github.com/2389/consult-gateway/internal/policy"
	"github.com/2389/consult-gateway/internal/retry"
	"github.com/2389/consult-gateway/internal/store"
)

// DefaultTTL applies when the engine sends no deadline.
const DefaultTTL = 30 * time.Minute

// systemActor resolves checkpoints nobody answered.
const systemActor = "system"

// missionActor closes checkpoints whose mission ended while they were open.
const missionActor = "mission"

// Action is a human decision on a checkpoint.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionModify  Action = "modify"
)

var actionStatus = map[Action]store.CheckpointStatus{
	ActionApprove: store.CheckpointApproved,
	ActionReject:  store.CheckpointRejected,
	ActionModify:  store.CheckpointModified,
}

// Payload carries the action's arguments.
type Payload struct {
	Option        string          `json:"option,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
	// Abort asks for the whole mission to stop on rejection.
	Abort bool `json:"abort,omitempty"`
}

// Actor identifies the caller.
type Actor struct {
	TenantID string
	UserID   string
}

// Decision is a resolved checkpoint and what it means for its mission.
type Decision struct {
	Checkpoint    *store.Checkpoint   `json:"checkpoint"`
	MissionStatus store.MissionStatus `json:"mission_status"`
}

// Engine is the compute engine's checkpoint API.
type Engine interface {
	RespondCheckpoint(ctx context.Context, id string, in engine.RespondRequest, identity engine.Identity) (json.RawMessage, error)
	GetCheckpoint(ctx context.Context, id string, identity engine.Identity) (map[string]any, error)
}

// Policy decides whether a rejection ends the mission.
type Policy interface {
	TerminalRejection(ctx context.Context, in policy.Input) (bool, error)
}

// Controller owns every write to checkpoint records.
type Controller struct {
	store   store.Store
	engine  Engine
	policy  Policy
	retry   retry.Policy
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger

	locks *keyedLock

	mu      sync.Mutex
	waiters map[string][]chan Decision
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the server clock used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTTL sets the deadline applied to checkpoints that arrive without one.
func WithTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRetry sets the retry policy for remote checkpoint reads.
func WithRetry(p retry.Policy) Option {
	return func(c *Controller) { c.retry = p }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a checkpoint controller.
func NewController(s store.Store, eng Engine, pol Policy, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:   s,
		engine:  eng,
		policy:  pol,
		retry:   retry.DefaultPolicy(),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  logger.With("component", "checkpoint"),
		locks:   newKeyedLock(),
		waiters: make(map[string][]chan Decision),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open persists a checkpoint raised by the engine for mission. Opening the same
// engine checkpoint twice returns the stored record.
func (c *Controller) Open(ctx context.Context, mission *store.Mission, f Frame) (*store.Checkpoint, error) {
	id := f.Key()
	if id == "" {
		id = uuid.NewString()
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	existing, err := c.store.GetCheckpoint(ctx, id)
	switch {
	case err == nil:
		if existing.MissionID != mission.ID {
			return nil, errs.Conflict("checkpoint_mission_mismatch", "checkpoint belongs to another mission")
		}
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	now := c.now().UTC()
	deadline := now.Add(c.ttl)
	switch {
	case f.Deadline != nil && !f.Deadline.IsZero():
		deadline = f.Deadline.UTC()
	case f.TimeoutSeconds > 0:
		deadline = now.Add(time.Duration(f.TimeoutSeconds) * time.Second)
	}

	cp := &store.Checkpoint{
		ID:             id,
		MissionID:      mission.ID,
		TenantID:       mission.TenantID,
		UserID:         mission.UserID,
		Title:          f.Title,
		Options:        f.Options,
		ProposedAction: f.ProposedAction,
		Deadline:       deadline,
		Status:         store.CheckpointOpen,
		CreatedAt:      now,
	}
	if err := c.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("creating checkpoint: %w", err)
	}

	c.metrics.CheckpointOpened()
	c.logger.Info("checkpoint opened",
		"checkpoint_id", cp.ID,
		"mission_id", cp.MissionID,
		"deadline", cp.Deadline,
	)
	return cp, nil
}

// Get returns a checkpoint owned by actor. It has no side effects.
func (c *Controller) Get(ctx context.Context, id string, actor Actor) (*store.Checkpoint, error) {
	cp, err := c.store.GetCheckpoint(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp.TenantID != actor.TenantID || cp.UserID != actor.UserID {
		return nil, notFound(id)
	}
	return cp, nil
}

// Respond applies action to an open checkpoint and forwards it to the engine.
// Checks run in order: ownership, prior resolution, mission liveness, deadline,
// payload. Once the checkpoint is claimed the call ignores ctx cancellation.
func (c *Controller) Respond(ctx context.Context, id string, action Action, p Payload, actor Actor) (*Decision, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	cp, err := c.Get(ctx, id, actor)
	if err != nil {
		c.metrics.CheckpointOutcome(string(action), "not_found")
		return nil, err
	}

	if cp.Status == store.CheckpointExpired {
		if cp.Resolution != nil && cp.Resolution.ResolvedBy == missionActor {
			c.metrics.CheckpointOutcome(string(action), "conflict")
			return nil, missionFinished(cp, "")
		}
		c.metrics.CheckpointOutcome(string(action), "expired")
		return nil, expired(cp)
	}
	if cp.Status.Resolved() {
		c.metrics.CheckpointOutcome(string(action), "conflict")
		return nil, alreadyResolved(cp)
	}

	mission, err := c.store.GetMission(ctx, cp.MissionID)
	if err != nil {
		return nil, fmt.Errorf("loading mission: %w", err)
	}
	if mission.Status.Terminal() {
		c.metrics.CheckpointOutcome(string(action), "conflict")
		return nil, missionFinished(cp, mission.Status)
	}

	now := c.now().UTC()
	if !now.Before(cp.Deadline) {
		c.metrics.CheckpointOutcome(string(action), "expired")
		if _, err := c.expireLocked(ctx, cp, systemActor, "deadline passed without a response"); err != nil {
			c.logger.Warn("failed to mark checkpoint expired", "checkpoint_id", id, "error", err)
		}
		return nil, expired(cp)
	}

	status, err := validate(cp, action, p)
	if err != nil {
		c.metrics.CheckpointOutcome(string(action), "invalid")
		return nil, err
	}

	res := &store.Resolution{
		ChosenOption:  p.Option,
		Reason:        p.Reason,
		Modifications: p.Modifications,
		ResolvedBy:    actor.UserID,
		ResolvedAt:    now,
	}
	if action == ActionReject {
		res.Terminal = c.terminalRejection(ctx, mission, p)
	}

	version, err := c.store.ClaimCheckpoint(ctx, cp.ID, cp.Version, status, res)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another process resolved it between our read and the claim.
			if latest, gerr := c.store.GetCheckpoint(ctx, id); gerr == nil {
				c.metrics.CheckpointOutcome(string(action), "conflict")
				return nil, alreadyResolved(latest)
			}
		}
		return nil, fmt.Errorf("claiming checkpoint: %w", err)
	}

	_, err = c.engine.RespondCheckpoint(ctx, cp.ID, engine.RespondRequest{
		Action:        string(action),
		Option:        p.Option,
		Reason:        p.Reason,
		Modifications: p.Modifications,
		MissionID:     cp.MissionID,
		UserID:        actor.UserID,
		Timestamp:     now,
	}, engine.Identity{TenantID: actor.TenantID, UserID: actor.UserID})
	if err != nil {
		if rerr := c.store.ReleaseCheckpoint(ctx, cp.ID, version); rerr != nil {
			c.logger.Error("failed to roll back checkpoint claim", "checkpoint_id", id, "error", rerr)
		}
		c.metrics.CheckpointOutcome(string(action), "upstream_error")
		c.logger.Warn("engine rejected checkpoint response", "checkpoint_id", id, "error", err)
		if errs.KindOf(err) == errs.KindUpstream || errs.KindOf(err) == errs.KindTimeout {
			return nil, err
		}
		return nil, errs.Upstream(errs.CodeUpstreamUnreachable, "compute engine did not accept the resolution", 0, err)
	}

	cp.Status = status
	cp.Resolution = res
	cp.Version = version

	d := Decision{Checkpoint: cp, MissionStatus: missionStatusFor(cp)}
	c.notify(d)

	c.metrics.CheckpointOutcome(string(action), "ok")
	c.logger.Info("checkpoint resolved",
		"checkpoint_id", cp.ID,
		"mission_id", cp.MissionID,
		"action", action,
		"mission_status", d.MissionStatus,
	)
	return &d, nil
}

func (c *Controller) terminalRejection(ctx context.Context, mission *store.Mission, p Payload) bool {
	if c.policy == nil {
		return p.Abort || mission.Mode == int(modes.Autonomous)
	}

	mode, _ := modes.Get(modes.ID(mission.Mode))
	terminal, err := c.policy.TerminalRejection(ctx, policy.Input{
		TenantID:    mission.TenantID,
		UserID:      mission.UserID,
		Mode:        policy.Mode{ID: mission.Mode, MaxAgents: mode.MaxAgents, HITLRequired: mode.HITLRequired, HITLOptional: mode.HITLOptional},
		BudgetLimit: mission.BudgetLimit,
		Payload:     map[string]any{"abort": p.Abort, "reason": p.Reason},
	})
	if err != nil {
		// Without a policy answer the mission stops rather than running on unapproved.
		c.logger.Error("rejection policy failed", "mission_id", mission.ID, "error", err)
		return true
	}
	return terminal
}

func validate(cp *store.Checkpoint, action Action, p Payload) (store.CheckpointStatus, error) {
	status, ok := actionStatus[action]
	if !ok {
		return "", errs.Validation("invalid_action", fmt.Sprintf("unknown action %q", action))
	}

	switch action {
	case ActionApprove:
		ids, err := optionIDs(cp.Options)
		if err != nil {
			return "", errs.Internal("stored checkpoint options are malformed", err)
		}
		if len(ids) == 0 {
			break
		}
		if p.Option == "" {
			return "", errs.Validation("option_required", "approve requires one of the offered options")
		}
		if !slices.Contains(ids, p.Option) {
			return "", errs.Validation("invalid_option", fmt.Sprintf("option %q was not offered", p.Option)).
				WithDetail("options", ids)
		}
	case ActionReject:
		if p.Reason == "" {
			return "", errs.Validation("reason_required", "reject requires a reason")
		}
	case ActionModify:
		if isNull(p.Modifications) || !json.Valid(p.Modifications) {
			return "", errs.Validation("modifications_required", "modify requires a JSON modifications payload")
		}
	}
	return status, nil
}

// Expire marks an open checkpoint expired. A checkpoint that was resolved in the
// meantime is returned unchanged.
func (c *Controller) Expire(ctx context.Context, id string) (*Decision, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	cp, err := c.store.GetCheckpoint(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return c.expireLocked(ctx, cp, systemActor, "deadline passed without a response")
}

// Abandon closes an open checkpoint whose mission ended without an answer.
// Later responses get a mission_finished conflict instead of reaching the engine.
func (c *Controller) Abandon(ctx context.Context, id string) (*Decision, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	cp, err := c.store.GetCheckpoint(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return c.expireLocked(ctx, cp, missionActor, "mission ended before a response")
}

func (c *Controller) expireLocked(ctx context.Context, cp *store.Checkpoint, by, reason string) (*Decision, error) {
	if cp.Status.Resolved() {
		return &Decision{Checkpoint: cp, MissionStatus: missionStatusFor(cp)}, nil
	}

	res := &store.Resolution{
		Reason:     reason,
		ResolvedBy: by,
		ResolvedAt: c.now().UTC(),
	}
	version, err := c.store.ClaimCheckpoint(ctx, cp.ID, cp.Version, store.CheckpointExpired, res)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			latest, gerr := c.store.GetCheckpoint(ctx, cp.ID)
			if gerr != nil {
				return nil, fmt.Errorf("reloading checkpoint: %w", gerr)
			}
			return &Decision{Checkpoint: latest, MissionStatus: missionStatusFor(latest)}, nil
		}
		return nil, fmt.Errorf("expiring checkpoint: %w", err)
	}

	cp.Status = store.CheckpointExpired
	cp.Resolution = res
	cp.Version = version

	d := Decision{Checkpoint: cp, MissionStatus: store.MissionFailed}
	c.notify(d)
	c.metrics.CheckpointOutcome("expire", "ok")
	c.logger.Info("checkpoint expired", "checkpoint_id", cp.ID, "mission_id", cp.MissionID, "by", by)
	return &d, nil
}

// ExpireOverdue expires every open checkpoint past its deadline and returns how
// many were expired.
func (c *Controller) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := c.store.ListOverdueCheckpoints(ctx, c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing overdue checkpoints: %w", err)
	}

	expiredCount := 0
	for _, cp := range overdue {
		d, err := c.Expire(ctx, cp.ID)
		if err != nil {
			c.logger.Warn("failed to expire checkpoint", "checkpoint_id", cp.ID, "error", err)
			continue
		}
		if d.Checkpoint.Status == store.CheckpointExpired {
			expiredCount++
		}
	}
	return expiredCount, nil
}

// RunSweeper expires overdue checkpoints every interval until ctx is done.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.ExpireOverdue(ctx); err != nil {
				c.logger.Error("checkpoint sweep failed", "error", err)
			} else if n > 0 {
				c.logger.Info("expired overdue checkpoints", "count", n)
			}
		}
	}
}

// Await blocks until the checkpoint is resolved or expires. When the deadline
// passes first the checkpoint is expired here rather than waiting on the sweeper.
func (c *Controller) Await(ctx context.Context, id string) (*Decision, error) {
	// Reading under the checkpoint lock hides claims that are later rolled back.
	unlock := c.locks.Lock(id)
	ch := c.subscribe(id)
	defer c.unsubscribe(id, ch)
	cp, err := c.store.GetCheckpoint(ctx, id)
	unlock()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp.Status.Resolved() {
		return &Decision{Checkpoint: cp, MissionStatus: missionStatusFor(cp)}, nil
	}

	timer := time.NewTimer(max(cp.Deadline.Sub(c.now()), 0))
	defer timer.Stop()

	select {
	case d := <-ch:
		return &d, nil
	case <-timer.C:
		return c.Expire(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remote reads the engine's view of a checkpoint owned by actor, retrying
// transient failures.
func (c *Controller) Remote(ctx context.Context, id string, actor Actor) (map[string]any, error) {
	if _, err := c.Get(ctx, id, actor); err != nil {
		return nil, err
	}

	res := retry.Do(ctx, c.retry, func(ctx context.Context) (map[string]any, error) {
		return c.engine.GetCheckpoint(ctx, id, engine.Identity{TenantID: actor.TenantID, UserID: actor.UserID})
	})
	if !res.Ok() {
		return nil, res.Err
	}
	return res.Value, nil
}

func (c *Controller) subscribe(id string) chan Decision {
	ch := make(chan Decision, 1)
	c.mu.Lock()
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()
	return ch
}

func (c *Controller) unsubscribe(id string, ch chan Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[id] = slices.DeleteFunc(c.waiters[id], func(w chan Decision) bool { return w == ch })
	if len(c.waiters[id]) == 0 {
		delete(c.waiters, id)
	}
}

func (c *Controller) notify(d Decision) {
	c.mu.Lock()
	waiters := c.waiters[d.Checkpoint.ID]
	delete(c.waiters, d.Checkpoint.ID)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- d
	}
}

func missionStatusFor(cp *store.Checkpoint) store.MissionStatus {
	switch cp.Status {
	case store.CheckpointOpen:
		return store.MissionAwaitingCheckpoint
	case store.CheckpointExpired:
		return store.MissionFailed
	case store.CheckpointRejected:
		if cp.Resolution != nil && cp.Resolution.Terminal {
			return store.MissionCancelled
		}
	}
	return store.MissionRunning
}

func notFound(id string) error {
	return errs.NotFound("checkpoint_not_found", "checkpoint not found").WithDetail("checkpoint_id", id)
}

func expired(cp *store.Checkpoint) error {
	return errs.Expired(errs.CodeCheckpointExpired, "checkpoint deadline has passed").
		WithDetail("checkpoint_id", cp.ID).
		WithDetail("deadline", cp.Deadline)
}

func missionFinished(cp *store.Checkpoint, status store.MissionStatus) error {
	err := errs.Conflict("mission_finished", "mission already finished").
		WithDetail("checkpoint_id", cp.ID).
		WithDetail("mission_id", cp.MissionID)
	if status != "" {
		err = err.WithDetail("mission_status", status)
	}
	return err
}

func alreadyResolved(cp *store.Checkpoint) error {
	return errs.Conflict(errs.CodeCheckpointAlreadyResolved, "checkpoint already resolved").
		WithDetail("checkpoint_id", cp.ID).
		WithDetail("status", cp.Status).
		WithDetail("resolution", cp.Resolution)
}
