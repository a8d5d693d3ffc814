// ABOUTME: Mission lifecycle coordinator for guided and autonomous modes
// ABOUTME: Sequences preflight, streamed segments, checkpoint pauses and completion

package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/checkpoint"
	"github.com/2389/consult-gateway/internal/dedupe"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/metrics"
	"github.com/2389/consult-gateway/internal/modes"
	"github.com/2389/consult-gateway/internal/policy"
	"github.com/2389/consult-gateway/internal/preflight"
	"github.com/2389/consult-gateway/internal/relay"
	"github.com/2389/consult-gateway/internal/retry"
	"github.com/2389/consult-gateway/internal/store"
)

// EventStatus frames announce mission status changes to clients.
const EventStatus relay.EventType = "status"

// ReasonClientGone marks missions whose launching client went away.
const ReasonClientGone = "client_disconnected"

var (
	// errCancelled is the cancellation cause used by Cancel.
	errCancelled = errors.New("mission cancelled by user")
	// errShutdown is the cancellation cause used by Shutdown.
	errShutdown = errors.New("gateway shutting down")
)

// Validator runs preflight checks.
type Validator interface {
	Validate(ctx context.Context, in preflight.Intent) preflight.Result
}

// Streamer opens upstream mission streams.
type Streamer interface {
	Open(ctx context.Context, req relay.Request) (*relay.Stream, error)
}

// Checkpoints persists and waits on checkpoints.
type Checkpoints interface {
	Open(ctx context.Context, m *store.Mission, f checkpoint.Frame) (*store.Checkpoint, error)
	Await(ctx context.Context, id string) (*checkpoint.Decision, error)
	Abandon(ctx context.Context, id string) (*checkpoint.Decision, error)
}

// HITLPolicy decides whether checkpoints are in force for a mission.
type HITLPolicy interface {
	HITLEnabled(ctx context.Context, in policy.Input) (bool, error)
}

// Intent is a request to run a mission.
type Intent struct {
	TenantID  string
	UserID    string
	SessionID string
	Mode      modes.ID
	Goal      string
	Options   preflight.Options
	// Extra holds additional client body fields forwarded to the engine.
	Extra map[string]any
}

// Owner identifies the caller for reads and cancellation.
type Owner struct {
	TenantID string
	UserID   string
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store       store.Store
	Preflight   Validator
	Relay       Streamer
	Checkpoints Checkpoints
	Policy      HITLPolicy
	Broadcaster *Broadcaster
	Dedupe      *dedupe.Cache
	Retry       retry.Policy
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Orchestrator owns every write to mission records.
type Orchestrator struct {
	store       store.Store
	preflight   Validator
	relay       Streamer
	checkpoints Checkpoints
	policy      HITLPolicy
	broadcaster *Broadcaster
	dedupe      *dedupe.Cache
	retry       retry.Policy
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	// base outlives requests; detached missions stop only through it or Cancel.
	base context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Broadcaster == nil {
		d.Broadcaster = NewBroadcaster(logger)
	}
	if d.Dedupe == nil {
		d.Dedupe = dedupe.New(0, 0)
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		base:        base,
		stop:        stop,
		store:       d.Store,
		preflight:   d.Preflight,
		relay:       d.Relay,
		checkpoints: d.Checkpoints,
		policy:      d.Policy,
		broadcaster: d.Broadcaster,
		dedupe:      d.Dedupe,
		retry:       d.Retry,
		metrics:     d.Metrics,
		logger:      logger.With("component", "mission"),
		now:         time.Now,
		running:     make(map[string]context.CancelCauseFunc),
	}
}

// Broadcaster exposes the mission event fan-out.
func (o *Orchestrator) Broadcaster() *Broadcaster {
	return o.broadcaster
}

// run carries the per-launch state.
type run struct {
	m      *store.Mission
	intent Intent
	out    relay.Sink
	hitl   bool
}

// Launch runs a mission, relaying its events to sink. Errors are returned only
// when the intent is invalid or the mission could not be recorded; runtime
// failures are reported through the mission status and a terminal error event.
//
// Guided missions end with the launching request. Autonomous missions run
// detached: when ctx ends first the sink is dropped, the mission keeps going,
// and Launch returns a snapshot of its current state. Followers reattach with
// Subscribe.
func (o *Orchestrator) Launch(ctx context.Context, in Intent, sink relay.Sink) (*store.Mission, error) {
	mode, err := modes.Get(in.Mode)
	if err != nil {
		return nil, err
	}
	if !mode.IsMission() {
		return nil, errs.Validation("mode_not_mission", fmt.Sprintf("mode %d does not run missions", mode.ID))
	}
	if strings.TrimSpace(in.Goal) == "" {
		return nil, errs.Validation("goal_required", "goal is required")
	}

	now := o.now().UTC()
	m := &store.Mission{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		UserID:      in.UserID,
		Goal:        in.Goal,
		Mode:        int(mode.ID),
		Status:      store.MissionPending,
		BudgetLimit: in.Options.BudgetLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("creating mission: %w", err)
	}
	o.metrics.MissionTransition(string(m.Status))

	detached := runsDetached(mode)
	parent := ctx
	if detached {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancelCause(parent)
	stopOnShutdown := context.AfterFunc(o.base, func() { cancel(context.Cause(o.base)) })
	o.track(m.ID, cancel)
	o.broadcaster.Begin(m.ID)

	client := &clientSink{sink: sink}
	if !detached {
		client.onError = func() { o.cancelRun(m.ID, nil) }
	}
	r := &run{m: m, intent: in, out: o.tee(m.ID, client)}

	finished := make(chan struct{})
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(finished)
		defer func() {
			stopOnShutdown()
			o.untrack(m.ID)
			cancel(nil)
			o.dedupe.Forget(m.ID + "|")
			o.broadcaster.End(m.ID)
		}()
		o.drive(runCtx, r, mode)
	}()

	if !detached {
		<-finished
		return m, nil
	}

	select {
	case <-finished:
		return m, nil
	case <-ctx.Done():
	}
	client.detach()
	o.logger.Info("client left, mission continues detached", "mission_id", m.ID)

	select {
	case <-finished:
		// Finished while detaching; the goroutine no longer touches m.
		return m, nil
	default:
	}
	snapshot, err := o.store.GetMission(context.WithoutCancel(ctx), m.ID)
	if err != nil {
		return nil, fmt.Errorf("loading mission: %w", err)
	}
	return snapshot, nil
}

// runsDetached reports whether missions in mode outlive the launching request.
func runsDetached(mode modes.Mode) bool {
	return mode.ID == modes.Autonomous
}

// drive takes one mission from preflight to a terminal status.
func (o *Orchestrator) drive(ctx context.Context, r *run, mode modes.Mode) {
	o.emitStatus(r)

	logger := o.logger.With("mission_id", r.m.ID, "tenant_id", r.m.TenantID, "mode", r.m.Mode)
	logger.Info("mission launched")

	if !o.runPreflight(ctx, r, mode) {
		logger.Info("mission failed preflight")
		return
	}

	r.hitl = o.hitlEnabled(ctx, r.m, mode, r.intent.Options)
	o.execute(ctx, r)

	logger.Info("mission finished", "status", r.m.Status, "reason", r.m.FailureReason)
}

func (o *Orchestrator) runPreflight(ctx context.Context, r *run, mode modes.Mode) bool {
	if !o.transition(ctx, r, store.MissionPreflight, "") {
		return false
	}

	res := o.preflight.Validate(ctx, preflight.Intent{
		MissionID: r.m.ID,
		Goal:      r.m.Goal,
		Mode:      mode.ID,
		TenantID:  r.m.TenantID,
		UserID:    r.m.UserID,
		Options:   r.intent.Options,
	})
	if checks, err := json.Marshal(res.Checks); err == nil {
		r.m.Checks = checks
	}

	if !res.Passed {
		o.transition(ctx, r, store.MissionFailed, store.ReasonPreflightFailed)
		data, _ := json.Marshal(map[string]any{
			"code":       store.ReasonPreflightFailed,
			"message":    "mission failed preflight checks",
			"mission_id": r.m.ID,
			"checks":     res.Checks,
		})
		o.write(r, relay.NewEvent(relay.EventError, data))
		return false
	}
	return o.transition(ctx, r, store.MissionRunning, "")
}

func (o *Orchestrator) hitlEnabled(ctx context.Context, m *store.Mission, mode modes.Mode, opts preflight.Options) bool {
	if o.policy == nil {
		return modes.HITLEnabled(mode, false)
	}
	enabled, err := o.policy.HITLEnabled(ctx, policy.Input{
		TenantID:        m.TenantID,
		UserID:          m.UserID,
		Mode:            policy.Mode{ID: int(mode.ID), MaxAgents: mode.MaxAgents, HITLRequired: mode.HITLRequired, HITLOptional: mode.HITLOptional},
		BudgetLimit:     opts.BudgetLimit,
		RequestedTools:  opts.RequestedTools,
		RequestedAgents: opts.RequestedAgents,
		DataSources:     opts.DataSources,
		Options:         opts.Extra,
	})
	if err != nil {
		o.logger.Warn("hitl policy failed, enabling checkpoints", "mission_id", m.ID, "error", err)
		return true
	}
	return modes.HITLEnabled(mode, enabled)
}

// segmentEnd says why a stream segment stopped.
type segmentEnd struct {
	terminal   *relay.Event
	checkpoint *store.Checkpoint
	err        error
}

// execute streams segments until the mission reaches a terminal status.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	resumeFrom := ""
	for {
		stream, err := o.openSegment(ctx, r, resumeFrom)
		if err != nil {
			if ctx.Err() != nil {
				o.finishCancelled(ctx, r)
				return
			}
			o.logger.Warn("mission stream open failed", "mission_id", r.m.ID, "error", err)
			o.fail(ctx, r, store.ReasonUpstreamError, errs.ToBody(err).Error.Code, "compute engine stream could not be opened")
			return
		}

		end := o.consume(ctx, r, stream)
		stream.Close()
		_ = stream.Wait()

		switch {
		case end.err != nil:
			if ctx.Err() != nil {
				o.finishCancelled(ctx, r)
				return
			}
			o.logger.Warn("mission segment failed", "mission_id", r.m.ID, "error", end.err)
			o.fail(ctx, r, store.ReasonUpstreamError, errs.CodeUpstreamDisconnected, "mission stream failed")
			return

		case end.terminal != nil && end.terminal.Type == relay.EventDone:
			o.transition(ctx, r, store.MissionCompleted, "")
			return

		case end.terminal != nil:
			// The engine's error event was already forwarded.
			o.transition(ctx, r, store.MissionFailed, store.ReasonUpstreamError)
			return

		case end.checkpoint != nil:
			if !o.pause(ctx, r, end.checkpoint) {
				return
			}
			resumeFrom = end.checkpoint.ID
		}
	}
}

// openSegment opens one mission stream, retrying connection-level failures.
// Nothing from the segment has been forwarded while it is retried.
func (o *Orchestrator) openSegment(ctx context.Context, r *run, resumeFrom string) (*relay.Stream, error) {
	payload := make(map[string]any, len(r.intent.Extra)+4)
	for k, v := range r.intent.Extra {
		payload[k] = v
	}
	payload["goal"] = r.m.Goal
	payload["options"] = r.intent.Options.Map()
	payload["hitl"] = r.hitl
	if resumeFrom != "" {
		payload["resume_from"] = resumeFrom
	}

	sessionID := r.intent.SessionID
	if sessionID == "" {
		sessionID = r.m.ID
	}

	res := retry.Do(ctx, o.retry, func(ctx context.Context) (*relay.Stream, error) {
		return o.relay.Open(ctx, relay.Request{
			SessionID: sessionID,
			TenantID:  r.m.TenantID,
			UserID:    r.m.UserID,
			Mode:      modes.ID(r.m.Mode),
			MissionID: r.m.ID,
			Payload:   payload,
		})
	})
	if res.Attempts > 1 {
		o.logger.Info("mission stream open retried", "mission_id", r.m.ID, "attempts", res.Attempts, "ok", res.Ok())
	}
	return res.Value, res.Err
}

// consume forwards one segment until a terminal event, a new checkpoint, or failure.
func (o *Orchestrator) consume(ctx context.Context, r *run, stream *relay.Stream) segmentEnd {
	for {
		select {
		case <-ctx.Done():
			return segmentEnd{err: context.Cause(ctx)}
		case ev, ok := <-stream.Events():
			if !ok {
				if ctx.Err() != nil {
					return segmentEnd{err: context.Cause(ctx)}
				}
				return segmentEnd{err: errors.New("stream closed without terminal event")}
			}
			if ev.Comment() {
				if err := o.write(r, ev); err != nil {
					return segmentEnd{err: err}
				}
				continue
			}
			o.metrics.StreamEvent(string(ev.Type))

			if ev.Type == relay.EventCheckpoint {
				cp, skip, err := o.openCheckpoint(ctx, r, ev)
				if err != nil {
					return segmentEnd{err: err}
				}
				if skip {
					continue
				}
				return segmentEnd{checkpoint: cp}
			}

			if err := o.write(r, ev); err != nil {
				return segmentEnd{err: err}
			}
			if ev.Terminal() {
				return segmentEnd{terminal: &ev}
			}
		}
	}
}

// openCheckpoint persists a checkpoint event, moves the mission to
// awaiting_checkpoint and forwards the event. skip is true for a replayed
// checkpoint this mission already handled.
func (o *Orchestrator) openCheckpoint(ctx context.Context, r *run, ev relay.Event) (*store.Checkpoint, bool, error) {
	frame, err := checkpoint.ParseFrame(ev.Data)
	if err != nil {
		return nil, false, err
	}

	key := dedupe.CheckpointKey(r.m.ID, frame.Key(), ev.Data)
	if o.dedupe.CheckAndMark(key) {
		o.logger.Debug("ignoring replayed checkpoint", "mission_id", r.m.ID, "key", key)
		return nil, true, nil
	}

	cp, err := o.checkpoints.Open(context.WithoutCancel(ctx), r.m, frame)
	if err != nil {
		return nil, false, fmt.Errorf("opening checkpoint: %w", err)
	}
	if cp.Status.Resolved() {
		// Already answered in an earlier segment under a different key.
		return nil, true, nil
	}

	if !slices.Contains(r.m.CheckpointIDs, cp.ID) {
		r.m.CheckpointIDs = append(r.m.CheckpointIDs, cp.ID)
	}
	if !o.transition(ctx, r, store.MissionAwaitingCheckpoint, "") {
		return nil, false, errors.New("mission cannot await a checkpoint")
	}

	// Clients respond by checkpoint ID, so an engine frame without one gets ours.
	out := ev
	if frame.Key() == "" {
		var body map[string]any
		if err := json.Unmarshal(ev.Data, &body); err == nil {
			body["id"] = cp.ID
			if data, err := json.Marshal(body); err == nil {
				out = relay.NewEvent(relay.EventCheckpoint, data)
			}
		}
	}
	if err := o.write(r, out); err != nil {
		return nil, false, err
	}
	return cp, false, nil
}

// pause waits for a checkpoint decision and reports whether the mission resumes.
func (o *Orchestrator) pause(ctx context.Context, r *run, cp *store.Checkpoint) bool {
	o.logger.Info("mission awaiting checkpoint", "mission_id", r.m.ID, "checkpoint_id", cp.ID)

	d, err := o.checkpoints.Await(ctx, cp.ID)
	if err != nil {
		if ctx.Err() != nil {
			o.finishCancelled(ctx, r)
			return false
		}
		o.fail(ctx, r, store.ReasonUpstreamError, "internal", "checkpoint wait failed")
		return false
	}

	switch d.MissionStatus {
	case store.MissionRunning:
		return o.transition(ctx, r, store.MissionRunning, "")
	case store.MissionCancelled:
		o.transition(ctx, r, store.MissionCancelled, store.ReasonCheckpointReject)
		o.writeError(r, store.ReasonCheckpointReject, "mission cancelled after checkpoint rejection")
		return false
	default:
		o.fail(ctx, r, store.ReasonCheckpointTimeout, store.ReasonCheckpointTimeout, "checkpoint deadline passed without a response")
		return false
	}
}

func (o *Orchestrator) fail(ctx context.Context, r *run, reason, code, message string) {
	o.transition(ctx, r, store.MissionFailed, reason)
	o.abandonCheckpoints(ctx, r.m)
	o.writeError(r, code, message)
}

func (o *Orchestrator) finishCancelled(ctx context.Context, r *run) {
	reason := ReasonClientGone
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCancelled):
		reason = store.ReasonCancelled
	case errors.Is(cause, errShutdown):
		reason = store.ReasonGatewayRestart
	}
	o.transition(ctx, r, store.MissionCancelled, reason)
	o.abandonCheckpoints(ctx, r.m)
	o.writeError(r, reason, "mission cancelled")
}

// abandonCheckpoints closes checkpoints still open on a finished mission so a
// late answer cannot resume it upstream.
func (o *Orchestrator) abandonCheckpoints(ctx context.Context, m *store.Mission) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range m.CheckpointIDs {
		if _, err := o.checkpoints.Abandon(ctx, id); err != nil {
			o.logger.Warn("failed to close checkpoint of finished mission",
				"mission_id", m.ID, "checkpoint_id", id, "error", err)
		}
	}
}

// transition persists a status change. Writes survive caller cancellation.
func (o *Orchestrator) transition(ctx context.Context, r *run, to store.MissionStatus, reason string) bool {
	from := r.m.Status
	if from == to && to == store.MissionRunning {
		return true
	}
	if !store.CanTransition(from, to) {
		o.logger.Warn("illegal mission transition", "mission_id", r.m.ID, "from", from, "to", to)
		return false
	}

	r.m.Status = to
	if reason != "" {
		r.m.FailureReason = reason
	}
	r.m.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateMission(context.WithoutCancel(ctx), r.m); err != nil {
		o.logger.Error("failed to persist mission status", "mission_id", r.m.ID, "status", to, "error", err)
	}

	o.metrics.MissionTransition(string(to))
	o.emitStatus(r)
	return true
}

func (o *Orchestrator) emitStatus(r *run) {
	data, _ := json.Marshal(map[string]any{
		"mission_id": r.m.ID,
		"status":     r.m.Status,
		"reason":     r.m.FailureReason,
	})
	_ = o.write(r, relay.NewEvent(EventStatus, data))
}

func (o *Orchestrator) writeError(r *run, code, message string) {
	_ = o.write(r, relay.ErrorEvent(code, message))
}

func (o *Orchestrator) write(r *run, ev relay.Event) error {
	return r.out.Write(ev)
}

// clientSink is the launching client's end of a mission. Once detached, or
// after its first write error, it drops every event.
type clientSink struct {
	mu       sync.Mutex
	sink     relay.Sink
	err      error
	detached bool
	onError  func()
}

func (c *clientSink) Write(ev relay.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil || c.detached || c.err != nil {
		return c.err
	}
	if err := c.sink.Write(ev); err != nil {
		c.err = fmt.Errorf("writing to client: %w", err)
		if c.onError != nil {
			c.onError()
		} else {
			c.detached = true
		}
	}
	return c.err
}

// detach stops writes to the client. It waits for a write in progress.
func (c *clientSink) detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

// tee copies every mission event to the broadcaster before the client sink.
// Only the client's write errors are returned; a detached client is not one.
func (o *Orchestrator) tee(missionID string, client *clientSink) relay.Sink {
	return relay.SinkFunc(func(ev relay.Event) error {
		o.broadcaster.Publish(missionID, ev)
		if err := client.Write(ev); err != nil && client.onError != nil {
			return err
		}
		return nil
	})
}

// Get returns a mission owned by owner.
func (o *Orchestrator) Get(ctx context.Context, id string, owner Owner) (*store.Mission, error) {
	m, err := o.store.GetMission(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("loading mission: %w", err)
	}
	if m.TenantID != owner.TenantID || m.UserID != owner.UserID {
		return nil, notFound(id)
	}
	return m, nil
}

// Cancel stops a mission owned by owner. A mission running in this process is
// cancelled through its launch; one left behind elsewhere is marked directly.
func (o *Orchestrator) Cancel(ctx context.Context, id string, owner Owner) (*store.Mission, error) {
	m, err := o.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, errs.Conflict("mission_finished", "mission already finished").
			WithDetail("status", m.Status)
	}

	if o.cancelRun(id, errCancelled) {
		o.logger.Info("mission cancellation requested", "mission_id", id)
		return m, nil
	}

	m.Status = store.MissionCancelled
	m.FailureReason = store.ReasonCancelled
	m.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("cancelling mission: %w", err)
	}
	o.metrics.MissionTransition(string(m.Status))
	o.abandonCheckpoints(ctx, m)
	return m, nil
}

// RecoverOrphans fails missions a previous process left unfinished.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := o.store.ListMissionsByStatus(ctx,
		store.MissionPending, store.MissionPreflight, store.MissionRunning, store.MissionAwaitingCheckpoint)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished missions: %w", err)
	}

	recovered := 0
	for _, m := range orphans {
		if o.isRunning(m.ID) {
			continue
		}
		m.Status = store.MissionFailed
		m.FailureReason = store.ReasonGatewayRestart
		m.UpdatedAt = o.now().UTC()
		if err := o.store.UpdateMission(ctx, m); err != nil {
			o.logger.Error("failed to recover mission", "mission_id", m.ID, "error", err)
			continue
		}
		o.metrics.MissionTransition(string(m.Status))
		o.abandonCheckpoints(ctx, m)
		recovered++
	}
	if recovered > 0 {
		o.logger.Warn("failed orphaned missions", "count", recovered)
	}
	return recovered, nil
}

// Subscribe follows a mission owned by owner. The channel is nil when the
// mission has already finished or is not running in this process; the returned
// mission then carries its latest stored state.
func (o *Orchestrator) Subscribe(ctx context.Context, id string, owner Owner) (*store.Mission, <-chan relay.Event, error) {
	m, err := o.Get(ctx, id, owner)
	if err != nil {
		return nil, nil, err
	}
	if m.Status.Terminal() {
		return m, nil, nil
	}
	ch, _, ok := o.broadcaster.Subscribe(ctx, id)
	if ok {
		return m, ch, nil
	}
	// It may have finished between the read and the subscription.
	if latest, err := o.Get(ctx, id, owner); err == nil {
		m = latest
	}
	return m, nil, nil
}

// Shutdown cancels every mission still running and waits for them to record
// their final status, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop(errShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) track(id string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

func (o *Orchestrator) cancelRun(id string, cause error) bool {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

func notFound(id string) error {
	return errs.NotFound("mission_not_found", "mission not found").WithDetail("mission_id", id)
}
