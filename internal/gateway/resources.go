// ABOUTME: HTTP handlers for checkpoints, drafts and missions
// ABOUTME: Every record is read and written on behalf of the identity in the request context

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/checkpoint"
	"github.com/2389/consult-gateway/internal/drafts"
	"github.com/2389/consult-gateway/internal/mission"
	"github.com/2389/consult-gateway/internal/relay"
	"github.com/2389/consult-gateway/internal/store"
)

// CheckpointResponse is the JSON view of a checkpoint.
type CheckpointResponse struct {
	ID             string                 `json:"id"`
	MissionID      string                 `json:"mission_id"`
	Title          string                 `json:"title,omitempty"`
	Options        json.RawMessage        `json:"options,omitempty"`
	ProposedAction json.RawMessage        `json:"proposed_action,omitempty"`
	Deadline       time.Time              `json:"deadline"`
	Status         store.CheckpointStatus `json:"status"`
	Resolution     *store.Resolution      `json:"resolution,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// RespondResponse is the JSON response for POST /checkpoint/{id}.
type RespondResponse struct {
	Checkpoint    CheckpointResponse  `json:"checkpoint"`
	MissionStatus store.MissionStatus `json:"mission_status"`
}

// MissionResponse is the JSON view of a mission.
type MissionResponse struct {
	ID            string              `json:"id"`
	Goal          string              `json:"goal"`
	Mode          int                 `json:"mode"`
	Status        store.MissionStatus `json:"status"`
	BudgetLimit   float64             `json:"budget_limit"`
	CheckpointIDs []string            `json:"checkpoint_ids"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Checks        json.RawMessage     `json:"checks,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// DraftsResponse is the JSON response for GET /drafts.
type DraftsResponse struct {
	Drafts []*drafts.Draft `json:"drafts"`
}

func toCheckpointResponse(cp *store.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		ID:             cp.ID,
		MissionID:      cp.MissionID,
		Title:          cp.Title,
		Options:        cp.Options,
		ProposedAction: cp.ProposedAction,
		Deadline:       cp.Deadline,
		Status:         cp.Status,
		Resolution:     cp.Resolution,
		CreatedAt:      cp.CreatedAt,
	}
}

func toMissionResponse(m *store.Mission) MissionResponse {
	ids := m.CheckpointIDs
	if ids == nil {
		ids = []string{}
	}
	return MissionResponse{
		ID:            m.ID,
		Goal:          m.Goal,
		Mode:          m.Mode,
		Status:        m.Status,
		BudgetLimit:   m.BudgetLimit,
		CheckpointIDs: ids,
		FailureReason: m.FailureReason,
		Checks:        m.Checks,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func actorFrom(id auth.Identity) checkpoint.Actor {
	return checkpoint.Actor{TenantID: id.TenantID, UserID: id.UserID}
}

func ownerFrom(id auth.Identity) mission.Owner {
	return mission.Owner{TenantID: id.TenantID, UserID: id.UserID}
}

func draftOwnerFrom(id auth.Identity) drafts.Owner {
	return drafts.Owner{TenantID: id.TenantID, UserID: id.UserID}
}

// handleGetCheckpoint handles GET /checkpoint/{id}. With ?source=engine the
// engine's own view is returned instead of the gateway record.
func (g *Gateway) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	cpID := r.PathValue("id")

	if r.URL.Query().Get("source") == "engine" {
		view, err := g.checkpoints.Remote(r.Context(), cpID, actorFrom(id))
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, view)
		return
	}

	cp, err := g.checkpoints.Get(r.Context(), cpID, actorFrom(id))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toCheckpointResponse(cp))
}

// handleRespondCheckpoint handles POST /checkpoint/{id}.
func (g *Gateway) handleRespondCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	data, err := readBody(w, r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var req RespondRequest
	if err := decodeJSON(data, &req); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.check(req); err != nil {
		g.writeError(w, err)
		return
	}

	d, err := g.checkpoints.Respond(r.Context(), r.PathValue("id"),
		checkpoint.Action(req.Action), req.Payload(), actorFrom(id))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, RespondResponse{
		Checkpoint:    toCheckpointResponse(d.Checkpoint),
		MissionStatus: d.MissionStatus,
	})
}

// handleListDrafts handles GET /drafts.
func (g *Gateway) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	list, err := g.drafts.List(r.Context(), draftOwnerFrom(id))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if list == nil {
		list = []*drafts.Draft{}
	}
	g.writeJSON(w, http.StatusOK, DraftsResponse{Drafts: list})
}

// handleCreateDraft handles POST /drafts.
func (g *Gateway) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	data, err := readBody(w, r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var req CreateDraftRequest
	if err := decodeJSON(data, &req); err != nil {
		g.writeError(w, err)
		return
	}

	d, err := g.drafts.Create(r.Context(), draftOwnerFrom(id), req.Name, req.Config, req.Checkpoint)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, d)
}

// handleGetDraft handles GET /drafts/{id}.
func (g *Gateway) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	d, err := g.drafts.Get(r.Context(), draftOwnerFrom(id), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, d)
}

// handleUpdateDraft handles PUT /drafts/{id}.
func (g *Gateway) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	data, err := readBody(w, r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var req UpdateDraftRequest
	if err := decodeJSON(data, &req); err != nil {
		g.writeError(w, err)
		return
	}

	d, err := g.drafts.Update(r.Context(), draftOwnerFrom(id), r.PathValue("id"), drafts.Patch{
		Name:       req.Name,
		Config:     req.Config,
		Checkpoint: req.Checkpoint,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, d)
}

// handleDeleteDraft handles DELETE /drafts/{id}.
func (g *Gateway) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if err := g.drafts.Delete(r.Context(), draftOwnerFrom(id), r.PathValue("id")); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMission handles GET /missions/{id}.
func (g *Gateway) handleGetMission(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	m, err := g.missions.Get(r.Context(), r.PathValue("id"), ownerFrom(id))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toMissionResponse(m))
}

// handleCancelMission handles DELETE /missions/{id}. The response is 202 when a
// running mission was asked to stop and 200 when the record was updated directly.
func (g *Gateway) handleCancelMission(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	m, err := g.missions.Cancel(r.Context(), r.PathValue("id"), ownerFrom(id))
	if err != nil {
		g.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !m.Status.Terminal() {
		status = http.StatusAccepted
	}
	g.writeJSON(w, status, toMissionResponse(m))
}

// handleMissionEvents handles GET /missions/{id}/events. Observers see events
// from the moment they subscribe; nothing earlier is replayed. A finished
// mission yields its final status and a terminal event.
func (g *Gateway) handleMissionEvents(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	sink, err := newSSESink(w)
	if err != nil {
		g.writeError(w, err)
		return
	}

	m, events, err := g.missions.Subscribe(r.Context(), r.PathValue("id"), ownerFrom(id))
	if err != nil {
		g.writeError(w, err)
		return
	}

	if events == nil {
		g.writeFinalStatus(sink, m)
		return
	}

	// Open the stream so the observer knows it is attached.
	sink.start()
	sink.flusher.Flush()

	finished := false
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Subscribed just after the final status went out.
				if !finished {
					if latest, err := g.missions.Get(r.Context(), m.ID, ownerFrom(id)); err == nil && latest.Status.Terminal() {
						g.writeFinalStatus(sink, latest)
					}
				}
				return
			}
			if err := sink.Write(ev); err != nil {
				g.logger.Debug("mission observer gone", "mission_id", m.ID, "error", err)
				return
			}
			if ev.Type == mission.EventStatus && terminalStatus(ev.Data) {
				finished = true
			}
		}
	}
}

func terminalStatus(data []byte) bool {
	var payload struct {
		Status store.MissionStatus `json:"status"`
	}
	return json.Unmarshal(data, &payload) == nil && payload.Status.Terminal()
}

// writeFinalStatus describes a mission that is no longer running here.
func (g *Gateway) writeFinalStatus(sink *sseSink, m *store.Mission) {
	data, _ := json.Marshal(map[string]any{
		"mission_id": m.ID,
		"status":     m.Status,
		"reason":     m.FailureReason,
	})
	if err := sink.Write(relay.NewEvent(mission.EventStatus, data)); err != nil {
		return
	}

	var terminal relay.Event
	switch {
	case m.Status == store.MissionCompleted:
		terminal = relay.NewEvent(relay.EventDone, data)
	case m.Status.Terminal():
		code := m.FailureReason
		if code == "" {
			code = string(m.Status)
		}
		terminal = relay.ErrorEvent(code, "mission "+string(m.Status))
	default:
		terminal = relay.ErrorEvent("mission_detached", "mission is not running on this gateway")
	}
	_ = sink.Write(terminal)
}
