// ABOUTME: HTTP API handlers for streaming consultations, preflight and the mode catalog
// ABOUTME: Relays modes 1-2 directly and hands modes 3-4 to the mission orchestrator over SSE

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/mission"
	"github.com/2389/consult-gateway/internal/modes"
	"github.com/2389/consult-gateway/internal/preflight"
	"github.com/2389/consult-gateway/internal/relay"
)

// missionFields are rebuilt by the orchestrator rather than forwarded from the client body.
var missionFields = []string{"mode", "goal", "options", "session_id", "tenant_id", "user_id", "mission_id", "resume_from", "hitl"}

// ModesResponse is the JSON response for GET /modes.
type ModesResponse struct {
	Modes []modes.Mode `json:"modes"`
}

// handleModes handles GET /modes.
func (g *Gateway) handleModes(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, ModesResponse{Modes: modes.All()})
}

// handleStream handles POST /stream. Interactive modes are relayed as-is;
// mission modes run through the orchestrator, which interleaves status events.
//
// Until the first frame is written every failure is a JSON error with its
// status code. After that the stream always ends with done or error.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	data, err := readBody(w, r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var req StreamRequest
	if err := decodeJSON(data, &req); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.check(req); err != nil {
		g.writeError(w, err)
		return
	}
	mode, err := modes.Get(modes.ID(req.Mode))
	if err != nil {
		g.writeError(w, err)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		g.writeError(w, errs.Validation("invalid_json", "request body must be a JSON object"))
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		g.writeError(w, errs.Internal("streaming", err))
		return
	}

	if mode.IsMission() {
		g.launchMission(w, r, id, mode, req, payload, sink)
		return
	}

	stream, err := g.relay.Open(r.Context(), relay.Request{
		SessionID: req.SessionID,
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		Mode:      mode.ID,
		Payload:   payload,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	out, err := stream.Forward(r.Context(), sink)
	logger := g.logger.With("session_id", stream.SessionID, "mode", mode.ID, "frames", out.Frames)
	switch {
	case err != nil:
		logger.Info("stream ended early", "error", err)
	case out.Terminal != nil:
		logger.Debug("stream finished", "terminal", out.Terminal.Type)
	}
}

func (g *Gateway) launchMission(w http.ResponseWriter, r *http.Request, id auth.Identity, mode modes.Mode, req StreamRequest, payload map[string]any, sink *sseSink) {
	opts, err := parseOptions(req.Options)
	if err != nil {
		g.writeError(w, err)
		return
	}
	for _, f := range missionFields {
		delete(payload, f)
	}

	m, err := g.missions.Launch(r.Context(), mission.Intent{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SessionID: req.SessionID,
		Mode:      mode.ID,
		Goal:      req.Goal,
		Options:   opts,
		Extra:     payload,
	}, sink)
	if err != nil {
		if !sink.Started() {
			g.writeError(w, err)
			return
		}
		g.logger.Error("mission launch failed mid-stream", "error", err)
		return
	}
	g.logger.Debug("mission stream closed", "mission_id", m.ID, "status", m.Status)
}

// handlePreflight handles POST /preflight. A failed verdict is still 200.
func (g *Gateway) handlePreflight(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	data, err := readBody(w, r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	var req PreflightRequest
	if err := decodeJSON(data, &req); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.check(req); err != nil {
		g.writeError(w, err)
		return
	}
	opts, err := parseOptions(req.Options)
	if err != nil {
		g.writeError(w, err)
		return
	}

	mode := modes.Autonomous
	if req.Mode != 0 {
		mode = modes.ID(req.Mode)
	}

	result := g.preflight.Validate(r.Context(), preflight.Intent{
		MissionID: req.MissionID,
		Goal:      req.Goal,
		Mode:      mode,
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		Options:   opts,
	})
	g.writeJSON(w, http.StatusOK, result)
}

// writeJSON writes v with status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// writeError writes the structured error body for err.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		var e *errs.Error
		if errors.As(err, &e) && e.Kind != errs.KindInternal {
			g.logger.Warn("request failed", "kind", e.Kind, "code", e.Code, "error", err)
		} else {
			g.logger.Error("request failed", "error", err)
		}
	}
	g.writeJSON(w, status, errs.ToBody(err))
}
