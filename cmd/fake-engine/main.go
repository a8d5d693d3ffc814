// ABOUTME: Minimal fake compute engine for local and E2E testing of consult-gateway
// ABOUTME: Usage: fake-engine [-addr localhost:9000] [-checkpoints 1] [-delay 50ms]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/2389/consult-gateway/internal/engine"
	"github.com/2389/consult-gateway/internal/relay"
)

func main() {
	addr := flag.String("addr", "localhost:9000", "HTTP listen address")
	checkpoints := flag.Int("checkpoints", 1, "checkpoints raised per mission")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between streamed frames")
	flag.Parse()

	if err := run(*addr, newFakeEngine(*checkpoints, *delay)); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, fe *fakeEngine) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{Addr: addr, Handler: fe.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake engine listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// fakeEngine answers the engine contract with canned content. Each mission
// raises the configured number of checkpoints, one per stream segment.
type fakeEngine struct {
	checkpoints int
	delay       time.Duration

	mu       sync.Mutex
	segments map[string]int                   // missionID -> segments served
	answers  map[string]engine.RespondRequest // checkpointID -> decision
}

func newFakeEngine(checkpoints int, delay time.Duration) *fakeEngine {
	return &fakeEngine{
		checkpoints: checkpoints,
		delay:       delay,
		segments:    make(map[string]int),
		answers:     make(map[string]engine.RespondRequest),
	}
}

func (fe *fakeEngine) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /expert/stream", fe.handleExpertStream)
	mux.HandleFunc("POST /mission/stream", fe.handleMissionStream)
	mux.HandleFunc("POST /mission/preflight", fe.handlePreflight)
	mux.HandleFunc("POST /hitl/checkpoint/{id}/respond", fe.handleRespond)
	mux.HandleFunc("GET /hitl/checkpoint/{id}", fe.handleGetCheckpoint)
	return mux
}

// sse writes frames with the configured delay, stopping if the client leaves.
type sse struct {
	w     http.ResponseWriter
	ctx   context.Context
	delay time.Duration
}

func (fe *fakeEngine) open(w http.ResponseWriter, r *http.Request) *sse {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	return &sse{w: w, ctx: r.Context(), delay: fe.delay}
}

func (s *sse) send(eventType relay.EventType, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if _, err := s.w.Write(relay.FormatFrame(eventType, data)); err != nil {
		return false
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(s.delay):
		return true
	}
}

func (fe *fakeEngine) handleExpertStream(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	message, _ := body["message"].(string)
	log.Printf("expert stream [tenant=%s session=%s]: %s",
		r.Header.Get(engine.HeaderTenantID), r.Header.Get(engine.HeaderSessionID), message)

	s := fe.open(w, r)
	for _, word := range strings.Fields(answerFor(message)) {
		if !s.send(relay.EventToken, map[string]string{"text": word + " "}) {
			return
		}
	}
	s.send(relay.EventDone, map[string]any{"sources": []string{"fake-engine"}})
}

func (fe *fakeEngine) handleMissionStream(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	missionID, _ := body["mission_id"].(string)
	resumeFrom, _ := body["resume_from"].(string)

	fe.mu.Lock()
	segment := fe.segments[missionID]
	fe.segments[missionID] = segment + 1
	fe.mu.Unlock()

	log.Printf("mission stream [mission=%s segment=%d resume_from=%q]", missionID, segment, resumeFrom)

	s := fe.open(w, r)
	if !s.send(relay.EventToken, map[string]string{"text": fmt.Sprintf("Working on step %d. ", segment+1)}) {
		return
	}

	if segment < fe.checkpoints {
		cp := map[string]any{
			"id":      fmt.Sprintf("%s-cp-%d", missionID, segment+1),
			"title":   fmt.Sprintf("Approve step %d?", segment+1),
			"options": []string{"proceed", "revise"},
		}
		if !s.send(relay.EventCheckpoint, cp) {
			return
		}
		// The gateway closes the stream once it has the checkpoint.
		<-r.Context().Done()
		return
	}

	s.send(relay.EventDone, map[string]any{"summary": "mission complete"})
}

func (fe *fakeEngine) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var in engine.PreflightRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	writeJSON(w, engine.PreflightResponse{
		Passed: true,
		Checks: []engine.PreflightCheck{{
			ID:       "engine_capacity",
			Name:     "Engine capacity",
			Category: "capacity",
			Status:   "passed",
			Message:  "workers available",
			Required: true,
		}},
	})
}

func (fe *fakeEngine) handleRespond(w http.ResponseWriter, r *http.Request) {
	var in engine.RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	fe.mu.Lock()
	_, seen := fe.answers[id]
	if !seen {
		fe.answers[id] = in
	}
	fe.mu.Unlock()

	if seen {
		http.Error(w, "already resolved", http.StatusConflict)
		return
	}
	log.Printf("checkpoint %s: %s %s", id, in.Action, in.Option)
	writeJSON(w, map[string]string{"status": "accepted"})
}

func (fe *fakeEngine) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fe.mu.Lock()
	answer, resolved := fe.answers[id]
	fe.mu.Unlock()

	view := map[string]any{"id": id, "status": "open"}
	if resolved {
		view["status"] = "resolved"
		view["action"] = answer.Action
	}
	writeJSON(w, view)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func answerFor(message string) string {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "regulatory") || strings.Contains(lower, "fda") {
		return "A digital therapeutic usually follows the De Novo or 510(k) pathway depending on predicate devices."
	}
	return fmt.Sprintf("You asked: %s. Here is a considered expert answer.", message)
}
