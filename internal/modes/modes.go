// ABOUTME: Static catalog of the four consultation execution modes
// ABOUTME: Maps a mode identifier to its immutable configuration and backend route class

package modes

import (
	"fmt"
	"sort"

	"github.com/2389/consult-gateway/internal/errs"
)

// ID identifies an execution mode (1-4).
type ID int

const (
	Direct     ID = 1
	Panel      ID = 2
	Guided     ID = 3
	Autonomous ID = 4
)

// Route is the backend route class a mode is served by.
type Route string

const (
	RouteInteractive Route = "interactive"
	RouteMission     Route = "mission"
)

// Mode is the immutable configuration of one execution mode.
type Mode struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	HITLRequired bool   `json:"hitl_required"`
	// HITLOptional marks modes whose checkpoints are enabled by policy rather than always.
	HITLOptional bool   `json:"hitl_optional"`
	MaxAgents    int    `json:"max_agents"`
	Latency      string `json:"latency"`
	Complexity   int    `json:"complexity"`
	Route        Route  `json:"route"`
	// Checkpoints reports whether the backend may emit checkpoint events for this mode.
	Checkpoints bool `json:"checkpoints"`
}

// IsMission reports whether the mode runs through the mission orchestrator.
func (m Mode) IsMission() bool {
	return m.Route == RouteMission
}

// ErrUnknownMode is returned for identifiers outside 1-4.
var ErrUnknownMode = errs.Validation(errs.CodeUnknownMode, "unknown mode")

var catalog = map[ID]Mode{
	Direct: {
		ID: Direct, Name: "Direct", MaxAgents: 1,
		Latency: "seconds", Complexity: 1, Route: RouteInteractive,
	},
	Panel: {
		ID: Panel, Name: "Panel", MaxAgents: 5,
		Latency: "seconds", Complexity: 2, Route: RouteInteractive,
	},
	Guided: {
		ID: Guided, Name: "Guided", HITLRequired: true, MaxAgents: 5,
		Latency: "minutes", Complexity: 3, Route: RouteMission, Checkpoints: true,
	},
	Autonomous: {
		ID: Autonomous, Name: "Autonomous", HITLOptional: true, MaxAgents: 12,
		Latency: "minutes", Complexity: 4, Route: RouteMission, Checkpoints: true,
	},
}

// Get returns the configuration for id.
func Get(id ID) (Mode, error) {
	m, ok := catalog[id]
	if !ok {
		return Mode{}, fmt.Errorf("mode %d: %w", id, ErrUnknownMode)
	}
	return m, nil
}

// RouteFor returns the backend route class for id.
func RouteFor(id ID) (Route, error) {
	m, err := Get(id)
	if err != nil {
		return "", err
	}
	return m.Route, nil
}

// All returns every mode ordered by complexity. The order is for display only.
func All() []Mode {
	out := make([]Mode, 0, len(catalog))
	for _, m := range catalog {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Complexity < out[j].Complexity })
	return out
}

// HITLEnabled reports whether checkpoints are in force for m given the policy
// decision for optional-HITL modes.
func HITLEnabled(m Mode, policyEnables bool) bool {
	if m.HITLRequired {
		return true
	}
	return m.HITLOptional && policyEnables
}
