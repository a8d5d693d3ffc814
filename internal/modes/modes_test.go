// ABOUTME: Tests for the mode registry
// ABOUTME: Pins the invariant table: HITL flags, agent bounds and route classes

package modes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/errs"
)

func TestGet_InvariantTable(t *testing.T) {
	tests := []struct {
		id           ID
		hitlRequired bool
		route        Route
		maxAgents    int
	}{
		{Direct, false, RouteInteractive, 1},
		{Panel, false, RouteInteractive, 5},
		{Guided, true, RouteMission, 5},
		{Autonomous, false, RouteMission, 12},
	}

	for _, tt := range tests {
		m, err := Get(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.id, m.ID)
		assert.Equal(t, tt.hitlRequired, m.HITLRequired, "mode %d", tt.id)
		assert.Equal(t, tt.route, m.Route, "mode %d", tt.id)
		assert.Equal(t, tt.maxAgents, m.MaxAgents, "mode %d", tt.id)
	}
}

func TestGet_UnknownMode(t *testing.T) {
	for _, id := range []ID{0, 5, -1} {
		_, err := Get(id)
		require.Error(t, err)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		assert.True(t, errs.HasCode(err, errs.CodeUnknownMode))
	}
}

func TestHITLEnabled(t *testing.T) {
	direct, _ := Get(Direct)
	guided, _ := Get(Guided)
	autonomous, _ := Get(Autonomous)

	assert.False(t, HITLEnabled(direct, true))
	assert.True(t, HITLEnabled(guided, false))
	assert.False(t, HITLEnabled(autonomous, false))
	assert.True(t, HITLEnabled(autonomous, true))
}

func TestAll_OrderedByComplexity(t *testing.T) {
	all := All()
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Complexity, all[i].Complexity)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	m, _ := Get(Panel)
	m.MaxAgents = 99

	again, _ := Get(Panel)
	assert.Equal(t, 5, again.MaxAgents)
}
