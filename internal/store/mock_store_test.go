// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Verifies returned values are copies isolated from the stored state

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	m := testMission("m-1", MissionRunning)
	m.CheckpointIDs = []string{"cp-1"}
	require.NoError(t, s.CreateMission(ctx, m))

	m.CheckpointIDs[0] = "mutated"
	got, err := s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-1"}, got.CheckpointIDs)

	got.Status = MissionFailed
	again, _ := s.GetMission(ctx, "m-1")
	assert.Equal(t, MissionRunning, again.Status)
}

func TestMockStore_DraftConfigIsolated(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.CreateDraft(ctx, &Draft{
		ID: "d-1", TenantID: "t", UserID: "u", Name: "n",
		Config: map[string]any{"k": "v"}, CreatedAt: now, UpdatedAt: now,
	}))

	got, _ := s.GetDraft(ctx, "d-1")
	got.Config["k"] = "changed"

	again, _ := s.GetDraft(ctx, "d-1")
	assert.Equal(t, "v", again.Config["k"])
}
