// ABOUTME: Tests for the draft service against the SQLite store
// ABOUTME: Verifies round trips, partial merges and owner scoping

package drafts

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/store"
)

var alice = Owner{TenantID: "acme", UserID: "alice"}

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "drafts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(s, slog.Default())
}

func TestCreateGet_RoundTrip(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	config := map[string]any{"audience": "clinicians", "depth": 3.0}
	checkpoint := json.RawMessage(`{"step":2,"answer":"yes"}`)

	created, err := svc.Create(ctx, alice, "Launch plan", config, checkpoint)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := svc.Get(ctx, alice, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Launch plan", got.Name)
	assert.Equal(t, config, got.Config)
	assert.JSONEq(t, string(checkpoint), string(got.Checkpoint))
}

func TestUpdate_NameOnlyChangesName(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, alice, "before", map[string]any{"a": "1"}, json.RawMessage(`{"step":1}`))
	require.NoError(t, err)

	name := "x"
	_, err = svc.Update(ctx, alice, created.ID, Patch{Name: &name})
	require.NoError(t, err)

	got, err := svc.Get(ctx, alice, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
	assert.Equal(t, map[string]any{"a": "1"}, got.Config)
	assert.JSONEq(t, `{"step":1}`, string(got.Checkpoint))
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
}

func TestUpdate_MergesConfigAndReplacesCheckpoint(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, alice, "journey",
		map[string]any{"keep": "k", "change": "old", "drop": "d"},
		json.RawMessage(`{"step":1,"notes":"long"}`))
	require.NoError(t, err)

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{
		"config": {"change": "new", "drop": null, "add": true},
		"checkpoint": {"step": 2}
	}`), &p))

	updated, err := svc.Update(ctx, alice, created.ID, p)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"keep": "k", "change": "new", "add": true}, updated.Config)
	assert.JSONEq(t, `{"step":2}`, string(updated.Checkpoint))

	got, err := svc.Get(ctx, alice, created.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Config, got.Config)
	assert.JSONEq(t, `{"step":2}`, string(got.Checkpoint))
}

func TestUpdate_NullCheckpointClears(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, alice, "j", nil, json.RawMessage(`{"step":1}`))
	require.NoError(t, err)

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"checkpoint": null}`), &p))
	updated, err := svc.Update(ctx, alice, created.ID, p)
	require.NoError(t, err)
	assert.Empty(t, updated.Checkpoint)
}

func TestOwnerScoping(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, alice, "private", nil, nil)
	require.NoError(t, err)

	for _, other := range []Owner{
		{TenantID: "acme", UserID: "bob"},
		{TenantID: "globex", UserID: "alice"},
	} {
		_, err := svc.Get(ctx, other, created.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))

		name := "stolen"
		_, err = svc.Update(ctx, other, created.ID, Patch{Name: &name})
		assert.True(t, errs.Is(err, errs.KindNotFound))

		assert.True(t, errs.Is(svc.Delete(ctx, other, created.ID), errs.KindNotFound))

		list, err := svc.List(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, list)
	}

	got, err := svc.Get(ctx, alice, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "private", got.Name)
}

func TestListAndDelete(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, alice, "first", nil, nil)
	require.NoError(t, err)

	// Ensure distinct update times for ordering.
	clock := time.Now().Add(time.Second)
	svc.now = func() time.Time { return clock }
	second, err := svc.Create(ctx, alice, "second", nil, nil)
	require.NoError(t, err)

	list, err := svc.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	require.NoError(t, svc.Delete(ctx, alice, first.ID))
	_, err = svc.Get(ctx, alice, first.ID)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	list, err = svc.List(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, alice, "   ", nil, nil)
	assert.True(t, errs.HasCode(err, "name_required"))

	_, err = svc.Create(ctx, alice, "ok", nil, json.RawMessage(`{broken`))
	assert.True(t, errs.HasCode(err, "invalid_checkpoint"))

	_, err = svc.Get(ctx, alice, "does-not-exist")
	assert.True(t, errs.HasCode(err, "draft_not_found"))
}
