// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	missions    map[string]*Mission    // keyed by mission ID
	checkpoints map[string]*Checkpoint // keyed by checkpoint ID
	drafts      map[string]*Draft      // keyed by draft ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		missions:    make(map[string]*Mission),
		checkpoints: make(map[string]*Checkpoint),
		drafts:      make(map[string]*Draft),
	}
}

func copyMission(m *Mission) *Mission {
	c := *m
	c.CheckpointIDs = append([]string(nil), m.CheckpointIDs...)
	c.Checks = append(json.RawMessage(nil), m.Checks...)
	return &c
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	c := *cp
	if cp.Resolution != nil {
		r := *cp.Resolution
		c.Resolution = &r
	}
	return &c
}

func copyDraft(d *Draft) *Draft {
	c := *d
	c.Config = maps.Clone(d.Config)
	if c.Config == nil {
		c.Config = map[string]any{}
	}
	c.Checkpoint = append(json.RawMessage(nil), d.Checkpoint...)
	return &c
}

// CreateMission stores a new mission.
func (m *MockStore) CreateMission(ctx context.Context, mission *Mission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.missions[mission.ID] = copyMission(mission)
	return nil
}

// GetMission retrieves a mission by ID.
func (m *MockStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mission, ok := m.missions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMission(mission), nil
}

// UpdateMission replaces an existing mission.
func (m *MockStore) UpdateMission(ctx context.Context, mission *Mission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.missions[mission.ID]; !ok {
		return ErrNotFound
	}
	m.missions[mission.ID] = copyMission(mission)
	return nil
}

// ListMissionsByStatus returns missions in any of the given statuses, oldest first.
func (m *MockStore) ListMissionsByStatus(ctx context.Context, statuses ...MissionStatus) ([]*Mission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Mission
	for _, mission := range m.missions {
		for _, st := range statuses {
			if mission.Status == st {
				out = append(out, copyMission(mission))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateCheckpoint stores a new checkpoint.
func (m *MockStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.Version == 0 {
		cp.Version = 1
	}
	m.checkpoints[cp.ID] = copyCheckpoint(cp)
	return nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (m *MockStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCheckpoint(cp), nil
}

// ClaimCheckpoint transitions an open checkpoint at the expected version.
func (m *MockStore) ClaimCheckpoint(ctx context.Context, id string, version int64, status CheckpointStatus, res *Resolution) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return 0, ErrNotFound
	}
	if cp.Version != version || cp.Status != CheckpointOpen {
		return 0, ErrVersionConflict
	}

	cp.Status = status
	if res != nil {
		r := *res
		cp.Resolution = &r
	} else {
		cp.Resolution = nil
	}
	cp.Version++
	return cp.Version, nil
}

// ReleaseCheckpoint reopens a checkpoint claimed at version.
func (m *MockStore) ReleaseCheckpoint(ctx context.Context, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[id]
	if !ok || cp.Version != version {
		return ErrVersionConflict
	}
	cp.Status = CheckpointOpen
	cp.Resolution = nil
	cp.Version++
	return nil
}

// ListOverdueCheckpoints returns open checkpoints whose deadline is before now.
func (m *MockStore) ListOverdueCheckpoints(ctx context.Context, now time.Time) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range m.checkpoints {
		if cp.Status == CheckpointOpen && cp.Deadline.Before(now) {
			out = append(out, copyCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// CreateDraft stores a new draft.
func (m *MockStore) CreateDraft(ctx context.Context, d *Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drafts[d.ID] = copyDraft(d)
	return nil
}

// GetDraft retrieves a draft by ID.
func (m *MockStore) GetDraft(ctx context.Context, id string) (*Draft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.drafts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDraft(d), nil
}

// UpdateDraft replaces an existing draft.
func (m *MockStore) UpdateDraft(ctx context.Context, d *Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.drafts[d.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyDraft(d)
	updated.CreatedAt = existing.CreatedAt
	m.drafts[d.ID] = updated
	return nil
}

// ListDrafts returns drafts owned by the tenant/user pair, most recently updated first.
func (m *MockStore) ListDrafts(ctx context.Context, tenantID, userID string) ([]*Draft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Draft
	for _, d := range m.drafts {
		if d.TenantID == tenantID && d.UserID == userID {
			out = append(out, copyDraft(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteDraft removes a draft by ID.
func (m *MockStore) DeleteDraft(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.drafts[id]; !ok {
		return ErrNotFound
	}
	delete(m.drafts, id)
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
