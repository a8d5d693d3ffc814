// ABOUTME: Owner-scoped persistence of resumable guided-journey drafts
// ABOUTME: Partial updates merge config key by key and replace the checkpoint wholesale

package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/store"
)

// maxNameLength bounds draft names.
const maxNameLength = 200

// Owner scopes every draft operation.
type Owner struct {
	TenantID string
	UserID   string
}

// Draft is the client-facing view of a stored draft.
type Draft struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Config     map[string]any  `json:"config"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Patch is a partial update. Nil fields are left alone; a nil value inside
// Config deletes that key; a JSON null Checkpoint clears it.
type Patch struct {
	Name       *string         `json:"name,omitempty"`
	Config     map[string]any  `json:"config,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// Service manages drafts.
type Service struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a draft service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "drafts"),
	}
}

// Create saves a new draft and returns it.
func (s *Service) Create(ctx context.Context, owner Owner, name string, config map[string]any, checkpoint json.RawMessage) (*Draft, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	if err := validCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &store.Draft{
		ID:         uuid.NewString(),
		TenantID:   owner.TenantID,
		UserID:     owner.UserID,
		Name:       name,
		Config:     withoutNulls(config),
		Checkpoint: normalizeCheckpoint(checkpoint),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("creating draft: %w", err)
	}

	s.logger.Debug("draft created", "draft_id", d.ID, "tenant_id", owner.TenantID)
	return toView(d), nil
}

// Get returns a draft owned by owner.
func (s *Service) Get(ctx context.Context, owner Owner, id string) (*Draft, error) {
	d, err := s.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return toView(d), nil
}

// List returns the owner's drafts, most recently updated first.
func (s *Service) List(ctx context.Context, owner Owner) ([]*Draft, error) {
	stored, err := s.store.ListDrafts(ctx, owner.TenantID, owner.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}

	out := make([]*Draft, 0, len(stored))
	for _, d := range stored {
		out = append(out, toView(d))
	}
	return out, nil
}

// Update applies p to a draft owned by owner and returns the result.
func (s *Service) Update(ctx context.Context, owner Owner, id string, p Patch) (*Draft, error) {
	d, err := s.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if p.Name != nil {
		name, err := validName(*p.Name)
		if err != nil {
			return nil, err
		}
		d.Name = name
	}

	if p.Config != nil {
		merged := maps.Clone(d.Config)
		if merged == nil {
			merged = make(map[string]any, len(p.Config))
		}
		for k, v := range p.Config {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		d.Config = merged
	}

	if p.Checkpoint != nil {
		if err := validCheckpoint(p.Checkpoint); err != nil {
			return nil, err
		}
		d.Checkpoint = normalizeCheckpoint(p.Checkpoint)
	}

	d.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateDraft(ctx, d); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("updating draft: %w", err)
	}
	return toView(d), nil
}

// Delete removes a draft owned by owner.
func (s *Service) Delete(ctx context.Context, owner Owner, id string) error {
	if _, err := s.load(ctx, owner, id); err != nil {
		return err
	}
	if err := s.store.DeleteDraft(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(id)
		}
		return fmt.Errorf("deleting draft: %w", err)
	}

	s.logger.Debug("draft deleted", "draft_id", id, "tenant_id", owner.TenantID)
	return nil
}

// load fetches a draft and hides drafts owned by anyone else.
func (s *Service) load(ctx context.Context, owner Owner, id string) (*store.Draft, error) {
	d, err := s.store.GetDraft(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("loading draft: %w", err)
	}
	if d.TenantID != owner.TenantID || d.UserID != owner.UserID {
		return nil, notFound(id)
	}
	return d, nil
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.Validation("name_required", "draft name is required")
	}
	if len(name) > maxNameLength {
		return "", errs.Validation("name_too_long", fmt.Sprintf("draft name exceeds %d characters", maxNameLength))
	}
	return name, nil
}

func validCheckpoint(raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return errs.Validation("invalid_checkpoint", "checkpoint must be valid JSON")
	}
	return nil
}

func normalizeCheckpoint(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.RawMessage(trimmed)
}

func withoutNulls(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func toView(d *store.Draft) *Draft {
	config := d.Config
	if config == nil {
		config = map[string]any{}
	}
	return &Draft{
		ID:         d.ID,
		Name:       d.Name,
		Config:     config,
		Checkpoint: d.Checkpoint,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func notFound(id string) error {
	return errs.NotFound("draft_not_found", "draft not found").WithDetail("draft_id", id)
}
