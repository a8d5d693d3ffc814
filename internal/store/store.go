// ABOUTME: Store interface and data types for consult-gateway persistence
// ABOUTME: Defines Mission, Checkpoint, Draft structs and the Store interface for database operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic write loses to a concurrent writer
var ErrVersionConflict = errors.New("version conflict")

// MissionStatus is the lifecycle state of a mission
type MissionStatus string

const (
	MissionPending            MissionStatus = "pending"
	MissionPreflight          MissionStatus = "preflight"
	MissionRunning            MissionStatus = "running"
	MissionAwaitingCheckpoint MissionStatus = "awaiting_checkpoint"
	MissionCompleted          MissionStatus = "completed"
	MissionFailed             MissionStatus = "failed"
	MissionCancelled          MissionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed || s == MissionCancelled
}

var missionTransitions = map[MissionStatus][]MissionStatus{
	MissionPending:            {MissionPreflight, MissionFailed, MissionCancelled},
	MissionPreflight:          {MissionRunning, MissionFailed, MissionCancelled},
	MissionRunning:            {MissionAwaitingCheckpoint, MissionCompleted, MissionFailed, MissionCancelled},
	MissionAwaitingCheckpoint: {MissionRunning, MissionFailed, MissionCancelled},
}

// CanTransition reports whether a mission may move from one status to another.
// Transitions are monotonic except awaiting_checkpoint <-> running.
func CanTransition(from, to MissionStatus) bool {
	for _, s := range missionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Failure reasons recorded on failed or cancelled missions
const (
	ReasonPreflightFailed   = "preflight_failed"
	ReasonCheckpointTimeout = "checkpoint_timeout"
	ReasonUpstreamError     = "upstream_error"
	ReasonCheckpointReject  = "checkpoint_rejected"
	ReasonCancelled         = "cancelled_by_user"
	ReasonGatewayRestart    = "gateway_restart"
)

// Mission is a long-running mode 3/4 execution
type Mission struct {
	ID            string
	TenantID      string
	UserID        string
	Goal          string
	Mode          int
	Status        MissionStatus
	BudgetLimit   float64
	CheckpointIDs []string
	FailureReason string
	// Checks holds the preflight checks as JSON
	Checks    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckpointStatus is the resolution state of a checkpoint
type CheckpointStatus string

const (
	CheckpointOpen     CheckpointStatus = "open"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointModified CheckpointStatus = "modified"
	CheckpointExpired  CheckpointStatus = "expired"
)

// Resolved reports whether the checkpoint has left the open state.
func (s CheckpointStatus) Resolved() bool {
	return s != CheckpointOpen
}

// Resolution records how a checkpoint was answered
type Resolution struct {
	ChosenOption  string          `json:"chosen_option,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
	ResolvedBy    string          `json:"resolved_by"`
	ResolvedAt    time.Time       `json:"resolved_at"`
	// Terminal marks a rejection that ends the mission.
	Terminal bool `json:"terminal,omitempty"`
}

// Checkpoint is a HITL decision point raised by the compute engine
type Checkpoint struct {
	ID             string
	MissionID      string
	TenantID       string
	UserID         string
	Title          string
	Options        json.RawMessage
	ProposedAction json.RawMessage
	Deadline       time.Time
	Status         CheckpointStatus
	Resolution     *Resolution
	Version        int64
	CreatedAt      time.Time
}

// Draft is a saved, resumable guided journey
type Draft struct {
	ID         string
	TenantID   string
	UserID     string
	Name       string
	Config     map[string]any
	Checkpoint json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store defines the interface for mission, checkpoint and draft persistence
type Store interface {
	// Missions
	CreateMission(ctx context.Context, m *Mission) error
	GetMission(ctx context.Context, id string) (*Mission, error)
	UpdateMission(ctx context.Context, m *Mission) error
	ListMissionsByStatus(ctx context.Context, statuses ...MissionStatus) ([]*Mission, error)

	// Checkpoints
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ClaimCheckpoint moves an open checkpoint at the given version to status and
	// returns the new version. ErrVersionConflict when the row moved on.
	ClaimCheckpoint(ctx context.Context, id string, version int64, status CheckpointStatus, res *Resolution) (int64, error)
	// ReleaseCheckpoint reopens a checkpoint claimed at version.
	ReleaseCheckpoint(ctx context.Context, id string, version int64) error
	ListOverdueCheckpoints(ctx context.Context, now time.Time) ([]*Checkpoint, error)

	// Drafts
	CreateDraft(ctx context.Context, d *Draft) error
	GetDraft(ctx context.Context, id string) (*Draft, error)
	UpdateDraft(ctx context.Context, d *Draft) error
	ListDrafts(ctx context.Context, tenantID, userID string) ([]*Draft, error)
	DeleteDraft(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
