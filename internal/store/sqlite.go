// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides mission, checkpoint and draft persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps compare lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS missions (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			goal           TEXT NOT NULL,
			mode           INTEGER NOT NULL,
			status         TEXT NOT NULL,
			budget_limit   REAL NOT NULL DEFAULT 0,
			checkpoint_ids TEXT NOT NULL DEFAULT '[]',
			failure_reason TEXT NOT NULL DEFAULT '',
			checks         TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('pending', 'preflight', 'running', 'awaiting_checkpoint',
				'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
		CREATE INDEX IF NOT EXISTS idx_missions_owner ON missions(tenant_id, user_id);

		CREATE TABLE IF NOT EXISTS checkpoints (
			id              TEXT PRIMARY KEY,
			mission_id      TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			options         TEXT,
			proposed_action TEXT,
			deadline        TEXT NOT NULL,
			status          TEXT NOT NULL,
			resolution      TEXT,
			version         INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,

			CHECK (status IN ('open', 'approved', 'rejected', 'modified', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_mission ON checkpoints(mission_id);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_open_deadline ON checkpoints(status, deadline);

		CREATE TABLE IF NOT EXISTS drafts (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			config     TEXT NOT NULL DEFAULT '{}',
			checkpoint TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_drafts_owner ON drafts(tenant_id, user_id, updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullableJSON stores empty raw JSON as NULL.
func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateMission inserts a new mission
func (s *SQLiteStore) CreateMission(ctx context.Context, m *Mission) error {
	ids, err := json.Marshal(nonNilStrings(m.CheckpointIDs))
	if err != nil {
		return fmt.Errorf("encoding checkpoint ids: %w", err)
	}

	query := `
		INSERT INTO missions (id, tenant_id, user_id, goal, mode, status, budget_limit,
			checkpoint_ids, failure_reason, checks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.TenantID, m.UserID, m.Goal, m.Mode, string(m.Status), m.BudgetLimit,
		string(ids), m.FailureReason, nullableJSON(m.Checks),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting mission: %w", err)
	}

	s.logger.Debug("created mission", "mission_id", m.ID, "mode", m.Mode)
	return nil
}

const missionColumns = `id, tenant_id, user_id, goal, mode, status, budget_limit,
	checkpoint_ids, failure_reason, checks, created_at, updated_at`

func scanMission(row rowScanner) (*Mission, error) {
	var m Mission
	var status, ids, createdAt, updatedAt string
	var checks sql.NullString

	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Goal, &m.Mode, &status, &m.BudgetLimit,
		&ids, &m.FailureReason, &checks, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m.Status = MissionStatus(status)
	m.Checks = rawJSON(checks)
	if err := json.Unmarshal([]byte(ids), &m.CheckpointIDs); err != nil {
		return nil, fmt.Errorf("decoding checkpoint ids: %w", err)
	}

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}

// GetMission retrieves a mission by ID
func (s *SQLiteStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanMission(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mission: %w", err)
	}
	return m, nil
}

// UpdateMission writes the mutable fields of an existing mission
func (s *SQLiteStore) UpdateMission(ctx context.Context, m *Mission) error {
	ids, err := json.Marshal(nonNilStrings(m.CheckpointIDs))
	if err != nil {
		return fmt.Errorf("encoding checkpoint ids: %w", err)
	}

	query := `
		UPDATE missions
		SET status = ?, checkpoint_ids = ?, failure_reason = ?, checks = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(m.Status), string(ids), m.FailureReason, nullableJSON(m.Checks),
		formatTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating mission: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMissionsByStatus returns missions in any of the given statuses, oldest first
func (s *SQLiteStore) ListMissionsByStatus(ctx context.Context, statuses ...MissionStatus) ([]*Mission, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := `SELECT ` + missionColumns + ` FROM missions WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying missions: %w", err)
	}
	defer rows.Close()

	var missions []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mission: %w", err)
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating missions: %w", err)
	}
	return missions, nil
}

// CreateCheckpoint inserts a new checkpoint
func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	res, err := encodeResolution(cp.Resolution)
	if err != nil {
		return err
	}

	version := cp.Version
	if version == 0 {
		version = 1
	}

	query := `
		INSERT INTO checkpoints (id, mission_id, tenant_id, user_id, title, options,
			proposed_action, deadline, status, resolution, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.ID, cp.MissionID, cp.TenantID, cp.UserID, cp.Title,
		nullableJSON(cp.Options), nullableJSON(cp.ProposedAction),
		formatTime(cp.Deadline), string(cp.Status), res, version, formatTime(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	cp.Version = version
	return nil
}

const checkpointColumns = `id, mission_id, tenant_id, user_id, title, options,
	proposed_action, deadline, status, resolution, version, created_at`

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var options, proposed, resolution sql.NullString
	var deadline, status, createdAt string

	if err := row.Scan(&cp.ID, &cp.MissionID, &cp.TenantID, &cp.UserID, &cp.Title,
		&options, &proposed, &deadline, &status, &resolution, &cp.Version, &createdAt); err != nil {
		return nil, err
	}

	cp.Options = rawJSON(options)
	cp.ProposedAction = rawJSON(proposed)
	cp.Status = CheckpointStatus(status)

	if resolution.Valid && resolution.String != "" {
		var r Resolution
		if err := json.Unmarshal([]byte(resolution.String), &r); err != nil {
			return nil, fmt.Errorf("decoding resolution: %w", err)
		}
		cp.Resolution = &r
	}

	var err error
	if cp.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("parsing deadline: %w", err)
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cp, nil
}

func encodeResolution(r *Resolution) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding resolution: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// GetCheckpoint retrieves a checkpoint by ID
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	return cp, nil
}

// ClaimCheckpoint transitions an open checkpoint at the expected version
func (s *SQLiteStore) ClaimCheckpoint(ctx context.Context, id string, version int64, status CheckpointStatus, res *Resolution) (int64, error) {
	encoded, err := encodeResolution(res)
	if err != nil {
		return 0, err
	}

	query := `
		UPDATE checkpoints
		SET status = ?, resolution = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = 'open'
	`
	result, err := s.db.ExecContext(ctx, query, string(status), encoded, id, version)
	if err != nil {
		return 0, fmt.Errorf("claiming checkpoint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetCheckpoint(ctx, id); err != nil {
			return 0, err
		}
		return 0, ErrVersionConflict
	}
	return version + 1, nil
}

// ReleaseCheckpoint reopens a checkpoint that was claimed at version
func (s *SQLiteStore) ReleaseCheckpoint(ctx context.Context, id string, version int64) error {
	query := `
		UPDATE checkpoints
		SET status = 'open', resolution = NULL, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query, id, version)
	if err != nil {
		return fmt.Errorf("releasing checkpoint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListOverdueCheckpoints returns open checkpoints whose deadline is before now
func (s *SQLiteStore) ListOverdueCheckpoints(ctx context.Context, now time.Time) ([]*Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints
		WHERE status = 'open' AND deadline < ?
		ORDER BY deadline ASC`

	rows, err := s.db.QueryContext(ctx, query, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying overdue checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoints: %w", err)
	}
	return out, nil
}

// CreateDraft inserts a new draft
func (s *SQLiteStore) CreateDraft(ctx context.Context, d *Draft) error {
	config, err := encodeConfig(d.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO drafts (id, tenant_id, user_id, name, config, checkpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.TenantID, d.UserID, d.Name, config, nullableJSON(d.Checkpoint),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting draft: %w", err)
	}
	return nil
}

func encodeConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		return "{}", nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding draft config: %w", err)
	}
	return string(data), nil
}

const draftColumns = `id, tenant_id, user_id, name, config, checkpoint, created_at, updated_at`

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var config, createdAt, updatedAt string
	var checkpoint sql.NullString

	if err := row.Scan(&d.ID, &d.TenantID, &d.UserID, &d.Name, &config, &checkpoint,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(config), &d.Config); err != nil {
		return nil, fmt.Errorf("decoding draft config: %w", err)
	}
	if d.Config == nil {
		d.Config = map[string]any{}
	}
	d.Checkpoint = rawJSON(checkpoint)

	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// GetDraft retrieves a draft by ID
func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying draft: %w", err)
	}
	return d, nil
}

// UpdateDraft replaces the name, config and checkpoint of an existing draft
func (s *SQLiteStore) UpdateDraft(ctx context.Context, d *Draft) error {
	config, err := encodeConfig(d.Config)
	if err != nil {
		return err
	}

	query := `
		UPDATE drafts SET name = ?, config = ?, checkpoint = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		d.Name, config, nullableJSON(d.Checkpoint), formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("updating draft: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDrafts returns drafts owned by the tenant/user pair, most recently updated first
func (s *SQLiteStore) ListDrafts(ctx context.Context, tenantID, userID string) ([]*Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning draft: %w", err)
		}
		drafts = append(drafts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating drafts: %w", err)
	}
	return drafts, nil
}

// DeleteDraft removes a draft by ID
func (s *SQLiteStore) DeleteDraft(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting draft: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
