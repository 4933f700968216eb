// Package store provides storage backends for the piucane automation engine.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/fabiol8/piucane-engine/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSegment(seg models.Segment) error {
	conditionsJSON, err := json.Marshal(seg.Conditions)
	if err != nil {
		return fmt.Errorf("marshal segment conditions: %w", err)
	}
	var estimatedSize interface{}
	if seg.EstimatedSize != nil {
		estimatedSize = *seg.EstimatedSize
	}
	var lastCalculated interface{}
	if seg.LastCalculated != nil {
		lastCalculated = *seg.LastCalculated
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO segments
		(id, name, description, conditions, is_active, estimated_size, last_calculated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.Name, nilIfEmpty(seg.Description), string(conditionsJSON), seg.IsActive,
		estimatedSize, lastCalculated, seg.CreatedAt, seg.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSegment failed", "error", err, "id", seg.ID)
		return fmt.Errorf("failed to save segment %s: %w", seg.ID, err)
	}
	return nil
}

const segmentColumns = `id, name, description, conditions, is_active, estimated_size, last_calculated, created_at, updated_at`

func (s *SQLiteStore) GetSegment(id string) (*models.Segment, error) {
	row := s.db.QueryRow(`SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id)
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSegment failed", "error", err, "id", id)
		return nil, err
	}
	return &seg, nil
}

func (s *SQLiteStore) ListSegments(activeOnly bool) ([]models.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("SQLiteStore ListSegments query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSegment(id string) error {
	_, err := s.db.Exec(`DELETE FROM segments WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteSegment failed", "error", err, "id", id)
	}
	return err
}

const journeyColumns = `id, name, description, definition, is_active, total_entered, total_completed, total_dropped, created_at, updated_at`

func (s *SQLiteStore) SaveJourney(j models.CustomerJourney) error {
	definition, err := marshalJourneyDefinition(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO journeys
		(id, name, description, definition, is_active, total_entered, total_completed, total_dropped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, nilIfEmpty(j.Description), definition, j.IsActive,
		j.Stats.TotalEntered, j.Stats.TotalCompleted, j.Stats.TotalDropped, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveJourney failed", "error", err, "id", j.ID)
		return fmt.Errorf("failed to save journey %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetJourney(id string) (*models.CustomerJourney, error) {
	row := s.db.QueryRow(`SELECT `+journeyColumns+` FROM journeys WHERE id = ?`, id)
	j, err := scanJourney(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetJourney failed", "error", err, "id", id)
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) ListJourneys(activeOnly bool) ([]models.CustomerJourney, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("SQLiteStore ListJourneys query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.CustomerJourney
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteJourney(id string) error {
	_, err := s.db.Exec(`DELETE FROM journeys WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteJourney failed", "error", err, "id", id)
	}
	return err
}

func (s *SQLiteStore) IncrementJourneyStats(journeyID string, entered, completed, dropped int64) error {
	res, err := s.db.Exec(`UPDATE journeys SET
		total_entered = total_entered + ?,
		total_completed = total_completed + ?,
		total_dropped = total_dropped + ?
		WHERE id = ?`, entered, completed, dropped, journeyID)
	if err != nil {
		slog.Error("SQLiteStore IncrementJourneyStats failed", "error", err, "id", journeyID)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveTemplate(t models.CampaignTemplate) error {
	definition, err := marshalTemplateDefinition(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO campaign_templates
		(id, name, description, definition, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, nilIfEmpty(t.Description), definition, t.Published, t.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save template %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(id string) (*models.CampaignTemplate, error) {
	row := s.db.QueryRow(`SELECT id, name, description, definition, published, created_at
		FROM campaign_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTemplate failed", "error", err, "id", id)
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTemplates() ([]models.CampaignTemplate, error) {
	rows, err := s.db.Query(`SELECT id, name, description, definition, published, created_at
		FROM campaign_templates ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListTemplates query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.CampaignTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const participantColumns = `id, journey_id, user_id, entered_at, current_step_id, step_history, status, goal_achieved, drop_reason, version, locked_at, updated_at`

func (s *SQLiteStore) CreateParticipant(p models.JourneyParticipant) error {
	historyJSON, err := marshalStepHistory(p.StepHistory)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO participants
		(id, journey_id, user_id, entered_at, current_step_id, step_history, status, goal_achieved, drop_reason, version, locked_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.JourneyID, p.UserID, p.EnteredAt, p.CurrentStepID, nilIfEmpty(historyJSON),
		p.Status, p.GoalAchieved, nilIfEmpty(p.DropReason), p.Version, lockedAtArg(p.LockedAt), p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateParticipant failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to create participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveParticipant(p models.JourneyParticipant) error {
	historyJSON, err := marshalStepHistory(p.StepHistory)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE participants SET
		current_step_id = ?, step_history = ?, status = ?, goal_achieved = ?,
		drop_reason = ?, version = version + 1, locked_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.CurrentStepID, nilIfEmpty(historyJSON), p.Status, p.GoalAchieved,
		nilIfEmpty(p.DropReason), lockedAtArg(p.LockedAt), p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		slog.Error("SQLiteStore SaveParticipant failed", "error", err, "id", p.ID)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Debug("SQLiteStore SaveParticipant version conflict", "id", p.ID, "version", p.Version)
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) GetLatestParticipant(journeyID, userID string) (*models.JourneyParticipant, error) {
	row := s.db.QueryRow(`SELECT `+participantColumns+` FROM participants
		WHERE journey_id = ? AND user_id = ? ORDER BY entered_at DESC LIMIT 1`, journeyID, userID)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLatestParticipant failed", "error", err, "journeyID", journeyID, "userID", userID)
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListParticipants(journeyID string, status models.ParticipantStatus, limit, offset int) ([]models.JourneyParticipant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE journey_id = ?`
	args := []any{journeyID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY entered_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else {
		query += ` LIMIT -1`
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListParticipants query failed", "error", err, "journeyID", journeyID)
		return nil, err
	}
	defer rows.Close()

	var out []models.JourneyParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountActiveParticipants(journeyID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM participants WHERE journey_id = ? AND status = ?`,
		journeyID, models.ParticipantActive).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore CountActiveParticipants failed", "error", err, "journeyID", journeyID)
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStore) ClaimActiveParticipants(journeyID string, now time.Time, limit int) ([]models.JourneyParticipant, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+participantColumns+` FROM participants
		WHERE journey_id = ? AND status = ? AND locked_at IS NULL
		ORDER BY entered_at, id LIMIT ?`, journeyID, models.ParticipantActive, limit)
	if err != nil {
		slog.Error("SQLiteStore ClaimActiveParticipants query failed", "error", err, "journeyID", journeyID)
		return nil, err
	}
	var claimed []models.JourneyParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range claimed {
		if _, err := tx.Exec(`UPDATE participants SET locked_at = ? WHERE id = ?`, now, claimed[i].ID); err != nil {
			slog.Error("SQLiteStore ClaimActiveParticipants lock failed", "error", err, "id", claimed[i].ID)
			return nil, err
		}
		ts := now
		claimed[i].LockedAt = &ts
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) ReleaseParticipant(id string) error {
	_, err := s.db.Exec(`UPDATE participants SET locked_at = NULL WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore ReleaseParticipant failed", "error", err, "id", id)
	}
	return err
}

func (s *SQLiteStore) RequeueStaleClaims(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE participants SET locked_at = NULL WHERE locked_at IS NOT NULL AND locked_at < ?`, staleBefore)
	if err != nil {
		slog.Error("SQLiteStore RequeueStaleClaims failed", "error", err)
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
