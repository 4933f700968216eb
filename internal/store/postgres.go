// Package store provides storage backends for the piucane automation engine.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/fabiol8/piucane-engine/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveSegment(seg models.Segment) error {
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
	_, err = s.db.Exec(`INSERT INTO segments
		(id, name, description, conditions, is_active, estimated_size, last_calculated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, conditions = EXCLUDED.conditions,
			is_active = EXCLUDED.is_active, estimated_size = EXCLUDED.estimated_size,
			last_calculated = EXCLUDED.last_calculated, updated_at = EXCLUDED.updated_at`,
		seg.ID, seg.Name, nilIfEmpty(seg.Description), string(conditionsJSON), seg.IsActive,
		estimatedSize, lastCalculated, seg.CreatedAt, seg.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSegment failed", "error", err, "id", seg.ID)
		return fmt.Errorf("failed to save segment %s: %w", seg.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSegment(id string) (*models.Segment, error) {
	row := s.db.QueryRow(`SELECT `+segmentColumns+` FROM segments WHERE id = $1`, id)
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSegment failed", "error", err, "id", id)
		return nil, err
	}
	return &seg, nil
}

func (s *PostgresStore) ListSegments(activeOnly bool) ([]models.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore ListSegments query failed", "error", err)
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

func (s *PostgresStore) DeleteSegment(id string) error {
	_, err := s.db.Exec(`DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteSegment failed", "error", err, "id", id)
	}
	return err
}

func (s *PostgresStore) SaveJourney(j models.CustomerJourney) error {
	definition, err := marshalJourneyDefinition(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO journeys
		(id, name, description, definition, is_active, total_entered, total_completed, total_dropped, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, definition = EXCLUDED.definition,
			is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		j.ID, j.Name, nilIfEmpty(j.Description), definition, j.IsActive,
		j.Stats.TotalEntered, j.Stats.TotalCompleted, j.Stats.TotalDropped, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveJourney failed", "error", err, "id", j.ID)
		return fmt.Errorf("failed to save journey %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJourney(id string) (*models.CustomerJourney, error) {
	row := s.db.QueryRow(`SELECT `+journeyColumns+` FROM journeys WHERE id = $1`, id)
	j, err := scanJourney(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetJourney failed", "error", err, "id", id)
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) ListJourneys(activeOnly bool) ([]models.CustomerJourney, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore ListJourneys query failed", "error", err)
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

func (s *PostgresStore) DeleteJourney(id string) error {
	_, err := s.db.Exec(`DELETE FROM journeys WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteJourney failed", "error", err, "id", id)
	}
	return err
}

func (s *PostgresStore) IncrementJourneyStats(journeyID string, entered, completed, dropped int64) error {
	res, err := s.db.Exec(`UPDATE journeys SET
		total_entered = total_entered + $1,
		total_completed = total_completed + $2,
		total_dropped = total_dropped + $3
		WHERE id = $4`, entered, completed, dropped, journeyID)
	if err != nil {
		slog.Error("PostgresStore IncrementJourneyStats failed", "error", err, "id", journeyID)
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

func (s *PostgresStore) SaveTemplate(t models.CampaignTemplate) error {
	definition, err := marshalTemplateDefinition(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO campaign_templates
		(id, name, description, definition, published, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			definition = EXCLUDED.definition, published = EXCLUDED.published`,
		t.ID, t.Name, nilIfEmpty(t.Description), definition, t.Published, t.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save template %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(id string) (*models.CampaignTemplate, error) {
	row := s.db.QueryRow(`SELECT id, name, description, definition, published, created_at
		FROM campaign_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTemplate failed", "error", err, "id", id)
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTemplates() ([]models.CampaignTemplate, error) {
	rows, err := s.db.Query(`SELECT id, name, description, definition, published, created_at
		FROM campaign_templates ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListTemplates query failed", "error", err)
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

func (s *PostgresStore) CreateParticipant(p models.JourneyParticipant) error {
	historyJSON, err := marshalStepHistory(p.StepHistory)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO participants
		(id, journey_id, user_id, entered_at, current_step_id, step_history, status, goal_achieved, drop_reason, version, locked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.JourneyID, p.UserID, p.EnteredAt, p.CurrentStepID, nilIfEmpty(historyJSON),
		p.Status, p.GoalAchieved, nilIfEmpty(p.DropReason), p.Version, lockedAtArg(p.LockedAt), p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateParticipant failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to create participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveParticipant(p models.JourneyParticipant) error {
	historyJSON, err := marshalStepHistory(p.StepHistory)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE participants SET
		current_step_id = $1, step_history = $2, status = $3, goal_achieved = $4,
		drop_reason = $5, version = version + 1, locked_at = $6, updated_at = $7
		WHERE id = $8 AND version = $9`,
		p.CurrentStepID, nilIfEmpty(historyJSON), p.Status, p.GoalAchieved,
		nilIfEmpty(p.DropReason), lockedAtArg(p.LockedAt), p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "id", p.ID)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Debug("PostgresStore SaveParticipant version conflict", "id", p.ID, "version", p.Version)
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) GetLatestParticipant(journeyID, userID string) (*models.JourneyParticipant, error) {
	row := s.db.QueryRow(`SELECT `+participantColumns+` FROM participants
		WHERE journey_id = $1 AND user_id = $2 ORDER BY entered_at DESC LIMIT 1`, journeyID, userID)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLatestParticipant failed", "error", err, "journeyID", journeyID, "userID", userID)
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants(journeyID string, status models.ParticipantStatus, limit, offset int) ([]models.JourneyParticipant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE journey_id = $1`
	args := []any{journeyID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY entered_at, id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListParticipants query failed", "error", err, "journeyID", journeyID)
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

func (s *PostgresStore) CountActiveParticipants(journeyID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM participants WHERE journey_id = $1 AND status = $2`,
		journeyID, models.ParticipantActive).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore CountActiveParticipants failed", "error", err, "journeyID", journeyID)
		return 0, err
	}
	return count, nil
}

// ClaimActiveParticipants uses FOR UPDATE SKIP LOCKED so multiple engine
// replicas can tick the same journey without contending on rows.
func (s *PostgresStore) ClaimActiveParticipants(journeyID string, now time.Time, limit int) ([]models.JourneyParticipant, error) {
	rows, err := s.db.Query(`UPDATE participants SET locked_at = $1
		WHERE id IN (
			SELECT id FROM participants
			WHERE journey_id = $2 AND status = $3 AND locked_at IS NULL
			ORDER BY entered_at, id LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+participantColumns, now, journeyID, models.ParticipantActive, limit)
	if err != nil {
		slog.Error("PostgresStore ClaimActiveParticipants failed", "error", err, "journeyID", journeyID)
		return nil, err
	}
	defer rows.Close()

	var claimed []models.JourneyParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, p)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) ReleaseParticipant(id string) error {
	_, err := s.db.Exec(`UPDATE participants SET locked_at = NULL WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore ReleaseParticipant failed", "error", err, "id", id)
	}
	return err
}

func (s *PostgresStore) RequeueStaleClaims(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE participants SET locked_at = NULL WHERE locked_at IS NOT NULL AND locked_at < $1`, staleBefore)
	if err != nil {
		slog.Error("PostgresStore RequeueStaleClaims failed", "error", err)
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
