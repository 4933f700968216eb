// Package store provides storage backends for the piucane automation engine.
//
// The engine is storage-agnostic: segment and journey definitions, campaign
// templates and participant state all go through the Store interface. SQLite
// and PostgreSQL implementations ship alongside an in-memory store used for
// tests and default operation.
package store

import (
	"errors"
	"time"

	"github.com/fabiol8/piucane-engine/internal/models"
)

// ErrVersionConflict is returned by SaveParticipant when the stored record
// has a newer version than the one being written (lost-update protection).
var ErrVersionConflict = errors.New("participant version conflict")

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract consumed by the engines. Participant
// state is the only frequently-mutated resource; its update path uses
// optimistic concurrency plus claim-based in-flight markers so a participant
// is never processed by two ticks at once.
type Store interface {
	// Segments.
	SaveSegment(s models.Segment) error
	GetSegment(id string) (*models.Segment, error)
	ListSegments(activeOnly bool) ([]models.Segment, error)
	DeleteSegment(id string) error

	// Journeys.
	SaveJourney(j models.CustomerJourney) error
	GetJourney(id string) (*models.CustomerJourney, error)
	ListJourneys(activeOnly bool) ([]models.CustomerJourney, error)
	DeleteJourney(id string) error
	// IncrementJourneyStats atomically bumps the monotonic counters.
	IncrementJourneyStats(journeyID string, entered, completed, dropped int64) error

	// Campaign templates.
	SaveTemplate(t models.CampaignTemplate) error
	GetTemplate(id string) (*models.CampaignTemplate, error)
	ListTemplates() ([]models.CampaignTemplate, error)

	// Participants.
	CreateParticipant(p models.JourneyParticipant) error
	// SaveParticipant persists a mutation. The write succeeds only when the
	// stored version matches p.Version; the stored version is then bumped.
	SaveParticipant(p models.JourneyParticipant) error
	// GetLatestParticipant returns the most recent enrollment of userID in
	// journeyID, or nil when the customer never entered the journey.
	GetLatestParticipant(journeyID, userID string) (*models.JourneyParticipant, error)
	ListParticipants(journeyID string, status models.ParticipantStatus, limit, offset int) ([]models.JourneyParticipant, error)
	CountActiveParticipants(journeyID string) (int, error)
	// ClaimActiveParticipants marks up to limit unclaimed active participants
	// of the journey as in-flight (locked) and returns them.
	ClaimActiveParticipants(journeyID string, now time.Time, limit int) ([]models.JourneyParticipant, error)
	// ReleaseParticipant clears the in-flight marker.
	ReleaseParticipant(id string) error
	// RequeueStaleClaims clears in-flight markers older than staleBefore
	// (crash recovery, called once at startup).
	RequeueStaleClaims(staleBefore time.Time) (int, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN configures a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-looking DSNs and "sqlite"
// otherwise (plain file paths).
func DetectDSNType(dsn string) string {
	if hasPostgresPrefix(dsn) {
		return "postgres"
	}
	return "sqlite"
}

func hasPostgresPrefix(dsn string) bool {
	for _, prefix := range []string{"postgres://", "postgresql://", "host=", "user="} {
		if len(dsn) >= len(prefix) && dsn[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
