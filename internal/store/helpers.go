package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fabiol8/piucane-engine/internal/models"
)

// journeyDefinition is the JSON blob persisted for the read-mostly part of a
// journey (everything except identity, activity flag and stats counters).
type journeyDefinition struct {
	Triggers    []models.JourneyTrigger `json:"triggers"`
	Steps       []models.JourneyStep    `json:"steps"`
	EntryStepID string                  `json:"entryStepId"`
	Settings    models.JourneySettings  `json:"settings"`
}

func marshalJourneyDefinition(j models.CustomerJourney) (string, error) {
	raw, err := json.Marshal(journeyDefinition{
		Triggers:    j.TriggerConditions,
		Steps:       j.Steps,
		EntryStepID: j.EntryStepID,
		Settings:    j.Settings,
	})
	if err != nil {
		return "", fmt.Errorf("marshal journey definition: %w", err)
	}
	return string(raw), nil
}

func applyJourneyDefinition(j *models.CustomerJourney, raw string) error {
	var def journeyDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return fmt.Errorf("unmarshal journey definition: %w", err)
	}
	j.TriggerConditions = def.Triggers
	j.Steps = def.Steps
	j.EntryStepID = def.EntryStepID
	j.Settings = def.Settings
	return nil
}

func marshalTemplateDefinition(t models.CampaignTemplate) (string, error) {
	raw, err := json.Marshal(journeyDefinition{
		Triggers:    t.TriggerConditions,
		Steps:       t.Steps,
		EntryStepID: t.EntryStepID,
		Settings:    t.Settings,
	})
	if err != nil {
		return "", fmt.Errorf("marshal template definition: %w", err)
	}
	return string(raw), nil
}

func applyTemplateDefinition(t *models.CampaignTemplate, raw string) error {
	var def journeyDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return fmt.Errorf("unmarshal template definition: %w", err)
	}
	t.TriggerConditions = def.Triggers
	t.Steps = def.Steps
	t.EntryStepID = def.EntryStepID
	t.Settings = def.Settings
	return nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSegment scans one segment row: id, name, description, conditions,
// is_active, estimated_size, last_calculated, created_at, updated_at.
func scanSegment(row rowScanner) (models.Segment, error) {
	var s models.Segment
	var description, conditionsJSON sql.NullString
	var estimatedSize sql.NullInt64
	var lastCalculated sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &description, &conditionsJSON, &s.IsActive,
		&estimatedSize, &lastCalculated, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.Description = description.String
	if conditionsJSON.Valid && conditionsJSON.String != "" {
		if err := json.Unmarshal([]byte(conditionsJSON.String), &s.Conditions); err != nil {
			return s, fmt.Errorf("unmarshal segment conditions: %w", err)
		}
	}
	if estimatedSize.Valid {
		size := int(estimatedSize.Int64)
		s.EstimatedSize = &size
	}
	if lastCalculated.Valid {
		ts := lastCalculated.Time
		s.LastCalculated = &ts
	}
	return s, nil
}

// scanJourney scans one journey row: id, name, description, definition,
// is_active, total_entered, total_completed, total_dropped, created_at, updated_at.
func scanJourney(row rowScanner) (models.CustomerJourney, error) {
	var j models.CustomerJourney
	var description sql.NullString
	var definition string
	err := row.Scan(&j.ID, &j.Name, &description, &definition, &j.IsActive,
		&j.Stats.TotalEntered, &j.Stats.TotalCompleted, &j.Stats.TotalDropped,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.Description = description.String
	if err := applyJourneyDefinition(&j, definition); err != nil {
		return j, err
	}
	return j, nil
}

// scanTemplate scans one template row: id, name, description, definition,
// published, created_at.
func scanTemplate(row rowScanner) (models.CampaignTemplate, error) {
	var t models.CampaignTemplate
	var description sql.NullString
	var definition string
	err := row.Scan(&t.ID, &t.Name, &description, &definition, &t.Published, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Description = description.String
	if err := applyTemplateDefinition(&t, definition); err != nil {
		return t, err
	}
	return t, nil
}

// scanParticipant scans one participant row: id, journey_id, user_id,
// entered_at, current_step_id, step_history, status, goal_achieved,
// drop_reason, version, locked_at, updated_at.
func scanParticipant(row rowScanner) (models.JourneyParticipant, error) {
	var p models.JourneyParticipant
	var historyJSON, dropReason sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(&p.ID, &p.JourneyID, &p.UserID, &p.EnteredAt, &p.CurrentStepID,
		&historyJSON, &p.Status, &p.GoalAchieved, &dropReason, &p.Version, &lockedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.DropReason = dropReason.String
	if historyJSON.Valid && historyJSON.String != "" {
		if err := json.Unmarshal([]byte(historyJSON.String), &p.StepHistory); err != nil {
			return p, fmt.Errorf("unmarshal step history: %w", err)
		}
	}
	if lockedAt.Valid {
		ts := lockedAt.Time
		p.LockedAt = &ts
	}
	return p, nil
}

func marshalStepHistory(history []models.StepVisit) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal step history: %w", err)
	}
	return string(raw), nil
}

func lockedAtArg(lockedAt *time.Time) interface{} {
	if lockedAt == nil {
		return nil
	}
	return *lockedAt
}
