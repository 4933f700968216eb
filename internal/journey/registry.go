// Package journey implements the journey engine: trigger evaluation,
// enrollment, and the step state machine that advances participants.
//
// This file holds the registry operations over journey definitions and
// campaign templates. Definitions are validated at registration time; the
// engine never revalidates at evaluation time.
package journey

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// ErrJourneyHasParticipants is returned by DeleteJourney while active
// participants exist. Deletion fails fast; pause the journey and let the
// in-flight participants finish first.
var ErrJourneyHasParticipants = errors.New("journey has active participants")

// Registry manages journey definitions and campaign templates in the store.
type Registry struct {
	store store.Store
	nowFn func() time.Time
}

// NewRegistry creates a registry backed by a store.
func NewRegistry(st store.Store) *Registry {
	slog.Debug("Creating journey registry")
	return &Registry{store: st, nowFn: time.Now}
}

// RegisterJourney validates and stores a new journey definition. Stats
// counters always start at zero.
func (r *Registry) RegisterJourney(j models.CustomerJourney) error {
	if err := j.Validate(); err != nil {
		slog.Error("RegisterJourney validation failed", "error", err, "id", j.ID)
		return err
	}
	now := r.nowFn()
	j.Stats = models.JourneyStats{}
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := r.store.SaveJourney(j); err != nil {
		return fmt.Errorf("save journey %s: %w", j.ID, err)
	}
	slog.Info("Journey registered", "id", j.ID, "name", j.Name, "steps", len(j.Steps), "active", j.IsActive)
	return nil
}

// UpdateJourney validates and replaces an existing definition, preserving
// creation time and the monotonic stats counters.
func (r *Registry) UpdateJourney(j models.CustomerJourney) error {
	if err := j.Validate(); err != nil {
		slog.Error("UpdateJourney validation failed", "error", err, "id", j.ID)
		return err
	}
	existing, err := r.store.GetJourney(j.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("journey %s: %w", j.ID, store.ErrNotFound)
	}
	j.CreatedAt = existing.CreatedAt
	j.Stats = existing.Stats
	j.UpdatedAt = r.nowFn()
	if err := r.store.SaveJourney(j); err != nil {
		return fmt.Errorf("save journey %s: %w", j.ID, err)
	}
	slog.Info("Journey updated", "id", j.ID)
	return nil
}

// PauseJourney stops enrollment immediately. In-flight participants keep
// being processed to completion.
func (r *Registry) PauseJourney(id string) error {
	return r.setActive(id, false)
}

// ResumeJourney re-enables enrollment.
func (r *Registry) ResumeJourney(id string) error {
	return r.setActive(id, true)
}

func (r *Registry) setActive(id string, active bool) error {
	j, err := r.store.GetJourney(id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("journey %s: %w", id, store.ErrNotFound)
	}
	j.IsActive = active
	j.UpdatedAt = r.nowFn()
	if err := r.store.SaveJourney(*j); err != nil {
		return fmt.Errorf("save journey %s: %w", id, err)
	}
	slog.Info("Journey activity changed", "id", id, "active", active)
	return nil
}

// DeleteJourney removes a journey definition. It fails fast with
// ErrJourneyHasParticipants while active participants exist.
func (r *Registry) DeleteJourney(id string) error {
	count, err := r.store.CountActiveParticipants(id)
	if err != nil {
		return err
	}
	if count > 0 {
		slog.Warn("DeleteJourney rejected", "id", id, "activeParticipants", count)
		return fmt.Errorf("delete journey %s: %w", id, ErrJourneyHasParticipants)
	}
	if err := r.store.DeleteJourney(id); err != nil {
		return fmt.Errorf("delete journey %s: %w", id, err)
	}
	slog.Info("Journey deleted", "id", id)
	return nil
}

// PublishTemplate validates and stores a campaign template. A published
// template is immutable: re-publishing under the same id is rejected.
func (r *Registry) PublishTemplate(t models.CampaignTemplate) error {
	if err := t.Validate(); err != nil {
		slog.Error("PublishTemplate validation failed", "error", err, "id", t.ID)
		return err
	}
	existing, err := r.store.GetTemplate(t.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Published {
		return fmt.Errorf("template %s: %w", t.ID, models.ErrTemplatePublished)
	}
	t.Published = true
	t.CreatedAt = r.nowFn()
	if err := r.store.SaveTemplate(t); err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	slog.Info("Campaign template published", "id", t.ID, "name", t.Name)
	return nil
}

// InstantiateTemplate creates a new journey from a published template. The
// journey gets fresh identity and zeroed stats and starts paused so the
// operator can review before enabling enrollment.
func (r *Registry) InstantiateTemplate(templateID, name string) (*models.CustomerJourney, error) {
	t, err := r.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("template %s: %w", templateID, store.ErrNotFound)
	}
	if !t.Published {
		return nil, fmt.Errorf("template %s: %w", templateID, models.ErrTemplateNotPublished)
	}
	if name == "" {
		name = t.Name
	}
	now := r.nowFn()
	j := models.CustomerJourney{
		ID:                uuid.NewString(),
		Name:              name,
		Description:       t.Description,
		TriggerConditions: t.TriggerConditions,
		Steps:             t.Steps,
		EntryStepID:       t.EntryStepID,
		IsActive:          false,
		Settings:          t.Settings,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.SaveJourney(j); err != nil {
		return nil, fmt.Errorf("save journey %s: %w", j.ID, err)
	}
	slog.Info("Journey instantiated from template", "journeyID", j.ID, "templateID", templateID)
	return &j, nil
}
