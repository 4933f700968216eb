// Package journey implements trigger evaluation and enrollment.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabiol8/piucane-engine/internal/dispatch"
	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/segment"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// Enrollment rejection errors. Rejections are expected operating conditions,
// not faults.
var (
	ErrJourneyNotFound   = errors.New("journey not found")
	ErrJourneyInactive   = errors.New("journey is not active")
	ErrCooldownActive    = errors.New("cooldown active for journey re-entry")
	ErrJourneyAtCapacity = errors.New("journey at participant capacity")
)

// ProfileProvider supplies customer profile snapshots at tick time.
// Condition and goal steps re-fetch the profile through this collaborator;
// the date-trigger sweep lists candidate profiles through it.
type ProfileProvider interface {
	GetProfile(ctx context.Context, userID string) (*models.CustomerProfile, error)
	ListProfiles(ctx context.Context) ([]*models.CustomerProfile, error)
}

// Default processing knobs.
const (
	DefaultClaimLimit     = 100
	DefaultStaleThreshold = 5 * time.Minute
)

// Engine drives customers through journeys: it evaluates inbound events
// against trigger conditions, enrolls qualifying customers, and advances
// active participants through their step graph on each tick.
//
// The engine holds no durable state of its own. Participant state is the
// only frequently-mutated resource and goes through the store's
// optimistic-concurrency update path; claim markers keep two ticks off the
// same participant.
type Engine struct {
	store     store.Store
	segments  *segment.Engine
	messenger dispatch.Messenger
	actions   dispatch.ActionExecutor
	profiles  ProfileProvider

	claimLimit     int
	staleThreshold time.Duration
	nowFn          func() time.Time
}

// NewEngine creates a journey engine. messenger and actions must be
// non-nil (use the dispatch log implementations when no provider is
// configured); profiles may be nil, in which case profile-dependent checks
// fail closed.
func NewEngine(st store.Store, seg *segment.Engine, messenger dispatch.Messenger, actions dispatch.ActionExecutor, profiles ProfileProvider) *Engine {
	slog.Debug("Creating journey engine")
	return &Engine{
		store:          st,
		segments:       seg,
		messenger:      messenger,
		actions:        actions,
		profiles:       profiles,
		claimLimit:     DefaultClaimLimit,
		staleThreshold: DefaultStaleThreshold,
		nowFn:          time.Now,
	}
}

// ProcessEvent evaluates an inbound event against every active journey's
// triggers and enrolls the customer where a trigger matches. Rejections
// (cooldown, capacity) are logged at debug level and not treated as errors.
func (e *Engine) ProcessEvent(ctx context.Context, evt models.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	journeys, err := e.store.ListJourneys(true)
	if err != nil {
		slog.Error("ProcessEvent list journeys failed", "error", err)
		return fmt.Errorf("list active journeys: %w", err)
	}
	slog.Debug("ProcessEvent evaluating triggers", "userID", evt.UserID, "eventType", evt.EventType, "journeys", len(journeys))

	for _, j := range journeys {
		if !e.matchesAnyTrigger(ctx, &j, evt) {
			continue
		}
		if _, err := e.Enroll(ctx, j.ID, evt.UserID); err != nil {
			if errors.Is(err, ErrCooldownActive) || errors.Is(err, ErrJourneyAtCapacity) || errors.Is(err, ErrJourneyInactive) {
				slog.Debug("ProcessEvent enrollment rejected", "journeyID", j.ID, "userID", evt.UserID, "reason", err)
				continue
			}
			slog.Error("ProcessEvent enrollment failed", "error", err, "journeyID", j.ID, "userID", evt.UserID)
			return err
		}
	}
	return nil
}

func (e *Engine) matchesAnyTrigger(ctx context.Context, j *models.CustomerJourney, evt models.Event) bool {
	for _, trigger := range j.TriggerConditions {
		if e.evaluateTrigger(ctx, trigger, evt) {
			slog.Debug("Trigger matched", "journeyID", j.ID, "userID", evt.UserID, "triggerType", trigger.Type)
			return true
		}
	}
	return false
}

func (e *Engine) evaluateTrigger(ctx context.Context, trigger models.JourneyTrigger, evt models.Event) bool {
	switch trigger.Type {
	case models.TriggerEvent:
		return matchesEventConditions(trigger.Conditions, evt)
	case models.TriggerSegmentEntry:
		if evt.Profile == nil {
			return false
		}
		matched, err := e.segments.EvaluateSegments(evt.Profile)
		if err != nil {
			slog.Error("Segment evaluation failed during trigger check", "error", err, "userID", evt.UserID)
			return false
		}
		for _, cond := range trigger.Conditions {
			segID := fmt.Sprint(cond.Value)
			for _, id := range matched {
				if id == segID {
					return true
				}
			}
		}
		return false
	case models.TriggerUserProperty:
		if evt.Profile == nil {
			return false
		}
		return segment.MatchConditions(evt.Profile.Fields(), trigger.Conditions)
	case models.TriggerOrder:
		if !strings.Contains(evt.EventType, "order") {
			return false
		}
		if len(trigger.Conditions) == 0 {
			return true
		}
		return matchesEventConditions(trigger.Conditions, evt)
	case models.TriggerSubscription:
		if !strings.Contains(evt.EventType, "subscription") {
			return false
		}
		if len(trigger.Conditions) == 0 {
			return true
		}
		return matchesEventConditions(trigger.Conditions, evt)
	case models.TriggerDate:
		return matchesDateConditions(trigger.Conditions, e.nowFn())
	default:
		return false
	}
}

// matchesEventConditions implements event-trigger matching: a condition
// matches when its field is "eventType" and the value equals the event's
// type, or when its field addresses an eventData key holding the value.
func matchesEventConditions(conditions []models.SegmentCondition, evt models.Event) bool {
	for _, cond := range conditions {
		if cond.Field == "eventType" && segment.Evaluate(map[string]any{"eventType": evt.EventType}, models.SegmentCondition{
			Field: "eventType", Operator: models.OperatorEquals, Value: cond.Value,
		}) {
			return true
		}
		if key, ok := strings.CutPrefix(cond.Field, "eventData."); ok && evt.EventData != nil {
			if segment.Evaluate(map[string]any{"eventData": evt.EventData}, models.SegmentCondition{
				Field: "eventData." + key, Operator: models.OperatorEquals, Value: cond.Value,
			}) {
				return true
			}
		}
	}
	return false
}

// matchesDateConditions evaluates a date trigger against wall-clock now,
// combining conditions with the same left-fold rule segments use. Supported
// fields: "date" (absolute date reached), "dayOfWeek" (name or 0-6 with
// Sunday = 0), "hour" (equals or inclusive between range).
func matchesDateConditions(conditions []models.SegmentCondition, now time.Time) bool {
	if len(conditions) == 0 {
		return false
	}
	result := matchDateCondition(conditions[0], now)
	for _, cond := range conditions[1:] {
		matched := matchDateCondition(cond, now)
		if cond.LogicalOperator == models.LogicalOr {
			result = result || matched
		} else {
			result = result && matched
		}
	}
	return result
}

func matchDateCondition(cond models.SegmentCondition, now time.Time) bool {
	switch cond.Field {
	case "date":
		target, ok := parseDateValue(cond.Value)
		if !ok {
			return false
		}
		return !now.Before(target)
	case "dayOfWeek":
		fields := map[string]any{"dayOfWeek": strings.ToLower(now.Weekday().String())}
		if s, ok := cond.Value.(string); ok {
			return strings.EqualFold(s, now.Weekday().String())
		}
		// Numeric encoding, Sunday = 0.
		return segment.Evaluate(map[string]any{"dayOfWeek": int(now.Weekday())}, models.SegmentCondition{
			Field: "dayOfWeek", Operator: models.OperatorEquals, Value: cond.Value,
		}) || segment.Evaluate(fields, cond)
	case "hour":
		op := cond.Operator
		if op != models.OperatorBetween {
			op = models.OperatorEquals
		}
		return segment.Evaluate(map[string]any{"hour": now.Hour()}, models.SegmentCondition{
			Field: "hour", Operator: op, Value: cond.Value,
		})
	default:
		return false
	}
}

func parseDateValue(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Enroll creates a participant for the journey at its entry step. It is
// idempotent with respect to cooldown: a customer who entered the journey
// within the journey-level cooldown (first trigger's cooldownHours) is
// rejected with ErrCooldownActive. Capacity is enforced against the count
// of active participants.
func (e *Engine) Enroll(ctx context.Context, journeyID, userID string) (*models.JourneyParticipant, error) {
	j, err := e.store.GetJourney(journeyID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("journey %s: %w", journeyID, ErrJourneyNotFound)
	}
	if !j.IsActive {
		return nil, fmt.Errorf("journey %s: %w", journeyID, ErrJourneyInactive)
	}

	now := e.nowFn()
	if cooldown := journeyCooldown(j); cooldown > 0 {
		existing, err := e.store.GetLatestParticipant(journeyID, userID)
		if err != nil {
			return nil, err
		}
		if existing != nil && now.Sub(existing.EnteredAt) < cooldown {
			return nil, fmt.Errorf("journey %s user %s: %w", journeyID, userID, ErrCooldownActive)
		}
	}
	if max := j.Settings.MaxParticipants; max > 0 {
		count, err := e.store.CountActiveParticipants(journeyID)
		if err != nil {
			return nil, err
		}
		if count >= max {
			return nil, fmt.Errorf("journey %s: %w", journeyID, ErrJourneyAtCapacity)
		}
	}

	p := models.JourneyParticipant{
		ID:            uuid.NewString(),
		JourneyID:     journeyID,
		UserID:        userID,
		EnteredAt:     now,
		CurrentStepID: j.EntryStepID,
		StepHistory: []models.StepVisit{
			{StepID: j.EntryStepID, EnteredAt: now, Status: models.StepVisitActive},
		},
		Status:    models.ParticipantActive,
		UpdatedAt: now,
	}
	if err := e.store.CreateParticipant(p); err != nil {
		return nil, fmt.Errorf("create participant: %w", err)
	}
	if err := e.store.IncrementJourneyStats(journeyID, 1, 0, 0); err != nil {
		slog.Error("Enroll stats increment failed", "error", err, "journeyID", journeyID)
	}
	slog.Info("Participant enrolled", "journeyID", journeyID, "userID", userID, "participantID", p.ID, "entryStep", j.EntryStepID)
	return &p, nil
}

// journeyCooldown returns the journey-level cooldown. Only the first
// trigger's cooldownHours is honored; per-trigger cooldowns are
// deliberately not supported.
func journeyCooldown(j *models.CustomerJourney) time.Duration {
	if len(j.TriggerConditions) == 0 {
		return 0
	}
	return time.Duration(j.TriggerConditions[0].CooldownHours) * time.Hour
}

// Tick runs one processing pass: every journey's claimable active
// participants are advanced one transition. Journeys are processed in
// parallel; within a journey participants are processed sequentially, and
// the claim markers guarantee a participant is never touched by two
// overlapping ticks.
//
// Paused journeys are included: pausing stops enrollment, not in-flight
// participants.
func (e *Engine) Tick(ctx context.Context) {
	journeys, err := e.store.ListJourneys(false)
	if err != nil {
		slog.Error("Tick list journeys failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, j := range journeys {
		wg.Add(1)
		go func(j models.CustomerJourney) {
			defer wg.Done()
			e.tickJourney(ctx, &j)
		}(j)
	}
	wg.Wait()
}

func (e *Engine) tickJourney(ctx context.Context, j *models.CustomerJourney) {
	now := e.nowFn()
	claimed, err := e.store.ClaimActiveParticipants(j.ID, now, e.claimLimit)
	if err != nil {
		slog.Error("Tick claim failed", "error", err, "journeyID", j.ID)
		return
	}
	if len(claimed) == 0 {
		return
	}
	slog.Debug("Tick processing journey", "journeyID", j.ID, "claimed", len(claimed))

	for i := range claimed {
		if ctx.Err() != nil {
			// Shutting down: release what we have not processed.
			for _, rest := range claimed[i:] {
				if err := e.store.ReleaseParticipant(rest.ID); err != nil {
					slog.Error("Tick release failed", "error", err, "participantID", rest.ID)
				}
			}
			return
		}
		p := claimed[i]
		e.processParticipant(ctx, j, &p)

		p.LockedAt = nil
		p.UpdatedAt = e.nowFn()
		if err := e.store.SaveParticipant(p); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				slog.Warn("Tick save lost to concurrent writer", "participantID", p.ID)
				continue
			}
			slog.Error("Tick save failed", "error", err, "participantID", p.ID)
			if relErr := e.store.ReleaseParticipant(p.ID); relErr != nil {
				slog.Error("Tick release after save failure failed", "error", relErr, "participantID", p.ID)
			}
		}
	}
}

// RecoverStaleClaims requeues participants whose in-flight marker outlived
// the stale threshold (a crashed or wedged tick). Called once at startup.
func (e *Engine) RecoverStaleClaims() error {
	staleBefore := e.nowFn().Add(-e.staleThreshold)
	n, err := e.store.RequeueStaleClaims(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Requeued stale participant claims", "count", n)
	}
	return nil
}

// SweepDateTriggers evaluates date triggers against wall-clock now for all
// profiles the provider can list, enrolling matches. Date triggers are
// scheduled checks, not event reactions, so this runs from the cron driver.
func (e *Engine) SweepDateTriggers(ctx context.Context) error {
	if e.profiles == nil {
		slog.Debug("SweepDateTriggers skipped: no profile provider configured")
		return nil
	}
	journeys, err := e.store.ListJourneys(true)
	if err != nil {
		return fmt.Errorf("list active journeys: %w", err)
	}
	now := e.nowFn()

	var due []models.CustomerJourney
	for _, j := range journeys {
		for _, trigger := range j.TriggerConditions {
			if trigger.Type == models.TriggerDate && matchesDateConditions(trigger.Conditions, now) {
				due = append(due, j)
				break
			}
		}
	}
	if len(due) == 0 {
		return nil
	}

	profiles, err := e.profiles.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	for _, j := range due {
		for _, p := range profiles {
			if _, err := e.Enroll(ctx, j.ID, p.UserID); err != nil {
				if errors.Is(err, ErrCooldownActive) || errors.Is(err, ErrJourneyAtCapacity) || errors.Is(err, ErrJourneyInactive) {
					continue
				}
				slog.Error("SweepDateTriggers enrollment failed", "error", err, "journeyID", j.ID, "userID", p.UserID)
			}
		}
	}
	return nil
}

func (e *Engine) fetchProfile(ctx context.Context, userID string) (*models.CustomerProfile, error) {
	if e.profiles == nil {
		return nil, nil
	}
	return e.profiles.GetProfile(ctx, userID)
}
