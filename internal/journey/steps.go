package journey

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/segment"
)

// processParticipant advances a participant by at most one transition.
// Wait and goal steps that are not yet due leave the participant where it
// is; everything else either moves to the next step or reaches a terminal
// status. Stats counters are incremented exactly once, at the terminal
// transition.
func (e *Engine) processParticipant(ctx context.Context, j *models.CustomerJourney, p *models.JourneyParticipant) {
	step := findStep(j, p.CurrentStepID)
	if step == nil {
		e.dropParticipant(j, p, fmt.Sprintf("current step %s not found in journey definition", p.CurrentStepID))
		return
	}
	e.ensureVisit(p, step.ID)

	switch step.Type {
	case models.StepMessage:
		e.processMessageStep(ctx, j, p, step)
	case models.StepWait:
		e.processWaitStep(j, p, step)
	case models.StepCondition:
		e.processConditionStep(ctx, j, p, step)
	case models.StepAction:
		e.processActionStep(ctx, j, p, step)
	case models.StepGoal:
		e.processGoalStep(ctx, j, p, step)
	default:
		e.dropParticipant(j, p, fmt.Sprintf("step %s has unsupported type %q", step.ID, step.Type))
	}
}

func findStep(j *models.CustomerJourney, stepID string) *models.JourneyStep {
	for i := range j.Steps {
		if j.Steps[i].ID == stepID {
			return &j.Steps[i]
		}
	}
	return nil
}

// ensureVisit records the participant's arrival at the current step. Called
// on every pass; only the first pass through a step appends a history entry.
func (e *Engine) ensureVisit(p *models.JourneyParticipant, stepID string) {
	if v := p.CurrentVisit(); v != nil && v.StepID == stepID {
		return
	}
	p.StepHistory = append(p.StepHistory, models.StepVisit{
		StepID:    stepID,
		EnteredAt: e.nowFn(),
		Status:    models.StepVisitActive,
	})
}

// processMessageStep dispatches the message and advances. Delivery failures
// are logged and do not block progress; the participant never gets stuck on
// a message step.
func (e *Engine) processMessageStep(ctx context.Context, j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep) {
	s := step.Settings.Message
	if s == nil {
		e.dropParticipant(j, p, fmt.Sprintf("step %s missing message settings", step.ID))
		return
	}
	result, err := e.messenger.Send(ctx, p.UserID, s.Channels, s.TemplateKey, s.Personalization)
	if err != nil {
		slog.Error("Message dispatch failed", "error", err, "participantID", p.ID, "stepID", step.ID, "templateKey", s.TemplateKey)
	} else {
		slog.Debug("Message dispatched", "participantID", p.ID, "stepID", step.ID, "templateKey", s.TemplateKey, "result", result)
	}
	e.advance(j, p, step)
}

// processWaitStep advances once the configured duration has elapsed since
// the participant entered the step.
func (e *Engine) processWaitStep(j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep) {
	s := step.Settings.Wait
	if s == nil {
		e.dropParticipant(j, p, fmt.Sprintf("step %s missing wait settings", step.ID))
		return
	}
	d, ok := s.Unit.Duration(s.Duration)
	if !ok {
		e.dropParticipant(j, p, fmt.Sprintf("step %s has invalid wait unit %q", step.ID, s.Unit))
		return
	}
	visit := p.CurrentVisit()
	if visit == nil || e.nowFn().Sub(visit.EnteredAt) < d {
		return
	}
	e.advance(j, p, step)
}

// processConditionStep branches on a fresh profile snapshot. A transient
// provider error leaves the participant in place for the next tick; a
// missing profile takes the false branch.
func (e *Engine) processConditionStep(ctx context.Context, j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep) {
	s := step.Settings.Condition
	if s == nil {
		e.dropParticipant(j, p, fmt.Sprintf("step %s missing condition settings", step.ID))
		return
	}
	profile, err := e.fetchProfile(ctx, p.UserID)
	if err != nil {
		slog.Error("Profile fetch failed, retrying next tick", "error", err, "participantID", p.ID, "stepID", step.ID)
		return
	}
	matched := false
	if profile != nil {
		matched = segmentMatch(profile, s.Conditions)
	}
	target := s.FalseStepID
	if matched {
		target = s.TrueStepID
	}
	slog.Debug("Condition step evaluated", "participantID", p.ID, "stepID", step.ID, "matched", matched, "target", target)
	e.jumpTo(j, p, step, target)
}

// processActionStep performs the side effect and advances. Executor
// failures are logged; the action is not retried.
func (e *Engine) processActionStep(ctx context.Context, j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep) {
	s := step.Settings.Action
	if s == nil {
		e.dropParticipant(j, p, fmt.Sprintf("step %s missing action settings", step.ID))
		return
	}
	if err := e.actions.Perform(ctx, p.UserID, s.Action, s.Parameters); err != nil {
		slog.Error("Action execution failed", "error", err, "participantID", p.ID, "stepID", step.ID, "action", s.Action)
	}
	e.advance(j, p, step)
}

// processGoalStep checks conversion first, then window expiry. Satisfied
// goals complete the journey with goalAchieved set; an expired conversion
// window (strictly more days elapsed than the window allows) drops the
// participant. Otherwise the participant waits for the next tick.
func (e *Engine) processGoalStep(ctx context.Context, j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep) {
	s := step.Settings.Goal
	if s == nil {
		e.dropParticipant(j, p, fmt.Sprintf("step %s missing goal settings", step.ID))
		return
	}
	profile, err := e.fetchProfile(ctx, p.UserID)
	if err != nil {
		slog.Error("Profile fetch failed, retrying next tick", "error", err, "participantID", p.ID, "stepID", step.ID)
		return
	}
	if profile != nil && segmentMatch(profile, s.Conditions) {
		p.GoalAchieved = true
		e.completeParticipant(j, p, step)
		return
	}

	visit := p.CurrentVisit()
	if visit == nil {
		return
	}
	elapsedDays := e.nowFn().Sub(visit.EnteredAt).Hours() / 24
	if elapsedDays > float64(s.ConversionWindowDays) {
		e.dropParticipant(j, p, fmt.Sprintf("conversion window of %d days expired at step %s", s.ConversionWindowDays, step.ID))
	}
}

// advance closes the current visit and moves to the step's first
// connection. A step with no connections is a terminal step and completes
// the participant.
func (e *Engine) advance(j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep) {
	if len(step.Connections) == 0 {
		e.completeParticipant(j, p, step)
		return
	}
	e.jumpTo(j, p, step, step.Connections[0])
}

// jumpTo moves the participant to targetID and opens the new step's visit
// immediately, so wait and goal clocks start at the transition rather than
// at the next tick.
func (e *Engine) jumpTo(j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep, targetID string) {
	if findStep(j, targetID) == nil {
		e.dropParticipant(j, p, fmt.Sprintf("step %s targets non-existent step %s", step.ID, targetID))
		return
	}
	e.closeVisit(p)
	p.CurrentStepID = targetID
	e.ensureVisit(p, targetID)
	slog.Debug("Participant advanced", "participantID", p.ID, "from", step.ID, "to", targetID)
}

func (e *Engine) closeVisit(p *models.JourneyParticipant) {
	if v := p.CurrentVisit(); v != nil {
		now := e.nowFn()
		v.CompletedAt = &now
		v.Status = models.StepVisitCompleted
	}
}

func (e *Engine) completeParticipant(j *models.CustomerJourney, p *models.JourneyParticipant, step *models.JourneyStep) {
	e.closeVisit(p)
	p.Status = models.ParticipantCompleted
	if err := e.store.IncrementJourneyStats(j.ID, 0, 1, 0); err != nil {
		slog.Error("Completion stats increment failed", "error", err, "journeyID", j.ID)
	}
	slog.Info("Participant completed journey", "participantID", p.ID, "journeyID", j.ID, "finalStep", step.ID, "goalAchieved", p.GoalAchieved)
}

func (e *Engine) dropParticipant(j *models.CustomerJourney, p *models.JourneyParticipant, reason string) {
	e.closeVisit(p)
	p.Status = models.ParticipantDropped
	p.DropReason = reason
	if err := e.store.IncrementJourneyStats(j.ID, 0, 0, 1); err != nil {
		slog.Error("Drop stats increment failed", "error", err, "journeyID", j.ID)
	}
	slog.Info("Participant dropped from journey", "participantID", p.ID, "journeyID", j.ID, "reason", reason)
}

// segmentMatch evaluates conditions against a profile snapshot with the
// shared left-fold combination rule.
func segmentMatch(profile *models.CustomerProfile, conditions []models.SegmentCondition) bool {
	return segment.MatchConditions(profile.Fields(), conditions)
}
