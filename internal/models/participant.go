// Package models defines participant state for running journeys.
package models

import "time"

// ParticipantStatus represents the run-time status of a journey participant.
type ParticipantStatus string

const (
	// ParticipantActive indicates the participant is progressing through steps.
	ParticipantActive ParticipantStatus = "active"
	// ParticipantCompleted indicates the participant reached a terminal step
	// or achieved the journey goal. Terminal.
	ParticipantCompleted ParticipantStatus = "completed"
	// ParticipantDropped indicates the participant was removed with a
	// diagnostic DropReason. Terminal.
	ParticipantDropped ParticipantStatus = "dropped"
	// ParticipantPaused indicates processing is suspended for the participant.
	ParticipantPaused ParticipantStatus = "paused"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ParticipantStatus) IsTerminal() bool {
	return s == ParticipantCompleted || s == ParticipantDropped
}

// StepVisitStatus represents the state of one step-history entry.
type StepVisitStatus string

const (
	StepVisitActive    StepVisitStatus = "active"
	StepVisitCompleted StepVisitStatus = "completed"
)

// StepVisit is one append-only history entry recording when a participant
// entered and completed a step.
type StepVisit struct {
	StepID      string          `json:"stepId"`
	EnteredAt   time.Time       `json:"enteredAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Status      StepVisitStatus `json:"status"`
}

// JourneyParticipant is one customer's run-time instance of a journey.
// Created on enrollment, mutated only by the journey engine, never deleted;
// terminal transitions only flip the status (history stays for audit).
type JourneyParticipant struct {
	ID            string            `json:"id"`
	JourneyID     string            `json:"journeyId"`
	UserID        string            `json:"userId"`
	EnteredAt     time.Time         `json:"enteredAt"`
	CurrentStepID string            `json:"currentStepId"`
	StepHistory   []StepVisit       `json:"stepHistory"`
	Status        ParticipantStatus `json:"status"`
	GoalAchieved  bool              `json:"goalAchieved,omitempty"`
	DropReason    string            `json:"dropReason,omitempty"`

	// Version supports optimistic-concurrency saves; LockedAt is the
	// in-flight marker that keeps two ticks off the same participant.
	Version   int64      `json:"version"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CurrentVisit returns the most recent history entry if it belongs to the
// participant's current step and is still open.
func (p *JourneyParticipant) CurrentVisit() *StepVisit {
	if len(p.StepHistory) == 0 {
		return nil
	}
	last := &p.StepHistory[len(p.StepHistory)-1]
	if last.StepID == p.CurrentStepID && last.Status == StepVisitActive {
		return last
	}
	return nil
}
