// Package models defines journey definitions, triggers and the step graph.
package models

import (
	"errors"
	"fmt"
	"time"
)

// TriggerType identifies what kind of signal can pull a customer into a journey.
type TriggerType string

const (
	TriggerSegmentEntry TriggerType = "segment_entry"
	TriggerEvent        TriggerType = "event"
	TriggerDate         TriggerType = "date"
	TriggerUserProperty TriggerType = "user_property"
	TriggerOrder        TriggerType = "order"
	TriggerSubscription TriggerType = "subscription"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerSegmentEntry, TriggerEvent, TriggerDate, TriggerUserProperty, TriggerOrder, TriggerSubscription:
		return true
	default:
		return false
	}
}

// JourneyTrigger describes one condition set that enrolls customers.
// CooldownHours bounds re-entry: a customer who entered within the last
// CooldownHours must not re-enter even if the trigger fires again. The
// engine honors only the first trigger's cooldown (journey-level cooldown).
type JourneyTrigger struct {
	Type          TriggerType        `json:"type"`
	Conditions    []SegmentCondition `json:"conditions"`
	CooldownHours int                `json:"cooldownHours,omitempty"`
}

// StepType identifies what a journey step does when processed.
type StepType string

const (
	StepMessage   StepType = "message"
	StepWait      StepType = "wait"
	StepCondition StepType = "condition"
	StepAction    StepType = "action"
	StepGoal      StepType = "goal"
)

// WaitUnit is the time unit of a wait step duration.
type WaitUnit string

const (
	WaitMinutes WaitUnit = "minutes"
	WaitHours   WaitUnit = "hours"
	WaitDays    WaitUnit = "days"
	WaitWeeks   WaitUnit = "weeks"
)

// Duration converts a duration expressed in this unit into a time.Duration.
func (u WaitUnit) Duration(n int) (time.Duration, bool) {
	switch u {
	case WaitMinutes:
		return time.Duration(n) * time.Minute, true
	case WaitHours:
		return time.Duration(n) * time.Hour, true
	case WaitDays:
		return time.Duration(n) * 24 * time.Hour, true
	case WaitWeeks:
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// ActionType identifies a side effect delegated to the action executor.
type ActionType string

const (
	ActionAddTag            ActionType = "add_tag"
	ActionRemoveTag         ActionType = "remove_tag"
	ActionUpdateProperty    ActionType = "update_property"
	ActionCreateDiscount    ActionType = "create_discount"
	ActionAssignMission     ActionType = "assign_mission"
	ActionAddToSegment      ActionType = "add_to_segment"
	ActionRemoveFromSegment ActionType = "remove_from_segment"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(a ActionType) bool {
	switch a {
	case ActionAddTag, ActionRemoveTag, ActionUpdateProperty, ActionCreateDiscount,
		ActionAssignMission, ActionAddToSegment, ActionRemoveFromSegment:
		return true
	default:
		return false
	}
}

// MessageSettings configures a message step. Rendering happens in the
// messaging collaborator; the engine only carries the template key.
type MessageSettings struct {
	Channels        []string       `json:"channels,omitempty"`
	TemplateKey     string         `json:"templateKey"`
	Personalization map[string]any `json:"personalization,omitempty"`
}

// WaitSettings configures a wait step.
type WaitSettings struct {
	Duration int      `json:"duration"`
	Unit     WaitUnit `json:"unit"`
}

// ConditionSettings configures a condition step. Condition steps branch via
// TrueStepID/FalseStepID exclusively and must not carry connections.
type ConditionSettings struct {
	Conditions  []SegmentCondition `json:"conditions"`
	TrueStepID  string             `json:"trueStepId"`
	FalseStepID string             `json:"falseStepId"`
}

// ActionSettings configures an action step.
type ActionSettings struct {
	Action     ActionType     `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// GoalSettings configures a goal step. ConversionWindowDays is the time
// budget for the goal conditions to be satisfied before the participant is
// considered dropped.
type GoalSettings struct {
	Conditions           []SegmentCondition `json:"conditions"`
	ConversionWindowDays int                `json:"conversionWindowDays"`
}

// StepSettings holds exactly one settings variant, keyed by the step type.
// Modeled as a sum type so step processors never need runtime casts.
type StepSettings struct {
	Message   *MessageSettings   `json:"message,omitempty"`
	Wait      *WaitSettings      `json:"wait,omitempty"`
	Condition *ConditionSettings `json:"condition,omitempty"`
	Action    *ActionSettings    `json:"action,omitempty"`
	Goal      *GoalSettings      `json:"goal,omitempty"`
}

// JourneyStep is one node in the directed step graph. Connections hold the
// forward edge(s) for linear steps; condition steps branch through their
// settings instead.
type JourneyStep struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Type        StepType     `json:"type"`
	Settings    StepSettings `json:"settings"`
	Connections []string     `json:"connections,omitempty"`
}

// WorkingHours restricts message delivery to a local-time window.
type WorkingHours struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// JourneySettings holds per-journey operational knobs.
type JourneySettings struct {
	MaxParticipants int           `json:"maxParticipants,omitempty"` // 0 = unbounded
	Timezone        string        `json:"timezone,omitempty"`
	WorkingHours    *WorkingHours `json:"workingHours,omitempty"`
}

// JourneyStats are monotonic counters, each updated exactly once per
// participant terminal transition.
type JourneyStats struct {
	TotalEntered   int64 `json:"totalEntered"`
	TotalCompleted int64 `json:"totalCompleted"`
	TotalDropped   int64 `json:"totalDropped"`
}

// CustomerJourney is a trigger set plus a directed graph of steps describing
// an automated multi-touch workflow.
type CustomerJourney struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	TriggerConditions []JourneyTrigger `json:"triggerConditions"`
	Steps             []JourneyStep    `json:"steps"`
	EntryStepID       string           `json:"entryStepId"`
	IsActive          bool             `json:"isActive"`
	Settings          JourneySettings  `json:"settings"`
	Stats             JourneyStats     `json:"stats"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// CampaignTemplate is a reusable journey blueprint: the same shape as a
// journey minus identity and stats. Immutable once published.
type CampaignTemplate struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	TriggerConditions []JourneyTrigger `json:"triggerConditions"`
	Steps             []JourneyStep    `json:"steps"`
	EntryStepID       string           `json:"entryStepId"`
	Settings          JourneySettings  `json:"settings"`
	Published         bool             `json:"published"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Validation errors for journey registration.
var (
	ErrEmptyJourneyID           = errors.New("journey id cannot be empty")
	ErrEmptyJourneyName         = errors.New("journey name cannot be empty")
	ErrNoTriggers               = errors.New("journey requires at least one trigger")
	ErrInvalidTriggerType       = errors.New("unsupported trigger type")
	ErrNoSteps                  = errors.New("journey requires at least one step")
	ErrMissingEntryStep         = errors.New("journey must declare an entry step id")
	ErrUnknownEntryStep         = errors.New("entry step id does not reference a declared step")
	ErrDuplicateStepID          = errors.New("duplicate step id")
	ErrInvalidStepType          = errors.New("unsupported step type")
	ErrMissingStepSettings      = errors.New("step settings variant does not match step type")
	ErrAmbiguousStepSettings    = errors.New("step carries more than one settings variant")
	ErrDanglingConnection       = errors.New("step connection references a non-existent step")
	ErrConditionStepConnections = errors.New("condition steps must branch via trueStepId/falseStepId, not connections")
	ErrMissingBranchTarget      = errors.New("condition step requires trueStepId and falseStepId")
	ErrInvalidWaitSettings      = errors.New("wait step requires a positive duration and a valid unit")
	ErrInvalidActionSettings    = errors.New("action step requires a supported action type")
	ErrInvalidGoalSettings      = errors.New("goal step requires conditions and a positive conversion window")
	ErrTemplatePublished        = errors.New("published templates are immutable")
	ErrTemplateNotPublished     = errors.New("template must be published before instantiation")
)

// Validate performs registration-time validation of a journey definition,
// including the full step graph. Graphs that would only fail at advance time
// (dangling references, mixed branch styles) are rejected here.
func (j *CustomerJourney) Validate() error {
	if j.ID == "" {
		return ErrEmptyJourneyID
	}
	if j.Name == "" {
		return ErrEmptyJourneyName
	}
	if len(j.TriggerConditions) == 0 {
		return ErrNoTriggers
	}
	for _, t := range j.TriggerConditions {
		if !IsValidTriggerType(t.Type) {
			return fmt.Errorf("%w: %s", ErrInvalidTriggerType, t.Type)
		}
		for _, c := range t.Conditions {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	}
	return ValidateStepGraph(j.Steps, j.EntryStepID)
}

// ValidateStepGraph checks structural validity of a step graph against a
// declared entry step.
func ValidateStepGraph(steps []JourneyStep, entryStepID string) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	if entryStepID == "" {
		return ErrMissingEntryStep
	}
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if ids[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, s.ID)
		}
		ids[s.ID] = true
	}
	if !ids[entryStepID] {
		return fmt.Errorf("%w: %s", ErrUnknownEntryStep, entryStepID)
	}
	for _, s := range steps {
		if err := s.validate(ids); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	return nil
}

func (s *JourneyStep) validate(ids map[string]bool) error {
	variants := 0
	for _, set := range []bool{
		s.Settings.Message != nil,
		s.Settings.Wait != nil,
		s.Settings.Condition != nil,
		s.Settings.Action != nil,
		s.Settings.Goal != nil,
	} {
		if set {
			variants++
		}
	}
	if variants > 1 {
		return ErrAmbiguousStepSettings
	}

	for _, conn := range s.Connections {
		if !ids[conn] {
			return fmt.Errorf("%w: %s", ErrDanglingConnection, conn)
		}
	}

	switch s.Type {
	case StepMessage:
		if s.Settings.Message == nil || s.Settings.Message.TemplateKey == "" {
			return ErrMissingStepSettings
		}
	case StepWait:
		w := s.Settings.Wait
		if w == nil {
			return ErrMissingStepSettings
		}
		if _, ok := w.Unit.Duration(w.Duration); !ok || w.Duration <= 0 {
			return ErrInvalidWaitSettings
		}
	case StepCondition:
		c := s.Settings.Condition
		if c == nil {
			return ErrMissingStepSettings
		}
		if len(s.Connections) > 0 {
			return ErrConditionStepConnections
		}
		if c.TrueStepID == "" || c.FalseStepID == "" {
			return ErrMissingBranchTarget
		}
		if !ids[c.TrueStepID] {
			return fmt.Errorf("%w: %s", ErrDanglingConnection, c.TrueStepID)
		}
		if !ids[c.FalseStepID] {
			return fmt.Errorf("%w: %s", ErrDanglingConnection, c.FalseStepID)
		}
		for _, cond := range c.Conditions {
			if err := cond.Validate(); err != nil {
				return err
			}
		}
	case StepAction:
		a := s.Settings.Action
		if a == nil {
			return ErrMissingStepSettings
		}
		if !IsValidActionType(a.Action) {
			return ErrInvalidActionSettings
		}
	case StepGoal:
		g := s.Settings.Goal
		if g == nil {
			return ErrMissingStepSettings
		}
		if len(g.Conditions) == 0 || g.ConversionWindowDays <= 0 {
			return ErrInvalidGoalSettings
		}
		for _, cond := range g.Conditions {
			if err := cond.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStepType, s.Type)
	}
	return nil
}

// Validate performs registration-time validation of a campaign template.
func (t *CampaignTemplate) Validate() error {
	if t.ID == "" {
		return ErrEmptyJourneyID
	}
	if t.Name == "" {
		return ErrEmptyJourneyName
	}
	if len(t.TriggerConditions) == 0 {
		return ErrNoTriggers
	}
	return ValidateStepGraph(t.Steps, t.EntryStepID)
}
