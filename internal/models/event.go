// Package models defines the inbound event contract consumed by the journey engine.
package models

import "errors"

// Event is an inbound signal about a customer: an event type, an arbitrary
// payload, and optionally a profile snapshot for profile-dependent triggers.
type Event struct {
	UserID    string           `json:"userId"`
	EventType string           `json:"eventType"`
	EventData map[string]any   `json:"eventData,omitempty"`
	Profile   *CustomerProfile `json:"profile,omitempty"`
}

var (
	ErrEmptyEventUser = errors.New("event userId cannot be empty")
	ErrEmptyEventType = errors.New("event eventType cannot be empty")
)

// Validate checks the minimal inbound event contract.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return ErrEmptyEventUser
	}
	if e.EventType == "" {
		return ErrEmptyEventType
	}
	return nil
}
