// Package models defines the core data structures for the piucane automation engine.
//
// It includes customer profiles, segment definitions, journey definitions and
// participant state, which are shared across modules.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// CustomerProfile is a read-only snapshot of a customer supplied by the caller.
// The engine never mutates it. Every nested field is addressable by dotted
// path (e.g. "behavioral.totalSpent") through Fields.
type CustomerProfile struct {
	UserID       string       `json:"userId"`
	Email        string       `json:"email,omitempty"`
	Demographics Demographics `json:"demographics"`
	Behavioral   Behavioral   `json:"behavioral"`
	Lifecycle    Lifecycle    `json:"lifecycle"`
	Pets         []PetProfile `json:"pets,omitempty"`
	Preferences  Preferences  `json:"preferences"`
}

// Demographics holds identity-adjacent customer attributes.
type Demographics struct {
	Age      int    `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
	City     string `json:"city,omitempty"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

// Behavioral holds purchase and engagement counters.
type Behavioral struct {
	TotalSpent      float64    `json:"totalSpent"`
	TotalOrders     int        `json:"totalOrders"`
	AvgOrderValue   float64    `json:"avgOrderValue,omitempty"`
	EngagementScore float64    `json:"engagementScore"`
	SessionCount    int        `json:"sessionCount,omitempty"`
	CartAbandons    int        `json:"cartAbandons,omitempty"`
	LastOrderAt     *time.Time `json:"lastOrderAt,omitempty"`
}

// Lifecycle holds the customer's position in the CRM lifecycle.
type Lifecycle struct {
	Stage              string     `json:"stage,omitempty"` // e.g. "new", "active", "at_risk", "churned"
	SignupAt           *time.Time `json:"signupAt,omitempty"`
	ChurnRisk          float64    `json:"churnRisk,omitempty"`
	LoyaltyTier        string     `json:"loyaltyTier,omitempty"`
	SubscriptionStatus string     `json:"subscriptionStatus,omitempty"`
}

// PetProfile describes one of the customer's pets.
type PetProfile struct {
	Name      string   `json:"name"`
	Species   string   `json:"species"` // "dog", "cat", ...
	Breed     string   `json:"breed,omitempty"`
	AgeMonths int      `json:"ageMonths,omitempty"`
	Allergies []string `json:"allergies,omitempty"`
}

// Preferences holds communication preferences.
type Preferences struct {
	Channels         []string `json:"channels,omitempty"` // "email", "push", "whatsapp"
	Topics           []string `json:"topics,omitempty"`
	ContactFrequency string   `json:"contactFrequency,omitempty"`
	OptedOut         bool     `json:"optedOut,omitempty"`
}

// Fields flattens the profile into a generic map keyed by the JSON field
// names, so conditions can address values by dotted path. The conversion goes
// through encoding/json so the value space matches what arrives on the wire
// (numbers become float64, nested structs become map[string]any).
func (p *CustomerProfile) Fields() map[string]any {
	if p == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]any{}
	}
	return fields
}

// ResolvePath traverses a dotted path through nested maps. Missing
// intermediate objects resolve to absent (ok=false), never an error.
func ResolvePath(fields map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = fields
	for _, part := range parts {
		obj, isMap := current.(map[string]any)
		if !isMap {
			return nil, false
		}
		next, exists := obj[part]
		if !exists {
			return nil, false
		}
		current = next
	}
	return current, true
}
