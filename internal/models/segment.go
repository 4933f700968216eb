// Package models defines segment and condition structures shared across modules.
package models

import (
	"errors"
	"time"
)

// ConditionOperator identifies how a condition compares a profile field
// against its value.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorGreaterThan ConditionOperator = "greater_than"
	OperatorLessThan    ConditionOperator = "less_than"
	OperatorIn          ConditionOperator = "in"
	OperatorNotIn       ConditionOperator = "not_in"
	OperatorContains    ConditionOperator = "contains"
	OperatorNotContains ConditionOperator = "not_contains"
	OperatorExists      ConditionOperator = "exists"
	OperatorNotExists   ConditionOperator = "not_exists"
	OperatorBetween     ConditionOperator = "between"
)

// IsValidOperator checks if the given condition operator is supported.
func IsValidOperator(op ConditionOperator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan,
		OperatorIn, OperatorNotIn, OperatorContains, OperatorNotContains,
		OperatorExists, OperatorNotExists, OperatorBetween:
		return true
	default:
		return false
	}
}

// LogicalOperator chains a condition with the running result of the
// conditions before it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// SegmentCondition is a single typed predicate over a profile field.
// LogicalOperator belongs to this condition: it says how THIS condition
// combines with the result accumulated so far, left to right.
type SegmentCondition struct {
	Field           string            `json:"field"`
	Operator        ConditionOperator `json:"operator"`
	Value           any               `json:"value,omitempty"`
	LogicalOperator LogicalOperator   `json:"logicalOperator,omitempty"`
}

// Segment is a named predicate over customer profiles, used for targeting.
type Segment struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	Conditions     []SegmentCondition `json:"conditions"`
	IsActive       bool               `json:"isActive"`
	EstimatedSize  *int               `json:"estimatedSize,omitempty"`
	LastCalculated *time.Time         `json:"lastCalculated,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// SegmentInsights aggregates profile attributes for the customers matching a
// segment. Purely derived data, computed on demand over a supplied batch.
type SegmentInsights struct {
	SegmentID           string         `json:"segment_id"`
	Size                int            `json:"size"`
	AvgTotalSpent       float64        `json:"avg_total_spent"`
	AvgTotalOrders      float64        `json:"avg_total_orders"`
	AvgEngagementScore  float64        `json:"avg_engagement_score"`
	ChannelDistribution map[string]int `json:"channel_distribution"`
	CalculatedAt        time.Time      `json:"calculated_at"`
}

// Validation errors for segment registration.
var (
	ErrEmptySegmentID      = errors.New("segment id cannot be empty")
	ErrEmptySegmentName    = errors.New("segment name cannot be empty")
	ErrNoSegmentConditions = errors.New("segment requires at least one condition")
	ErrInvalidOperator     = errors.New("unsupported condition operator")
	ErrEmptyConditionField = errors.New("condition field cannot be empty")
)

// Validate performs registration-time validation on a Segment. Malformed
// conditions are rejected here, never at evaluation time.
func (s *Segment) Validate() error {
	if s.ID == "" {
		return ErrEmptySegmentID
	}
	if s.Name == "" {
		return ErrEmptySegmentName
	}
	if len(s.Conditions) == 0 {
		return ErrNoSegmentConditions
	}
	for _, c := range s.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks structural validity of a single condition.
func (c *SegmentCondition) Validate() error {
	if c.Field == "" {
		return ErrEmptyConditionField
	}
	if !IsValidOperator(c.Operator) {
		return ErrInvalidOperator
	}
	return nil
}
