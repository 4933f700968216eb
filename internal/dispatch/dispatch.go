// Package dispatch defines the outbound collaborator contracts the journey
// engine depends on: message delivery and side-effecting actions.
//
// The engine never inspects delivery success for step advancement; a message
// step completes regardless of the delivery outcome.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/util"
)

// DeliveryResult reports what the channel provider did with a message.
type DeliveryResult struct {
	Channel    string `json:"channel"`
	Accepted   bool   `json:"accepted"`
	ProviderID string `json:"provider_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Messenger delivers a templated message to a customer over one or more
// channels. Implementations own recipient resolution and template rendering.
type Messenger interface {
	Send(ctx context.Context, userID string, channels []string, templateKey string, personalization map[string]any) (*DeliveryResult, error)
}

// ActionExecutor performs side effects delegated by action steps
// (tagging, property updates, discounts, missions, segment membership).
type ActionExecutor interface {
	Perform(ctx context.Context, userID string, action models.ActionType, parameters map[string]any) error
}

// LogMessenger is a Messenger that only logs. Used in development and as the
// default when no channel provider is configured.
type LogMessenger struct{}

// Send logs the dispatch and reports it as accepted.
func (LogMessenger) Send(ctx context.Context, userID string, channels []string, templateKey string, personalization map[string]any) (*DeliveryResult, error) {
	slog.Info("LogMessenger dispatch", "userID", userID, "channels", channels, "template", templateKey)
	return &DeliveryResult{Channel: "log", Accepted: true}, nil
}

// LogExecutor is an ActionExecutor that only logs. Discount creation still
// mints a code so downstream log consumers see a realistic payload.
type LogExecutor struct{}

// Perform logs the requested action.
func (LogExecutor) Perform(ctx context.Context, userID string, action models.ActionType, parameters map[string]any) error {
	if action == models.ActionCreateDiscount {
		prefix, _ := parameters["codePrefix"].(string)
		if prefix == "" {
			prefix = "PIUCANE"
		}
		code := util.GenerateDiscountCode(prefix, 8)
		slog.Info("LogExecutor action", "userID", userID, "action", action, "discountCode", code)
		return nil
	}
	slog.Info("LogExecutor action", "userID", userID, "action", action, "parameters", len(parameters))
	return nil
}
