// Package dispatch wraps the Twilio API as a concrete Messenger.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio messenger.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioOption defines a configuration option for the Twilio messenger.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sender number or messaging service identifier.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// TwilioMessenger delivers journey messages through Twilio content
// templates: the step's template key maps to a Twilio Content SID and the
// personalization map becomes the content variables.
type TwilioMessenger struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioMessenger creates a Twilio-backed messenger. Credentials fall
// back to the TWILIO_* environment variables when not provided via options.
func NewTwilioMessenger(opts ...TwilioOption) (*TwilioMessenger, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio messenger config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioMessenger{client: client, from: cfg.From}, nil
}

// Send delivers one message. The userID must be a phone number in E.164
// form; recipient resolution for other identifier schemes belongs to an
// upstream directory service.
func (t *TwilioMessenger) Send(ctx context.Context, userID string, channels []string, templateKey string, personalization map[string]any) (*DeliveryResult, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(userID)
	params.SetFrom(t.from)
	params.SetContentSid(templateKey)
	if len(personalization) > 0 {
		vars, err := json.Marshal(personalization)
		if err != nil {
			return nil, fmt.Errorf("marshal content variables: %w", err)
		}
		params.SetContentVariables(string(vars))
	}

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "error", err, "to", userID, "template", templateKey)
		return &DeliveryResult{Channel: "twilio", Accepted: false, Detail: err.Error()}, err
	}

	result := &DeliveryResult{Channel: "twilio", Accepted: true}
	if resp.Sid != nil {
		result.ProviderID = *resp.Sid
	}
	slog.Debug("Twilio message accepted", "to", userID, "template", templateKey, "sid", result.ProviderID)
	return result, nil
}
