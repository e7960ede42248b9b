// Package messaging provides outbound message delivery for the Impulso
// assistant engine.
//
// This file implements the Twilio-backed WhatsApp sender.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is the minimal Twilio API surface used by the sender.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp sender.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp sender.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the WhatsApp sender number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// TwilioSender implements Sender over the Twilio REST API for WhatsApp.
type TwilioSender struct {
	api       messageCreator
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewTwilioSender creates a Twilio WhatsApp sender. Credentials fall back
// to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables when not provided via options.
func NewTwilioSender(opts ...Option) (*TwilioSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("messaging.NewTwilioSender: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioSender{
		api:       client.Api,
		fromWhats: "whatsapp:" + cfg.FromWhats,
	}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number.
func (s *TwilioSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioSender canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendText sends a WhatsApp text message via the Twilio API.
func (s *TwilioSender) SendText(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + canonical)
	params.SetFrom(s.fromWhats)
	params.SetBody(body)

	if _, err := s.api.CreateMessage(params); err != nil {
		slog.Error("TwilioSender SendText failed", "to", canonical, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	slog.Debug("TwilioSender message sent", "to", canonical)
	return nil
}
