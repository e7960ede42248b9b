// Package messaging provides outbound message delivery for the Impulso
// assistant engine.
//
// The Sender interface abstracts the provider; the Twilio implementation
// delivers WhatsApp texts (support escalations and notifications).
package messaging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Sender defines a pluggable message delivery abstraction.
type Sender interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// phone number. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a text message to a recipient phone number.
	SendText(ctx context.Context, to string, body string) error
}

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// MinPhoneDigits is the minimum number of digits a recipient must have.
const MinPhoneDigits = 6

// DefaultCountryCode completes ten-digit numbers submitted without a
// country code (the original deployment serves Mexican tenants).
const DefaultCountryCode = "52"

// CanonicalizePhone strips formatting from a phone number and completes a
// missing country code, returning the digits-only canonical form.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	hadPlus := strings.HasPrefix(strings.TrimSpace(recipient), "+")
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if !hadPlus && len(canonical) == 10 {
		canonical = DefaultCountryCode + canonical
	}
	return canonical, nil
}
