// Package messaging is the SMS channel of OutreachPipe: outbound delivery through
// a rate-paced gateway, inbound webhook parsing and Twilio signature checks.
package messaging

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidRecipient is returned when a number cannot be normalized to E.164.
	ErrInvalidRecipient = errors.New("invalid recipient phone number")
	// ErrEmptyBody is returned when asked to send an empty message.
	ErrEmptyBody = errors.New("message body is empty")
)

// SendReceipt describes a message accepted by the provider.
type SendReceipt struct {
	To                string
	ProviderMessageID string
	Status            string
	// Cost is nil until the provider reports a price.
	Cost   *float64
	SentAt time.Time
}

// Service defines a pluggable outbound message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the E.164 form of a recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers a single message.
	Send(ctx context.Context, to string, body string) (SendReceipt, error)
}
