package messaging

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"
)

// InboundSMS is a message received on the webhook.
type InboundSMS struct {
	From              string
	To                string
	Body              string
	ProviderMessageID string
	ReceivedAt        time.Time
}

// EmptyTwiML is the body returned to the provider for every webhook call.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// ParseInbound reads the provider's form fields. From and Body are required.
func ParseInbound(r *http.Request) (InboundSMS, error) {
	if err := r.ParseForm(); err != nil {
		return InboundSMS{}, fmt.Errorf("parse webhook form: %w", err)
	}
	msg := InboundSMS{
		From:              strings.TrimSpace(r.PostFormValue("From")),
		To:                strings.TrimSpace(r.PostFormValue("To")),
		Body:              r.PostFormValue("Body"),
		ProviderMessageID: strings.TrimSpace(r.PostFormValue("MessageSid")),
		ReceivedAt:        time.Now().UTC(),
	}
	if msg.From == "" {
		return msg, fmt.Errorf("webhook missing From")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return msg, fmt.Errorf("webhook missing Body")
	}
	return msg, nil
}

// SignatureValidator checks the X-Twilio-Signature header of webhook requests.
type SignatureValidator struct {
	validator client.RequestValidator
	url       string
}

// NewSignatureValidator builds a validator. When webhookURL is empty the URL is
// rebuilt from the request, honouring X-Forwarded-Proto.
func NewSignatureValidator(authToken, webhookURL string) *SignatureValidator {
	return &SignatureValidator{validator: client.NewRequestValidator(authToken), url: webhookURL}
}

// Validate reports whether the request carries a valid signature. The form must
// already be parsed.
func (v *SignatureValidator) Validate(r *http.Request) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(v.requestURL(r), params, sig)
}

func (v *SignatureValidator) requestURL(r *http.Request) string {
	if v.url != "" {
		return v.url
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
