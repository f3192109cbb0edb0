package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formRequest(t *testing.T, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestParseInbound(t *testing.T) {
	req := formRequest(t, "/webhooks/sms", url.Values{
		"From":       {" +15551234567 "},
		"To":         {"+15550001111"},
		"Body":       {"any bonus today?"},
		"MessageSid": {"SM123"},
	})
	msg, err := ParseInbound(req)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", msg.From)
	assert.Equal(t, "+15550001111", msg.To)
	assert.Equal(t, "any bonus today?", msg.Body)
	assert.Equal(t, "SM123", msg.ProviderMessageID)
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestParseInbound_MissingFields(t *testing.T) {
	_, err := ParseInbound(formRequest(t, "/webhooks/sms", url.Values{"Body": {"hi"}}))
	assert.Error(t, err)
	_, err = ParseInbound(formRequest(t, "/webhooks/sms", url.Values{"From": {"+15551234567"}, "Body": {"  "}}))
	assert.Error(t, err)
}

// sign reproduces the provider's signature: base64(HMAC-SHA1(url + sorted key/value pairs)).
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	form := url.Values{"From": {"+15551234567"}, "Body": {"hello"}, "MessageSid": {"SM1"}}
	const token = "secret-token"
	const webhookURL = "https://example.com/webhooks/sms"

	v := NewSignatureValidator(token, webhookURL)

	req := formRequest(t, "/webhooks/sms", form)
	require.NoError(t, req.ParseForm())
	req.Header.Set("X-Twilio-Signature", sign(token, webhookURL, form))
	assert.True(t, v.Validate(req))

	bad := formRequest(t, "/webhooks/sms", form)
	require.NoError(t, bad.ParseForm())
	bad.Header.Set("X-Twilio-Signature", sign("other-token", webhookURL, form))
	assert.False(t, v.Validate(bad))

	unsigned := formRequest(t, "/webhooks/sms", form)
	require.NoError(t, unsigned.ParseForm())
	assert.False(t, v.Validate(unsigned))
}

func TestSignatureValidator_RebuildsURL(t *testing.T) {
	form := url.Values{"From": {"+15551234567"}, "Body": {"hello"}}
	const token = "secret-token"
	v := NewSignatureValidator(token, "")

	req := formRequest(t, "http://hooks.example.com/webhooks/sms", form)
	req.Header.Set("X-Forwarded-Proto", "https")
	require.NoError(t, req.ParseForm())
	req.Header.Set("X-Twilio-Signature", sign(token, "https://hooks.example.com/webhooks/sms", form))
	assert.True(t, v.Validate(req))
}
