// Package twiliosms wraps the Twilio REST API for plain SMS delivery.
package twiliosms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// DefaultTimeout bounds a single Twilio API call.
const DefaultTimeout = 10 * time.Second

// SendResult is what Twilio reports for an accepted message.
// Price is usually empty right after creation and negative once known.
type SendResult struct {
	Sid    string
	Status string
	Price  string
}

// Sender sends a single SMS. Client and MockClient implement it.
type Sender interface {
	SendSMS(ctx context.Context, to string, body string) (SendResult, error)
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the account SID used as the API username.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token used as the API password.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number in E.164 form.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps Twilio REST API for SMS
type Client struct {
	client     *twilio.RestClient
	fromNumber string
}

var _ Sender = (*Client)(nil)

// NewClient builds a client. Account SID, auth token and sending number are required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &Client{
		client:     client,
		fromNumber: cfg.FromNumber,
	}, nil
}

// SendSMS sends a message using the Twilio API. The SDK call does not take a
// context, so cancellation is only honoured before the request starts.
func (c *Client) SendSMS(ctx context.Context, to string, body string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "to", util.MaskPhone(to), "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", util.MaskPhone(to), err)
	}

	res := SendResult{Sid: deref(resp.Sid), Status: deref(resp.Status), Price: deref(resp.Price)}
	slog.Debug("Twilio message sent", "to", util.MaskPhone(to), "sid", res.Sid, "status", res.Status)
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ErrMockSendFailed is returned by MockClient for primed failures without an explicit error.
var ErrMockSendFailed = errors.New("mock send failed")

// MockClient records sends in memory. Failures can be primed per recipient or
// for the next N calls.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Price        string
	failTo       map[string]error
	failNext     int
	counter      int
}

// SentMessage is a message accepted by MockClient.
type SentMessage struct {
	To   string
	Body string
	Sid  string
}

var _ Sender = (*MockClient)(nil)

// NewMockClient returns an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
		failTo:       map[string]error{},
	}
}

// FailTo makes every send to the recipient fail with err (ErrMockSendFailed when nil).
func (m *MockClient) FailTo(to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrMockSendFailed
	}
	m.failTo[to] = err
}

// FailNext makes the next n sends fail.
func (m *MockClient) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SendSMS records the message or returns a primed failure.
func (m *MockClient) SendSMS(ctx context.Context, to string, body string) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failTo[to]; ok {
		return SendResult{}, err
	}
	if m.failNext > 0 {
		m.failNext--
		return SendResult{}, ErrMockSendFailed
	}
	m.counter++
	sid := fmt.Sprintf("SM%032d", m.counter)
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, Sid: sid})
	return SendResult{Sid: sid, Status: "queued", Price: m.Price}, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
