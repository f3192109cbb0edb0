package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/twiliosms"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/nyaruka/phonenumbers"
	"golang.org/x/time/rate"
)

// DefaultRegion is used to parse numbers written without a country code.
const DefaultRegion = "US"

// Gateway implements Service on top of a twiliosms.Sender.
type Gateway struct {
	sender  twiliosms.Sender
	region  string
	limiter *rate.Limiter
	now     func() time.Time
}

var _ Service = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithDefaultRegion sets the region used for numbers without a country code.
func WithDefaultRegion(region string) GatewayOption {
	return func(g *Gateway) {
		if region != "" {
			g.region = strings.ToUpper(region)
		}
	}
}

// WithSendRate paces sends to perSecond messages. Zero or negative disables pacing.
func WithSendRate(perSecond float64) GatewayOption {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithClock overrides the clock used for SentAt.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway wraps sender. Sends are unpaced unless WithSendRate is given.
func NewGateway(sender twiliosms.Sender, opts ...GatewayOption) *Gateway {
	g := &Gateway{sender: sender, region: DefaultRegion, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidateAndCanonicalizeRecipient normalizes a phone number to E.164.
func (g *Gateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return NormalizeNumber(recipient, g.region)
}

// Send normalizes the recipient, waits for a pacing token and hands the message
// to the provider.
func (g *Gateway) Send(ctx context.Context, to string, body string) (SendReceipt, error) {
	if strings.TrimSpace(body) == "" {
		return SendReceipt{}, ErrEmptyBody
	}
	canonical, err := g.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("Gateway.Send: recipient validation failed", "to", util.MaskPhone(to), "error", err)
		return SendReceipt{}, err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return SendReceipt{}, fmt.Errorf("send pacing wait: %w", err)
		}
	}

	res, err := g.sender.SendSMS(ctx, canonical, body)
	if err != nil {
		return SendReceipt{}, err
	}
	receipt := SendReceipt{
		To:                canonical,
		ProviderMessageID: res.Sid,
		Status:            res.Status,
		Cost:              ParseCost(res.Price),
		SentAt:            g.now().UTC(),
	}
	slog.Debug("Gateway.Send: message accepted", "to", util.MaskPhone(canonical), "sid", receipt.ProviderMessageID, "status", receipt.Status)
	return receipt, nil
}

// NormalizeNumber parses raw in the given default region and formats it as E.164.
// Numbers only need to be possible (right length for the country); the carrier is
// the final judge of whether a number is assigned.
func NormalizeNumber(raw, region string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "sms:"))
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	if region == "" {
		region = DefaultRegion
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: %s is not a possible number", ErrInvalidRecipient, util.MaskPhone(raw))
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// ParseCost turns a provider price string (negative when charged) into a positive
// cost. It returns nil when the price is not known yet.
func ParseCost(price string) *float64 {
	price = strings.TrimSpace(price)
	if price == "" {
		return nil
	}
	v, err := strconv.ParseFloat(price, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		slog.Warn("ParseCost: unparsable price", "price", price)
		return nil
	}
	v = math.Abs(v)
	return &v
}
