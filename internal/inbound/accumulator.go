// Package inbound gates incoming SMS and batches bursts of player messages into
// a single delayed auto-reply.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/ratelimit"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Outcome is what happened to one inbound message.
type Outcome string

const (
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeOptedOut       Outcome = "opted_out"
	OutcomeOptOutRecorded Outcome = "opt_out_recorded"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeAccumulated    Outcome = "accumulated"
	OutcomeError          Outcome = "error"
)

// Default debounce range for auto-replies.
const (
	DefaultMinDelay = 30 * time.Second
	DefaultMaxDelay = 90 * time.Second
)

// optOutKeywords are matched as whole words, case-insensitively.
var optOutKeywords = map[string]bool{
	"stop":        true,
	"unsubscribe": true,
}

// Result is returned by HandleInbound. Decision is set whenever the limiter answered.
type Result struct {
	Outcome  Outcome
	Decision *ratelimit.Decision
	Reply    *models.PendingAutoReply
}

// Accumulator applies the inbound gates and maintains pending auto-replies.
type Accumulator struct {
	store    store.InboundStore
	limiter  ratelimit.Limiter
	region   string
	minDelay time.Duration
	maxDelay time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithDelayRange sets the debounce range.
func WithDelayRange(min, max time.Duration) Option {
	return func(a *Accumulator) {
		a.minDelay = min
		a.maxDelay = max
	}
}

// WithDefaultRegion sets the region used to parse numbers without a country code.
func WithDefaultRegion(region string) Option {
	return func(a *Accumulator) { a.region = region }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// WithMetrics counts outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Accumulator) { a.metrics = m }
}

// NewAccumulator creates an Accumulator. A nil limiter disables rate limiting.
func NewAccumulator(st store.InboundStore, limiter ratelimit.Limiter, opts ...Option) *Accumulator {
	a := &Accumulator{
		store:    st,
		limiter:  limiter,
		region:   messaging.DefaultRegion,
		minDelay: DefaultMinDelay,
		maxDelay: DefaultMaxDelay,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleInbound runs one message through the gates. The returned error is for
// logging only; the caller always acknowledges the gateway.
func (a *Accumulator) HandleInbound(ctx context.Context, msg messaging.InboundSMS) (Result, error) {
	res, err := a.handle(ctx, msg)
	if err != nil {
		res.Outcome = OutcomeError
	}
	a.metrics.InboundOutcome(string(res.Outcome))
	return res, err
}

func (a *Accumulator) handle(ctx context.Context, msg messaging.InboundSMS) (Result, error) {
	var res Result
	phone, err := messaging.NormalizeNumber(msg.From, a.region)
	if err != nil {
		return res, err
	}
	masked := util.MaskPhone(phone)
	now := a.now()

	if a.limiter != nil {
		d, err := a.limiter.Allow(ctx, phone)
		if err != nil {
			slog.Warn("Accumulator.HandleInbound: rate limiter unavailable, allowing", "phone", masked, "error", err)
		} else {
			res.Decision = &d
			if !d.Allowed {
				slog.Info("Accumulator.HandleInbound: rate limited", "phone", masked, "reset_at", d.ResetAt)
				res.Outcome = OutcomeRateLimited
				return res, nil
			}
		}
	}

	optedOut, err := a.store.IsOptedOut(ctx, phone)
	if err != nil {
		return res, fmt.Errorf("opt-out check: %w", err)
	}
	if optedOut {
		slog.Debug("Accumulator.HandleInbound: sender opted out, ignoring", "phone", masked)
		res.Outcome = OutcomeOptedOut
		return res, nil
	}

	if ContainsOptOutKeyword(msg.Body) {
		err := a.store.RecordOptOut(ctx, models.OptOut{
			PhoneNumber:  phone,
			OptOutMethod: models.OptOutSMSKeyword,
			Reason:       msg.Body,
			CreatedAt:    now,
		})
		if err != nil {
			return res, fmt.Errorf("record opt-out: %w", err)
		}
		slog.Info("Accumulator.HandleInbound: opt-out recorded", "phone", masked)
		res.Outcome = OutcomeOptOutRecorded
		return res, nil
	}

	dup, err := a.store.HasProviderMessage(ctx, msg.ProviderMessageID)
	if err != nil {
		return res, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		slog.Debug("Accumulator.HandleInbound: duplicate delivery", "provider_message_id", msg.ProviderMessageID)
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	conv, err := a.store.GetOrCreateConversation(ctx, phone, now)
	if err != nil {
		return res, fmt.Errorf("resolve conversation: %w", err)
	}

	m := &models.Message{
		ConversationID:    conv.ID,
		Direction:         models.DirectionInbound,
		Content:           msg.Body,
		ProviderMessageID: msg.ProviderMessageID,
		CreatedAt:         now,
	}
	if err := a.store.AddMessage(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		return res, fmt.Errorf("store message: %w", err)
	}

	replyAt := now.Add(util.RandomDuration(a.minDelay, a.maxDelay))
	reply, err := a.store.UpsertPendingReply(ctx, *conv, m.ID, replyAt, now)
	if err != nil {
		return res, fmt.Errorf("schedule reply: %w", err)
	}
	slog.Debug("Accumulator.HandleInbound: message accumulated", "conversation_id", conv.ID,
		"pending_reply_id", reply.ID, "message_count", reply.MessageCount, "reply_at", replyAt)
	res.Outcome = OutcomeAccumulated
	res.Reply = reply
	return res, nil
}

// ContainsOptOutKeyword reports whether body contains an opt-out keyword as a whole word.
func ContainsOptOutKeyword(body string) bool {
	words := strings.FieldsFunc(body, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if optOutKeywords[strings.ToLower(w)] {
			return true
		}
	}
	return false
}
