// Package synth drafts proactive outreach messages for trigger candidates and
// stores them for human review.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/genai"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/persona"
	"github.com/BTreeMap/OutreachPipe/internal/sanitize"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Generation settings for outreach drafts.
const (
	Temperature   = 0.8
	MaxTokens     = 150
	RecentTxLimit = 10
	// FallbackDelay is used when the store has no basis for a send time.
	FallbackDelay = 2 * time.Hour
)

// Synthesizer gathers player context, asks the model for a draft and persists it.
type Synthesizer struct {
	store   store.ContextStore
	llm     genai.Completer
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) { s.now = now }
}

// WithMetrics records model calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

// New creates a Synthesizer.
func New(st store.ContextStore, llm genai.Completer, opts ...Option) *Synthesizer {
	s := &Synthesizer{store: st, llm: llm, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process drafts and stores one outreach message. The item id is the player id.
func (s *Synthesizer) Process(ctx context.Context, c models.OutreachCandidate) models.ItemResult {
	pc, err := s.GatherContext(ctx, c)
	if err != nil {
		slog.Error("Synthesizer.Process: gather context failed", "player_id", c.PlayerID, "error", err)
		return models.Failed(c.PlayerID, err)
	}

	raw, err := s.llm.Complete(ctx, genai.CompletionRequest{
		System:      persona.OutreachSystemPrompt,
		Turns:       []genai.Turn{{Role: genai.RoleUser, Content: BuildPrompt(pc)}},
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	s.metrics.LLMRequest("synth", err)
	if err != nil {
		slog.Error("Synthesizer.Process: completion failed", "player_id", c.PlayerID, "error", err)
		return models.Failed(c.PlayerID, fmt.Errorf("generate draft: %w", err))
	}
	text := sanitize.Sanitize(raw)
	if text == "" {
		return models.Failed(c.PlayerID, models.ErrEmptyGeneratedText)
	}

	now := s.now()
	sendAt := s.sendTime(ctx, c.PlayerID, now)
	msg := &models.ScheduledOutreachMessage{
		ID:                util.NewID(util.OutreachIDPrefix),
		PlayerID:          c.PlayerID,
		TriggerType:       c.TriggerType,
		TriggerReason:     c.TriggerReason,
		GeneratedMessage:  text,
		ContextSnapshot:   pc,
		ScheduledSendTime: sendAt,
		SendWindowStart:   models.DefaultSendWindowStart,
		SendWindowEnd:     models.DefaultSendWindowEnd,
		ApprovalStatus:    models.ApprovalPendingReview,
		Status:            models.OutreachProposed,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateOutreachMessage(ctx, msg); err != nil {
		return models.Failed(c.PlayerID, fmt.Errorf("store draft: %w", err))
	}
	slog.Debug("Synthesizer.Process: draft stored", "player_id", c.PlayerID, "id", msg.ID,
		"trigger", c.TriggerType, "send_at", sendAt)
	return models.Succeeded(c.PlayerID)
}

func (s *Synthesizer) sendTime(ctx context.Context, playerID string, now time.Time) time.Time {
	t, err := s.store.OptimalSendTime(ctx, playerID, now)
	if err != nil {
		slog.Warn("Synthesizer.sendTime: optimal send time unavailable", "player_id", playerID, "error", err)
		return now.Add(FallbackDelay)
	}
	if t.IsZero() {
		return now.Add(FallbackDelay)
	}
	return t
}

// GatherContext reads everything known about the candidate's player concurrently.
// Only the player record is required.
func (s *Synthesizer) GatherContext(ctx context.Context, c models.OutreachCandidate) (models.PlayerContext, error) {
	pc := models.PlayerContext{Trigger: c, GatheredAt: s.now()}

	var (
		wg        sync.WaitGroup
		player    *models.Player
		playerErr error
	)
	degrade := func(what string, err error) {
		slog.Warn("Synthesizer.GatherContext: read failed, continuing without it",
			"player_id", c.PlayerID, "what", what, "error", err)
	}

	wg.Add(6)
	go func() {
		defer wg.Done()
		player, playerErr = s.store.GetPlayer(ctx, c.PlayerID)
	}()
	go func() {
		defer wg.Done()
		snap, err := s.store.GetLatestSnapshot(ctx, c.PlayerID)
		if err != nil {
			degrade("snapshot", err)
			return
		}
		pc.Snapshot = snap
	}()
	go func() {
		defer wg.Done()
		loyalty, err := s.store.GetLoyaltyStatus(ctx, c.PlayerID)
		if err != nil {
			degrade("loyalty", err)
			return
		}
		pc.Loyalty = loyalty
	}()
	go func() {
		defer wg.Done()
		txs, err := s.store.ListRecentTransactions(ctx, c.PlayerID, RecentTxLimit)
		if err != nil {
			degrade("transactions", err)
			return
		}
		pc.RecentTransactions = txs
	}()
	go func() {
		defer wg.Done()
		bonuses, err := s.store.ListActiveBonuses(ctx, c.PlayerID)
		if err != nil {
			degrade("active bonuses", err)
			return
		}
		pc.ActiveBonuses = bonuses
	}()
	go func() {
		defer wg.Done()
		offers, err := s.store.ListAvailableOffers(ctx, c.PlayerID)
		if err != nil {
			degrade("available offers", err)
			return
		}
		pc.AvailableOffers = offers
	}()
	wg.Wait()

	if playerErr != nil {
		return models.PlayerContext{}, fmt.Errorf("load player: %w", playerErr)
	}
	if player == nil {
		return models.PlayerContext{}, fmt.Errorf("%w: %s", models.ErrPlayerNotFound, c.PlayerID)
	}
	pc.Player = *player
	return pc, nil
}

// BuildPrompt renders the user turn for an outreach draft.
func BuildPrompt(pc models.PlayerContext) string {
	var b strings.Builder
	name := pc.Player.DisplayName
	if name == "" {
		name = "the player"
	}
	fmt.Fprintf(&b, "Write a short SMS to %s.\n", name)
	fmt.Fprintf(&b, "Why we are reaching out: %s\n", pc.Trigger.TriggerReason)

	if s := pc.Snapshot; s != nil {
		b.WriteString("Behavior: ")
		if s.HasEstablishedPattern {
			fmt.Fprintf(&b, "usually deposits on %s around %02d:00, ", s.MostFrequentDepositDay, s.MostFrequentDepositHour)
		}
		fmt.Fprintf(&b, "averages $%.2f per active week, %d consecutive active weeks, last deposit %d days ago.\n",
			s.AvgDepositPerActiveWeek, s.ConsecutiveActiveWeeks, s.DaysSinceLastDeposit)
	}
	if l := pc.Loyalty; l != nil {
		fmt.Fprintf(&b, "Loyalty: %s tier, %d points available.\n", l.Tier, l.PointsBalance)
	}
	if len(pc.RecentTransactions) > 0 {
		b.WriteString("Recent activity:\n")
		for _, tx := range pc.RecentTransactions {
			fmt.Fprintf(&b, "- %s %s $%.2f\n", tx.CreatedAt.Format("Jan 2"), tx.Type, tx.Amount)
		}
	}
	if len(pc.ActiveBonuses) > 0 {
		b.WriteString("Active bonuses:\n")
		for _, bonus := range pc.ActiveBonuses {
			fmt.Fprintf(&b, "- %s (%s), %.0f%% wagered\n", bonus.Title, bonus.Code, bonus.WageringProgress()*100)
		}
	}
	b.WriteString(persona.OffersSummary(pc.AvailableOffers))
	b.WriteString("Keep it under 300 characters. Mention at most one offer.")
	return b.String()
}
