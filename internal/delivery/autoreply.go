package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/genai"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/persona"
	"github.com/BTreeMap/OutreachPipe/internal/sanitize"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Generation settings for auto-replies.
const (
	ReplyTemperature = 0.7
	ReplyMaxTokens   = 150
	HistoryLimit     = 10
)

// AutoReplier answers pending auto-replies whose debounce delay has elapsed.
type AutoReplier struct {
	store  store.AutoReplyStore
	llm    genai.Completer
	sender messaging.Service
	opts   options
}

// NewAutoReplier creates an AutoReplier.
func NewAutoReplier(st store.AutoReplyStore, llm genai.Completer, sender messaging.Service, opts ...Option) *AutoReplier {
	return &AutoReplier{store: st, llm: llm, sender: sender, opts: applyOptions(DefaultAutoReplyBatch, opts)}
}

// Run reaps stale claims and answers one batch of due replies.
func (a *AutoReplier) Run(ctx context.Context) models.JobSummary {
	return runJob(ctx, a.opts, AutoReplyJob, a.run)
}

func (a *AutoReplier) run(ctx context.Context, now time.Time, summary *models.JobSummary) {
	reaped, err := a.store.ReapStaleClaims(ctx, now.Add(-a.opts.staleClaimAfter), now)
	if err != nil {
		slog.Warn("AutoReplier.Run: reaping stale claims failed", "error", err)
	}
	for i := int64(0); i < reaped; i++ {
		summary.Record(models.Failed("", errors.New(store.StaleClaimError)).WithCategory("reaped"))
	}
	if reaped > 0 {
		slog.Warn("AutoReplier.Run: reaped stale claims", "count", reaped)
	}

	due, err := a.store.ListDuePendingReplies(ctx, now, a.opts.batchSize)
	if err != nil {
		slog.Error("AutoReplier.Run: list due replies failed", "error", err)
		summary.Fail(fmt.Errorf("list due replies: %w", err))
		return
	}
	slog.Debug("AutoReplier.Run: due replies", "count", len(due))

	for _, r := range due {
		summary.Record(a.reply(ctx, r).WithCategory(AutoReplyJob))
	}
}

func (a *AutoReplier) reply(ctx context.Context, r models.PendingAutoReply) models.ItemResult {
	claimed, err := a.store.ClaimPendingReply(ctx, r.ID, a.opts.now())
	if err != nil {
		return models.Failed(r.ID, fmt.Errorf("claim: %w", err))
	}
	if !claimed {
		return models.Skipped(r.ID, "claimed by another worker or no longer due")
	}

	if err := a.answerClaimed(ctx, r.ID); err != nil {
		slog.Error("AutoReplier.reply: failed", "id", r.ID, "conversation_id", r.ConversationID, "error", err)
		if ferr := a.store.FailPendingReply(ctx, r.ID, err.Error(), a.opts.now()); ferr != nil {
			slog.Error("AutoReplier.reply: could not mark reply failed", "id", r.ID, "error", ferr)
		}
		return models.Failed(r.ID, err)
	}
	return models.Succeeded(r.ID)
}

// answerClaimed reloads the row after the claim, since the listed copy may predate an append.
func (a *AutoReplier) answerClaimed(ctx context.Context, id string) error {
	r, err := a.store.GetPendingReply(ctx, id)
	if err != nil {
		return fmt.Errorf("reload claimed reply: %w", err)
	}
	if r == nil {
		return errors.New("claimed reply disappeared")
	}
	return a.answer(ctx, *r)
}

// answer runs every step after the claim. Any error fails the reply.
func (a *AutoReplier) answer(ctx context.Context, r models.PendingAutoReply) error {
	inbound, err := a.store.GetMessagesByIDs(ctx, r.AccumulatedMessageIDs)
	if err != nil {
		return fmt.Errorf("load accumulated messages: %w", err)
	}
	if len(inbound) == 0 {
		return errors.New("no accumulated messages found")
	}
	history, err := a.store.ListConversationHistory(ctx, r.ConversationID, HistoryLimit, r.AccumulatedMessageIDs)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	playerID := ""
	if r.PlayerID != nil {
		playerID = *r.PlayerID
	}
	promo, err := a.store.GetPromotionContext(ctx, playerID)
	if err != nil {
		slog.Warn("AutoReplier.answer: promotion context unavailable", "id", r.ID, "error", err)
		promo = models.PromotionContext{}
	}
	stored, err := a.store.GetPersona(ctx, a.opts.personaName)
	if err != nil {
		slog.Warn("AutoReplier.answer: persona unavailable, using default", "name", a.opts.personaName, "error", err)
		stored = nil
	}
	p := persona.Resolve(stored)

	raw, err := a.llm.Complete(ctx, genai.CompletionRequest{
		System:      persona.BuildSystemPrompt(p, promo),
		Turns:       BuildTurns(history, inbound),
		Temperature: ReplyTemperature,
		MaxTokens:   ReplyMaxTokens,
	})
	a.opts.metrics.LLMRequest(AutoReplyJob, err)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	clean := sanitize.SanitizeWithReport(raw)
	if clean.Text == "" {
		return models.ErrEmptyGeneratedText
	}

	optedOut, err := a.store.IsOptedOut(ctx, r.PhoneNumber)
	if err != nil {
		return fmt.Errorf("opt-out check: %w", err)
	}
	if optedOut {
		return models.ErrOptedOut
	}

	receipt, err := a.sender.Send(ctx, r.PhoneNumber, clean.Text)
	a.opts.metrics.SMSSent(AutoReplyJob, err)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	now := a.opts.now()
	out := &models.Message{
		ConversationID:    r.ConversationID,
		Direction:         models.DirectionOutbound,
		Content:           clean.Text,
		AIGenerated:       true,
		ProviderMessageID: receipt.ProviderMessageID,
		ProviderCost:      receipt.Cost,
		CreatedAt:         now,
	}
	if err := a.store.AddMessage(ctx, out); err != nil {
		return fmt.Errorf("store reply (sid %s): %w", receipt.ProviderMessageID, err)
	}
	if err := a.store.AddAuditRecord(ctx, models.AIAuditRecord{
		ConversationID: r.ConversationID,
		PendingReplyID: r.ID,
		RawText:        raw,
		SanitizedText:  clean.Text,
		WasModified:    clean.Modified,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("store audit record: %w", err)
	}
	if err := a.store.CompletePendingReply(ctx, r.ID, now); err != nil {
		return fmt.Errorf("complete reply: %w", err)
	}

	if err := a.store.TouchConversationAI(ctx, r.ConversationID, now); err != nil {
		slog.Warn("AutoReplier.answer: touch conversation failed", "conversation_id", r.ConversationID, "error", err)
	}
	a.logBonusCodes(ctx, playerID, r.ConversationID, out.ID, clean.Text, promo.AvailableOffers)

	slog.Debug("AutoReplier.answer: reply sent", "id", r.ID, "to", util.MaskPhone(r.PhoneNumber),
		"sid", receipt.ProviderMessageID, "modified", clean.Modified)
	return nil
}

func (a *AutoReplier) logBonusCodes(ctx context.Context, playerID, conversationID, messageID, text string, offers []models.BonusOffer) {
	for _, code := range ExtractBonusCodes(text, offers) {
		credited, err := a.store.LogBonusCodeMention(ctx, models.BonusCodeMention{
			PlayerID:       playerID,
			ConversationID: conversationID,
			MessageID:      messageID,
			Code:           code,
		}, a.opts.now())
		if err != nil {
			slog.Warn("AutoReplier.logBonusCodes: mention not logged", "code", code, "error", err)
			continue
		}
		if credited {
			slog.Info("AutoReplier.logBonusCodes: bonus auto-credited", "code", code, "player_id", playerID)
		}
	}
}

// BuildTurns maps prior history to chat turns and appends the accumulated burst
// as one user turn.
func BuildTurns(history, inbound []models.Message) []genai.Turn {
	turns := make([]genai.Turn, 0, len(history)+1)
	for _, m := range history {
		role := genai.RoleUser
		if m.Direction == models.DirectionOutbound {
			role = genai.RoleAssistant
		}
		turns = append(turns, genai.Turn{Role: role, Content: m.Content})
	}

	bodies := make([]string, len(inbound))
	for i, m := range inbound {
		bodies[i] = m.Content
	}
	turns = append(turns, genai.Turn{
		Role:    genai.RoleUser,
		Content: fmt.Sprintf("[Player sent %d message(s)]: %s", len(inbound), strings.Join(bodies, "\n")),
	})
	return turns
}
