package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// ScheduledSender delivers approved outreach whose send time has passed.
type ScheduledSender struct {
	store  store.OutreachStore
	sender messaging.Service
	opts   options
}

// NewScheduledSender creates a ScheduledSender.
func NewScheduledSender(st store.OutreachStore, sender messaging.Service, opts ...Option) *ScheduledSender {
	return &ScheduledSender{store: st, sender: sender, opts: applyOptions(DefaultScheduledBatch, opts)}
}

// Run delivers one batch of due messages sequentially.
func (s *ScheduledSender) Run(ctx context.Context) models.JobSummary {
	return runJob(ctx, s.opts, ScheduledSendJob, s.run)
}

func (s *ScheduledSender) run(ctx context.Context, now time.Time, summary *models.JobSummary) {
	due, err := s.store.ListDueOutreach(ctx, now, s.opts.batchSize)
	if err != nil {
		slog.Error("ScheduledSender.Run: list due outreach failed", "error", err)
		summary.Fail(fmt.Errorf("list due outreach: %w", err))
		return
	}
	slog.Debug("ScheduledSender.Run: due messages", "count", len(due))

	for _, m := range due {
		if err := ctx.Err(); err != nil {
			summary.Record(models.Failed(m.ID, err).WithCategory(string(m.TriggerType)))
			continue
		}
		summary.Record(s.deliver(ctx, m).WithCategory(string(m.TriggerType)))
	}
}

func (s *ScheduledSender) deliver(ctx context.Context, m models.ScheduledOutreachMessage) models.ItemResult {
	player, err := s.store.GetPlayer(ctx, m.PlayerID)
	if err != nil {
		return models.Failed(m.ID, fmt.Errorf("load player: %w", err))
	}
	if player == nil {
		return s.markFailed(ctx, m, models.ErrPlayerNotFound)
	}
	if player.Phone == "" {
		return s.markFailed(ctx, m, models.ErrNoPhoneNumber)
	}
	phone, err := s.sender.ValidateAndCanonicalizeRecipient(player.Phone)
	if err != nil {
		return s.markFailed(ctx, m, err)
	}

	optedOut, err := s.store.IsOptedOut(ctx, phone)
	if err != nil {
		return models.Failed(m.ID, fmt.Errorf("opt-out check: %w", err))
	}
	if optedOut {
		return s.markFailed(ctx, m, models.ErrOptedOut)
	}

	local := s.opts.now().In(s.opts.location)
	if !s.withinWindow(m, local) {
		slog.Debug("ScheduledSender.deliver: outside send window", "id", m.ID, "local_time", local.Format("15:04"),
			"window_start", m.SendWindowStart, "window_end", m.SendWindowEnd)
		return models.Skipped(m.ID, "outside send window")
	}

	receipt, err := s.sender.Send(ctx, phone, m.MessageBody())
	s.opts.metrics.SMSSent(ScheduledSendJob, err)
	if err != nil {
		slog.Error("ScheduledSender.deliver: send failed", "id", m.ID, "to", util.MaskPhone(phone), "error", err)
		return s.markFailed(ctx, m, err)
	}

	updated, err := s.store.MarkOutreachSent(ctx, m.ID, models.OutreachDelivery{
		SentAt:            receipt.SentAt,
		Cost:              receipt.Cost,
		ProviderMessageID: receipt.ProviderMessageID,
	})
	if err != nil {
		slog.Error("ScheduledSender.deliver: sent but not recorded", "id", m.ID, "sid", receipt.ProviderMessageID, "error", err)
		return models.Failed(m.ID, fmt.Errorf("record delivery: %w", err))
	}
	if !updated {
		slog.Warn("ScheduledSender.deliver: message changed state while sending", "id", m.ID)
	}
	slog.Debug("ScheduledSender.deliver: sent", "id", m.ID, "sid", receipt.ProviderMessageID)
	return models.Succeeded(m.ID)
}

// withinWindow falls back to the default window when the stored one does not parse.
func (s *ScheduledSender) withinWindow(m models.ScheduledOutreachMessage, local time.Time) bool {
	ok, err := models.WithinWindow(local, m.SendWindowStart, m.SendWindowEnd)
	if err == nil {
		return ok
	}
	slog.Warn("ScheduledSender.withinWindow: invalid send window, using default", "id", m.ID,
		"window_start", m.SendWindowStart, "window_end", m.SendWindowEnd, "error", err)
	ok, _ = models.WithinWindow(local, models.DefaultSendWindowStart, models.DefaultSendWindowEnd)
	return ok
}

func (s *ScheduledSender) markFailed(ctx context.Context, m models.ScheduledOutreachMessage, cause error) models.ItemResult {
	if _, err := s.store.MarkOutreachFailed(ctx, m.ID, cause.Error(), s.opts.now()); err != nil {
		return models.Failed(m.ID, errors.Join(cause, fmt.Errorf("record failure: %w", err)))
	}
	return models.Failed(m.ID, cause)
}
