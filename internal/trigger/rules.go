package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// Rule is one independent detection condition.
type Rule struct {
	Type models.TriggerType
	// DedupWindow drops candidates already contacted for the same trigger within
	// the window. Zero disables the check.
	DedupWindow time.Duration
	Find        func(ctx context.Context, now time.Time) ([]models.OutreachCandidate, error)
}

// DefaultRules builds the four outreach rules over st.
func DefaultRules(st store.TriggerStore, cfg Config) []Rule {
	return []Rule{
		{Type: models.TriggerMissedPattern, Find: missedPattern(st, cfg)},
		{Type: models.TriggerEngagedDropout, DedupWindow: cfg.DropoutDedup, Find: engagedDropout(st, cfg)},
		{Type: models.TriggerJackpotProximity, DedupWindow: cfg.JackpotDedup, Find: jackpotProximity(st, cfg)},
		{Type: models.TriggerLossRecovery, DedupWindow: cfg.LossDedup, Find: lossRecovery(st, cfg)},
	}
}

func missedPattern(st store.TriggerStore, cfg Config) func(context.Context, time.Time) ([]models.OutreachCandidate, error) {
	return func(ctx context.Context, now time.Time) ([]models.OutreachCandidate, error) {
		snaps, err := st.ListLatestSnapshots(ctx)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		local := now.In(cfg.location())
		var out []models.OutreachCandidate
		for _, s := range snaps {
			if !s.HasEstablishedPattern || local.Weekday() != s.MostFrequentDepositDay {
				continue
			}
			if local.Hour() < s.MostFrequentDepositHour+cfg.MissedPatternGraceHours {
				continue
			}
			if depositedToday(s, local) {
				continue
			}
			out = append(out, models.OutreachCandidate{
				PlayerID:    s.PlayerID,
				TriggerType: models.TriggerMissedPattern,
				TriggerReason: fmt.Sprintf("Usually deposits on %s around %02d:00 (avg $%.2f/active week) but has not deposited today",
					s.MostFrequentDepositDay, s.MostFrequentDepositHour, s.AvgDepositPerActiveWeek),
				Params: map[string]float64{
					"avg_deposit":             s.AvgDepositPerActiveWeek,
					"usual_hour":              float64(s.MostFrequentDepositHour),
					"days_since_last_deposit": float64(s.DaysSinceLastDeposit),
				},
			})
		}
		return out, nil
	}
}

// depositedToday prefers the exact timestamp and falls back to the day counter.
func depositedToday(s models.BehavioralSnapshot, local time.Time) bool {
	if s.LastDepositAt != nil {
		last := s.LastDepositAt.In(local.Location())
		y1, m1, d1 := last.Date()
		y2, m2, d2 := local.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	}
	return s.DaysSinceLastDeposit == 0
}

func engagedDropout(st store.TriggerStore, cfg Config) func(context.Context, time.Time) ([]models.OutreachCandidate, error) {
	return func(ctx context.Context, now time.Time) ([]models.OutreachCandidate, error) {
		snaps, err := st.ListLatestSnapshots(ctx)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		var out []models.OutreachCandidate
		for _, s := range snaps {
			if s.ConsecutiveActiveWeeks < cfg.DropoutMinActiveWeeks || s.DaysSinceLastDeposit < cfg.DropoutInactiveDays {
				continue
			}
			out = append(out, models.OutreachCandidate{
				PlayerID:    s.PlayerID,
				TriggerType: models.TriggerEngagedDropout,
				TriggerReason: fmt.Sprintf("Was active %d weeks in a row but has not deposited in %d days",
					s.ConsecutiveActiveWeeks, s.DaysSinceLastDeposit),
				Params: map[string]float64{
					"consecutive_active_weeks": float64(s.ConsecutiveActiveWeeks),
					"days_since_last_deposit":  float64(s.DaysSinceLastDeposit),
					"avg_deposit":              s.AvgDepositPerActiveWeek,
				},
			})
		}
		return out, nil
	}
}

func jackpotProximity(st store.TriggerStore, cfg Config) func(context.Context, time.Time) ([]models.OutreachCandidate, error) {
	return func(ctx context.Context, now time.Time) ([]models.OutreachCandidate, error) {
		rows, err := st.ListJackpotProgress(ctx)
		if err != nil {
			return nil, fmt.Errorf("list jackpot progress: %w", err)
		}
		var out []models.OutreachCandidate
		for _, j := range rows {
			p := j.Progress()
			if p < cfg.JackpotThreshold || p >= 1 {
				continue
			}
			remaining := j.NextThreshold - j.PointsTowardNext
			out = append(out, models.OutreachCandidate{
				PlayerID:    j.PlayerID,
				TriggerType: models.TriggerJackpotProximity,
				TriggerReason: fmt.Sprintf("Is %.0f%% of the way to the next jackpot ticket (%.0f points to go)",
					p*100, remaining),
				Params: map[string]float64{
					"progress":         p,
					"points_remaining": remaining,
					"current_tickets":  float64(j.CurrentTickets),
				},
			})
		}
		return out, nil
	}
}

func lossRecovery(st store.TriggerStore, cfg Config) func(context.Context, time.Time) ([]models.OutreachCandidate, error) {
	return func(ctx context.Context, now time.Time) ([]models.OutreachCandidate, error) {
		results, err := st.ListNetResults(ctx, now.Add(-cfg.LossWindow))
		if err != nil {
			return nil, fmt.Errorf("list net results: %w", err)
		}
		var out []models.OutreachCandidate
		for _, r := range results {
			if r.NetAmount > -cfg.LossThreshold {
				continue
			}
			loss := -r.NetAmount
			out = append(out, models.OutreachCandidate{
				PlayerID:      r.PlayerID,
				TriggerType:   models.TriggerLossRecovery,
				TriggerReason: fmt.Sprintf("Net loss of $%.2f over the last %s", loss, windowLabel(cfg.LossWindow)),
				Params: map[string]float64{
					"net_loss":     loss,
					"window_hours": cfg.LossWindow.Hours(),
				},
			})
		}
		return out, nil
	}
}

func windowLabel(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
