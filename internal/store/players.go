package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

const snapshotColumns = `player_id, avg_deposit_per_active_week, most_frequent_deposit_day, most_frequent_deposit_hour,
	days_since_last_deposit, has_established_pattern, consecutive_active_weeks, last_deposit_at, computed_at`

func scanSnapshot(row rowScanner) (models.BehavioralSnapshot, error) {
	var s models.BehavioralSnapshot
	var day int
	var lastDeposit sql.NullTime
	err := row.Scan(&s.PlayerID, &s.AvgDepositPerActiveWeek, &day, &s.MostFrequentDepositHour,
		&s.DaysSinceLastDeposit, &s.HasEstablishedPattern, &s.ConsecutiveActiveWeeks, &lastDeposit, &s.ComputedAt)
	if err != nil {
		return s, err
	}
	s.MostFrequentDepositDay = time.Weekday(day)
	s.LastDepositAt = timePtr(lastDeposit)
	return s, nil
}

// GetPlayer returns the player or nil when it does not exist.
func (b *sqlBackend) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var p models.Player
	var phone, email sql.NullString
	err := b.queryRow(ctx, b.db, `SELECT id, display_name, phone, email, created_at FROM players WHERE id = ?`, id).
		Scan(&p.ID, &p.DisplayName, &phone, &email, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s failed: %w", id, err)
	}
	p.Phone = phone.String
	p.Email = email.String
	return &p, nil
}

// ListLatestSnapshots returns the newest snapshot row of each player.
func (b *sqlBackend) ListLatestSnapshots(ctx context.Context) ([]models.BehavioralSnapshot, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT `+snapshotColumns+` FROM behavioral_snapshots s
		WHERE s.computed_at = (SELECT MAX(computed_at) FROM behavioral_snapshots WHERE player_id = s.player_id)
		ORDER BY s.player_id`)
	if err != nil {
		return nil, fmt.Errorf("list latest snapshots failed: %w", err)
	}
	defer rows.Close()

	var snapshots []models.BehavioralSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot failed: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list latest snapshots iteration failed: %w", err)
	}
	slog.Debug("sqlBackend.ListLatestSnapshots", "count", len(snapshots))
	return snapshots, nil
}

// GetLatestSnapshot returns the newest snapshot for a player or nil.
func (b *sqlBackend) GetLatestSnapshot(ctx context.Context, playerID string) (*models.BehavioralSnapshot, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	row := b.queryRow(ctx, b.db, `SELECT `+snapshotColumns+` FROM behavioral_snapshots
		WHERE player_id = ? ORDER BY computed_at DESC LIMIT 1`, playerID)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot for %s failed: %w", playerID, err)
	}
	return &s, nil
}

// ListJackpotProgress returns every player's progress toward the next ticket.
func (b *sqlBackend) ListJackpotProgress(ctx context.Context) ([]models.JackpotProgress, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT player_id, current_tickets, points_toward_next, next_threshold
		FROM jackpot_progress ORDER BY player_id`)
	if err != nil {
		return nil, fmt.Errorf("list jackpot progress failed: %w", err)
	}
	defer rows.Close()

	var out []models.JackpotProgress
	for rows.Next() {
		var j models.JackpotProgress
		if err := rows.Scan(&j.PlayerID, &j.CurrentTickets, &j.PointsTowardNext, &j.NextThreshold); err != nil {
			return nil, fmt.Errorf("scan jackpot progress failed: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jackpot progress iteration failed: %w", err)
	}
	return out, nil
}

// ListNetResults sums withdrawals minus deposits per player since the given time.
func (b *sqlBackend) ListNetResults(ctx context.Context, since time.Time) ([]models.NetResult, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT player_id,
			SUM(CASE WHEN type = 'withdrawal' THEN amount WHEN type = 'deposit' THEN -amount ELSE 0 END)
		FROM transactions
		WHERE created_at >= ? AND type IN ('deposit', 'withdrawal')
		GROUP BY player_id
		ORDER BY player_id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list net results failed: %w", err)
	}
	defer rows.Close()

	var out []models.NetResult
	for rows.Next() {
		r := models.NetResult{WindowStart: since}
		if err := rows.Scan(&r.PlayerID, &r.NetAmount); err != nil {
			return nil, fmt.Errorf("scan net result failed: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list net results iteration failed: %w", err)
	}
	return out, nil
}

// GetLoyaltyStatus returns the loyalty record or nil.
func (b *sqlBackend) GetLoyaltyStatus(ctx context.Context, playerID string) (*models.LoyaltyStatus, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var l models.LoyaltyStatus
	err := b.queryRow(ctx, b.db, `SELECT player_id, tier, points_balance, lifetime_points
		FROM loyalty_status WHERE player_id = ?`, playerID).
		Scan(&l.PlayerID, &l.Tier, &l.PointsBalance, &l.LifetimePoints)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loyalty status for %s failed: %w", playerID, err)
	}
	return &l, nil
}

// ListRecentTransactions returns the newest transactions first.
func (b *sqlBackend) ListRecentTransactions(ctx context.Context, playerID string, limit int) ([]models.Transaction, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT id, player_id, type, amount, created_at FROM transactions
		WHERE player_id = ? ORDER BY created_at DESC LIMIT ?`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s failed: %w", playerID, err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.PlayerID, &kind, &t.Amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction failed: %w", err)
		}
		t.Type = models.TransactionType(kind)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions iteration failed: %w", err)
	}
	return out, nil
}

// OptimalSendTime suggests the next occurrence of the player's usual deposit hour,
// at least an hour out and inside the default send window.
func (b *sqlBackend) OptimalSendTime(ctx context.Context, playerID string, now time.Time) (time.Time, error) {
	snap, err := b.GetLatestSnapshot(ctx, playerID)
	if err != nil {
		return time.Time{}, err
	}
	if snap == nil || !snap.HasEstablishedPattern {
		return time.Time{}, nil
	}
	return nextSendSlot(now, snap.MostFrequentDepositHour), nil
}

// earliest lead time for a suggested slot, leaving room for human review
const minSendLead = time.Hour

// nextSendSlot returns the first time at hour:00 (clamped into the default window)
// that is at least minSendLead after now.
func nextSendSlot(now time.Time, hour int) time.Time {
	start, _ := models.ParseClock(models.DefaultSendWindowStart)
	end, _ := models.ParseClock(models.DefaultSendWindowEnd)
	minute := hour * 60
	if minute < start {
		minute = start
	}
	if minute > end {
		minute = end
	}
	slot := time.Date(now.Year(), now.Month(), now.Day(), minute/60, minute%60, 0, 0, now.Location())
	for slot.Before(now.Add(minSendLead)) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot
}
