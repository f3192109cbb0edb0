package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

const offerColumns = `o.id, o.code, o.title, o.description, o.bonus_type, o.amount, o.wagering_multiplier,
	o.expires_at, o.active, o.auto_credit`

func scanOffer(row rowScanner) (models.BonusOffer, error) {
	var o models.BonusOffer
	var expires sql.NullTime
	err := row.Scan(&o.ID, &o.Code, &o.Title, &o.Description, &o.BonusType, &o.Amount,
		&o.WageringMultiplier, &expires, &o.Active, &o.AutoCredit)
	o.ExpiresAt = timePtr(expires)
	return o, err
}

// ListActiveBonuses returns the player's offered and active bonuses.
func (b *sqlBackend) ListActiveBonuses(ctx context.Context, playerID string) ([]models.PlayerBonus, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT pb.id, pb.player_id, pb.bonus_offer_id, o.code, o.title, pb.status,
			pb.amount, pb.wagering_required, pb.wagering_completed, pb.created_at
		FROM player_bonuses pb JOIN bonus_offers o ON o.id = pb.bonus_offer_id
		WHERE pb.player_id = ? AND pb.status IN ('offered', 'active')
		ORDER BY pb.created_at DESC`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list active bonuses for %s failed: %w", playerID, err)
	}
	defer rows.Close()

	var out []models.PlayerBonus
	for rows.Next() {
		var pb models.PlayerBonus
		var status string
		if err := rows.Scan(&pb.ID, &pb.PlayerID, &pb.BonusOfferID, &pb.Code, &pb.Title, &status,
			&pb.Amount, &pb.WageringRequired, &pb.WageringCompleted, &pb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan player bonus failed: %w", err)
		}
		pb.Status = models.PlayerBonusStatus(status)
		out = append(out, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active bonuses iteration failed: %w", err)
	}
	return out, nil
}

// ListAvailableOffers returns active, unexpired offers the player has not claimed yet,
// largest first.
func (b *sqlBackend) ListAvailableOffers(ctx context.Context, playerID string) ([]models.BonusOffer, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT `+offerColumns+` FROM bonus_offers o
		WHERE o.active = ? AND (o.expires_at IS NULL OR o.expires_at > ?)
		AND NOT EXISTS (SELECT 1 FROM player_bonuses pb WHERE pb.player_id = ? AND pb.bonus_offer_id = o.id)
		ORDER BY o.amount DESC, o.code`, true, time.Now().UTC(), playerID)
	if err != nil {
		return nil, fmt.Errorf("list available offers for %s failed: %w", playerID, err)
	}
	defer rows.Close()

	var out []models.BonusOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bonus offer failed: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list available offers iteration failed: %w", err)
	}
	return out, nil
}

// GetPromotionContext bundles active bonuses and available offers. A player-less
// conversation gets only the offers open to everyone.
func (b *sqlBackend) GetPromotionContext(ctx context.Context, playerID string) (models.PromotionContext, error) {
	var pc models.PromotionContext
	if playerID != "" {
		bonuses, err := b.ListActiveBonuses(ctx, playerID)
		if err != nil {
			return pc, err
		}
		pc.ActiveBonuses = bonuses
	}
	offers, err := b.ListAvailableOffers(ctx, playerID)
	if err != nil {
		return pc, err
	}
	pc.AvailableOffers = offers
	return pc, nil
}

// LogBonusCodeMention records a code mentioned in an AI reply and auto-credits the
// matching offer when it allows that and the player does not hold it yet.
func (b *sqlBackend) LogBonusCodeMention(ctx context.Context, m models.BonusCodeMention, now time.Time) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	credited := false
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		if m.PlayerID != "" {
			row := b.queryRow(ctx, tx, `SELECT `+offerColumns+` FROM bonus_offers o
				WHERE UPPER(o.code) = ? AND o.active = ? AND (o.expires_at IS NULL OR o.expires_at > ?)`,
				strings.ToUpper(m.Code), true, now.UTC())
			offer, err := scanOffer(row)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("lookup offer %s failed: %w", m.Code, err)
			case offer.AutoCredit:
				res, err := b.exec(ctx, tx, `INSERT INTO player_bonuses
					(id, player_id, bonus_offer_id, status, amount, wagering_required, wagering_completed, created_at)
					VALUES (?, ?, ?, ?, ?, ?, 0, ?)
					ON CONFLICT (player_id, bonus_offer_id) DO NOTHING`,
					util.NewID(util.PlayerBonusIDPrefix), m.PlayerID, offer.ID, string(models.PlayerBonusOffered),
					offer.Amount, offer.Amount*offer.WageringMultiplier, now.UTC())
				if err != nil {
					return fmt.Errorf("auto-credit %s failed: %w", m.Code, err)
				}
				n, _ := res.RowsAffected()
				credited = n > 0
			}
		}
		_, err := b.exec(ctx, tx, `INSERT INTO bonus_code_mentions
			(player_id, conversation_id, message_id, code, auto_credited, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.PlayerID, m.ConversationID, m.MessageID, m.Code, credited, now.UTC())
		if err != nil {
			return fmt.Errorf("insert bonus code mention failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	slog.Debug("sqlBackend.LogBonusCodeMention", "code", m.Code, "player_id", m.PlayerID, "credited", credited)
	return credited, nil
}
