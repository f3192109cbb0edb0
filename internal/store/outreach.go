package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

const outreachColumns = `id, player_id, trigger_type, trigger_reason, generated_message, edited_message,
	context_snapshot, scheduled_send_time, send_window_start, send_window_end, approval_status, status,
	sent_at, delivery_status, delivery_error, sms_cost, provider_message_id, created_at, updated_at`

func scanOutreach(row rowScanner) (models.ScheduledOutreachMessage, error) {
	var m models.ScheduledOutreachMessage
	var trigger, approval, status string
	var edited, deliveryStatus, deliveryError, providerID sql.NullString
	var snapshot []byte
	var sentAt sql.NullTime
	var cost sql.NullFloat64
	err := row.Scan(&m.ID, &m.PlayerID, &trigger, &m.TriggerReason, &m.GeneratedMessage, &edited,
		&snapshot, &m.ScheduledSendTime, &m.SendWindowStart, &m.SendWindowEnd, &approval, &status,
		&sentAt, &deliveryStatus, &deliveryError, &cost, &providerID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	m.TriggerType = models.TriggerType(trigger)
	m.ApprovalStatus = models.ApprovalStatus(approval)
	m.Status = models.OutreachStatus(status)
	m.EditedMessage = stringPtr(edited)
	m.SentAt = timePtr(sentAt)
	m.DeliveryStatus = models.DeliveryStatus(deliveryStatus.String)
	m.DeliveryError = deliveryError.String
	m.SMSCost = floatPtr(cost)
	m.ProviderMessageID = providerID.String
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &m.ContextSnapshot); err != nil {
			slog.Warn("scanOutreach: context snapshot unreadable, leaving empty", "id", m.ID, "error", err)
		}
	}
	return m, nil
}

// CreateOutreachMessage inserts a drafted message. ID and timestamps must be set by the caller.
func (b *sqlBackend) CreateOutreachMessage(ctx context.Context, m *models.ScheduledOutreachMessage) error {
	if m == nil {
		return errors.New("outreach message is nil")
	}
	if !models.IsValidTriggerType(m.TriggerType) {
		return fmt.Errorf("%w: %q", models.ErrInvalidTriggerType, m.TriggerType)
	}
	snapshot, err := json.Marshal(m.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal context snapshot failed: %w", err)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err = b.exec(ctx, b.db, `INSERT INTO scheduled_outreach_messages
		(id, player_id, trigger_type, trigger_reason, generated_message, edited_message, context_snapshot,
		 scheduled_send_time, send_window_start, send_window_end, approval_status, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PlayerID, string(m.TriggerType), m.TriggerReason, m.GeneratedMessage, nullableString(m.EditedMessage),
		string(snapshot), m.ScheduledSendTime.UTC(), m.SendWindowStart, m.SendWindowEnd,
		string(m.ApprovalStatus), string(m.Status), m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		slog.Error("sqlBackend.CreateOutreachMessage failed", "error", err, "player_id", m.PlayerID, "trigger", m.TriggerType)
		return fmt.Errorf("insert outreach message failed: %w", err)
	}
	slog.Debug("sqlBackend.CreateOutreachMessage", "id", m.ID, "player_id", m.PlayerID, "trigger", m.TriggerType)
	return nil
}

// GetOutreachMessage returns the message or nil.
func (b *sqlBackend) GetOutreachMessage(ctx context.Context, id string) (*models.ScheduledOutreachMessage, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	m, err := scanOutreach(b.queryRow(ctx, b.db, `SELECT `+outreachColumns+` FROM scheduled_outreach_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outreach message %s failed: %w", id, err)
	}
	return &m, nil
}

// HasRecentOutreach reports whether any outreach of this trigger type was drafted for
// the player since the given time, whatever its review outcome.
func (b *sqlBackend) HasRecentOutreach(ctx context.Context, playerID string, trigger models.TriggerType, since time.Time) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var one int
	err := b.queryRow(ctx, b.db, `SELECT 1 FROM scheduled_outreach_messages
		WHERE player_id = ? AND trigger_type = ? AND created_at >= ? LIMIT 1`,
		playerID, string(trigger), since.UTC()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recent outreach check failed: %w", err)
	}
	return true, nil
}

// ListDueOutreach returns messages eligible for delivery at now, oldest schedule first.
func (b *sqlBackend) ListDueOutreach(ctx context.Context, now time.Time, limit int) ([]models.ScheduledOutreachMessage, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT `+outreachColumns+` FROM scheduled_outreach_messages
		WHERE approval_status = ? AND status = ? AND sent_at IS NULL AND scheduled_send_time <= ?
		ORDER BY scheduled_send_time ASC
		LIMIT ?`,
		string(models.ApprovalApproved), string(models.OutreachScheduled), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due outreach failed: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledOutreachMessage
	for rows.Next() {
		m, err := scanOutreach(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outreach message failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due outreach iteration failed: %w", err)
	}
	slog.Debug("sqlBackend.ListDueOutreach", "count", len(out))
	return out, nil
}

// MarkOutreachSent records a successful delivery.
func (b *sqlBackend) MarkOutreachSent(ctx context.Context, id string, d models.OutreachDelivery) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, b.db, `UPDATE scheduled_outreach_messages
		SET status = ?, sent_at = ?, delivery_status = ?, delivery_error = NULL, sms_cost = ?,
			provider_message_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND sent_at IS NULL`,
		string(models.OutreachSent), d.SentAt.UTC(), string(models.DeliverySent), nullableFloat(d.Cost),
		nilIfEmpty(d.ProviderMessageID), d.SentAt.UTC(), id, string(models.OutreachScheduled))
	if err != nil {
		return false, fmt.Errorf("mark outreach %s sent failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark outreach %s sent rows affected failed: %w", id, err)
	}
	return n > 0, nil
}

// MarkOutreachFailed records a delivery failure.
func (b *sqlBackend) MarkOutreachFailed(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, b.db, `UPDATE scheduled_outreach_messages
		SET status = ?, delivery_status = ?, delivery_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND sent_at IS NULL`,
		string(models.OutreachFailed), string(models.DeliveryFailed), reason, at.UTC(), id, string(models.OutreachScheduled))
	if err != nil {
		return false, fmt.Errorf("mark outreach %s failed failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark outreach %s failed rows affected failed: %w", id, err)
	}
	return n > 0, nil
}

// ApproveOutreach records the reviewer's decision: the draft (optionally edited) is
// approved and scheduled for sendAt. Only proposed drafts pending review move.
func (b *sqlBackend) ApproveOutreach(ctx context.Context, id string, edited *string, sendAt, now time.Time) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, b.db, `UPDATE scheduled_outreach_messages
		SET approval_status = ?, status = ?, edited_message = COALESCE(?, edited_message),
			scheduled_send_time = ?, updated_at = ?
		WHERE id = ? AND approval_status = ? AND status = ?`,
		string(models.ApprovalApproved), string(models.OutreachScheduled), nullableString(edited),
		sendAt.UTC(), now.UTC(), id, string(models.ApprovalPendingReview), string(models.OutreachProposed))
	if err != nil {
		return false, fmt.Errorf("approve outreach %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve outreach %s rows affected failed: %w", id, err)
	}
	return n > 0, nil
}

// RejectOutreach marks a draft pending review as rejected. It is never sent.
func (b *sqlBackend) RejectOutreach(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, b.db, `UPDATE scheduled_outreach_messages
		SET approval_status = ?, updated_at = ?
		WHERE id = ? AND approval_status = ? AND status = ?`,
		string(models.ApprovalRejected), now.UTC(), id, string(models.ApprovalPendingReview), string(models.OutreachProposed))
	if err != nil {
		return false, fmt.Errorf("reject outreach %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject outreach %s rows affected failed: %w", id, err)
	}
	return n > 0, nil
}
