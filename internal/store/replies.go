package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// StaleClaimError is the error message stored on reaped replies.
const StaleClaimError = "stale claim: worker did not finish"

const replyColumns = `id, conversation_id, player_id, phone_number, accumulated_message_ids, message_count,
	scheduled_reply_time, status, retry_count, error_message, claimed_at, created_at, updated_at`

func scanReply(row rowScanner) (models.PendingAutoReply, error) {
	var p models.PendingAutoReply
	var playerID, errMsg sql.NullString
	var ids []byte
	var status string
	var claimed sql.NullTime
	err := row.Scan(&p.ID, &p.ConversationID, &playerID, &p.PhoneNumber, &ids, &p.MessageCount,
		&p.ScheduledReplyTime, &status, &p.RetryCount, &errMsg, &claimed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.PlayerID = stringPtr(playerID)
	p.ErrorMessage = errMsg.String
	p.Status = models.AutoReplyStatus(status)
	p.ClaimedAt = timePtr(claimed)
	if p.AccumulatedMessageIDs, err = unmarshalStrings(ids); err != nil {
		return p, err
	}
	return p, nil
}

// UpsertPendingReply appends to the open accumulator of the conversation or opens one.
// The partial unique index on (conversation_id) WHERE status = 'pending' guarantees a
// single open row; losing an insert race is retried as an append. A row already in
// processing is never appended to, so a message arriving during a reply opens the next
// accumulator, which stays undue until the processing row is terminal.
func (b *sqlBackend) UpsertPendingReply(ctx context.Context, conv models.Conversation, messageID string, replyAt, now time.Time) (*models.PendingAutoReply, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		reply, err := b.upsertPendingReplyOnce(ctx, conv, messageID, replyAt, now)
		if err == nil {
			return reply, nil
		}
		if !b.dialect.uniqueViolation(err) {
			return nil, err
		}
		lastErr = err
		slog.Debug("sqlBackend.UpsertPendingReply: lost insert race, retrying", "conversation_id", conv.ID, "attempt", i+1)
	}
	return nil, fmt.Errorf("upsert pending reply failed after %d attempts: %w", attempts, lastErr)
}

func (b *sqlBackend) upsertPendingReplyOnce(ctx context.Context, conv models.Conversation, messageID string, replyAt, now time.Time) (*models.PendingAutoReply, error) {
	var result models.PendingAutoReply
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		row := b.queryRow(ctx, tx, `SELECT `+replyColumns+` FROM pending_auto_replies
			WHERE conversation_id = ? AND status = ?`+b.dialect.forUpdate, conv.ID, string(models.AutoReplyPending))
		existing, err := scanReply(row)
		switch {
		case err == nil:
			ids := append(existing.AccumulatedMessageIDs, messageID)
			encoded, err := marshalStrings(ids)
			if err != nil {
				return err
			}
			res, err := b.exec(ctx, tx, `UPDATE pending_auto_replies
				SET accumulated_message_ids = ?, message_count = ?, scheduled_reply_time = ?, updated_at = ?
				WHERE id = ? AND status = ?`,
				encoded, len(ids), replyAt.UTC(), now.UTC(), existing.ID, string(models.AutoReplyPending))
			if err != nil {
				return fmt.Errorf("append to pending reply failed: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("pending reply %s changed state during append", existing.ID)
			}
			existing.AccumulatedMessageIDs = ids
			existing.MessageCount = len(ids)
			existing.ScheduledReplyTime = replyAt
			existing.UpdatedAt = now
			result = existing
			return nil
		case errors.Is(err, sql.ErrNoRows):
			encoded, err := marshalStrings([]string{messageID})
			if err != nil {
				return err
			}
			result = models.PendingAutoReply{
				ID:                    util.NewID(util.PendingReplyIDPrefix),
				ConversationID:        conv.ID,
				PlayerID:              conv.PlayerID,
				PhoneNumber:           conv.PhoneNumber,
				AccumulatedMessageIDs: []string{messageID},
				MessageCount:          1,
				ScheduledReplyTime:    replyAt,
				Status:                models.AutoReplyPending,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			_, err = b.exec(ctx, tx, `INSERT INTO pending_auto_replies
				(id, conversation_id, player_id, phone_number, accumulated_message_ids, message_count,
				 scheduled_reply_time, status, retry_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
				result.ID, result.ConversationID, nullableString(result.PlayerID), result.PhoneNumber, encoded, 1,
				replyAt.UTC(), string(models.AutoReplyPending), now.UTC(), now.UTC())
			if err != nil {
				return err
			}
			return nil
		default:
			return fmt.Errorf("load pending reply failed: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPendingReply returns the reply or nil.
func (b *sqlBackend) GetPendingReply(ctx context.Context, id string) (*models.PendingAutoReply, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	p, err := scanReply(b.queryRow(ctx, b.db, `SELECT `+replyColumns+` FROM pending_auto_replies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending reply %s failed: %w", id, err)
	}
	return &p, nil
}

// noReplyInFlight holds a conversation's next accumulator back while an earlier reply
// for the same conversation is still processing.
const noReplyInFlight = ` AND NOT EXISTS (SELECT 1 FROM pending_auto_replies inflight
		WHERE inflight.conversation_id = pending_auto_replies.conversation_id AND inflight.status = ?)`

// ListDuePendingReplies returns pending replies whose reply time has passed and whose
// conversation has no reply in processing.
func (b *sqlBackend) ListDuePendingReplies(ctx context.Context, now time.Time, limit int) ([]models.PendingAutoReply, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, b.db, `SELECT `+replyColumns+` FROM pending_auto_replies
		WHERE status = ? AND scheduled_reply_time <= ?`+noReplyInFlight+`
		ORDER BY scheduled_reply_time ASC
		LIMIT ?`, string(models.AutoReplyPending), now.UTC(), string(models.AutoReplyProcessing), limit)
	if err != nil {
		return nil, fmt.Errorf("list due pending replies failed: %w", err)
	}
	defer rows.Close()

	var out []models.PendingAutoReply
	for rows.Next() {
		p, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending reply failed: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due pending replies iteration failed: %w", err)
	}
	return out, nil
}

// ClaimPendingReply is a single conditional update; exactly one concurrent caller wins.
// A row whose reply time was pushed past now by a late inbound message is not claimed.
func (b *sqlBackend) ClaimPendingReply(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, b.db, `UPDATE pending_auto_replies SET status = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND scheduled_reply_time <= ?`+noReplyInFlight,
		string(models.AutoReplyProcessing), now.UTC(), now.UTC(), id, string(models.AutoReplyPending),
		now.UTC(), string(models.AutoReplyProcessing))
	if err != nil {
		return false, fmt.Errorf("claim pending reply %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim pending reply %s rows affected failed: %w", id, err)
	}
	return n == 1, nil
}

// CompletePendingReply moves a processing reply to completed.
func (b *sqlBackend) CompletePendingReply(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, b.db, `UPDATE pending_auto_replies SET status = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.AutoReplyCompleted), now.UTC(), id, string(models.AutoReplyProcessing))
	if err != nil {
		return fmt.Errorf("complete pending reply %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete pending reply %s: not in processing state", id)
	}
	return nil
}

// FailPendingReply marks a non-terminal reply failed and bumps its retry count.
func (b *sqlBackend) FailPendingReply(ctx context.Context, id string, reason string, now time.Time) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.exec(ctx, b.db, `UPDATE pending_auto_replies
		SET status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(models.AutoReplyFailed), reason, now.UTC(), id,
		string(models.AutoReplyPending), string(models.AutoReplyProcessing))
	if err != nil {
		return fmt.Errorf("fail pending reply %s failed: %w", id, err)
	}
	return nil
}

// ReapStaleClaims fails replies stuck in processing since before claimedBefore.
// They are not requeued, so a reply is never sent twice by a slow worker and its replacement.
func (b *sqlBackend) ReapStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, b.db, `UPDATE pending_auto_replies
		SET status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE status = ? AND claimed_at < ?`,
		string(models.AutoReplyFailed), StaleClaimError, now.UTC(),
		string(models.AutoReplyProcessing), claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("reap stale claims failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap stale claims rows affected failed: %w", err)
	}
	if n > 0 {
		slog.Warn("sqlBackend.ReapStaleClaims: failed stale processing replies", "count", n)
	}
	return n, nil
}
