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

const conversationColumns = `id, phone_number, player_id, last_message_at, last_ai_message_at, created_at`

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var playerID sql.NullString
	var lastAI sql.NullTime
	err := row.Scan(&c.ID, &c.PhoneNumber, &playerID, &c.LastMessageAt, &lastAI, &c.CreatedAt)
	c.PlayerID = stringPtr(playerID)
	c.LastAIMessageAt = timePtr(lastAI)
	return c, err
}

const messageColumns = `id, conversation_id, direction, content, ai_generated, provider_message_id, provider_cost, created_at`

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var direction string
	var providerID sql.NullString
	var cost sql.NullFloat64
	err := row.Scan(&m.ID, &m.ConversationID, &direction, &m.Content, &m.AIGenerated, &providerID, &cost, &m.CreatedAt)
	m.Direction = models.MessageDirection(direction)
	m.ProviderMessageID = providerID.String
	m.ProviderCost = floatPtr(cost)
	return m, err
}

// IsOptedOut reports whether the phone has an opt-out that was not reversed.
func (b *sqlBackend) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var one int
	err := b.queryRow(ctx, b.db, `SELECT 1 FROM opt_outs WHERE phone_number = ? AND opted_back_in = ? LIMIT 1`,
		phone, false).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opt-out check failed: %w", err)
	}
	return true, nil
}

// RecordOptOut stores a do-not-contact record.
func (b *sqlBackend) RecordOptOut(ctx context.Context, o models.OptOut) error {
	if o.ID == "" {
		o.ID = util.NewID(util.OptOutIDPrefix)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.exec(ctx, b.db, `INSERT INTO opt_outs (id, phone_number, opted_back_in, opt_out_method, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.PhoneNumber, o.OptedBackIn, string(o.OptOutMethod), nilIfEmpty(o.Reason), o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert opt-out failed: %w", err)
	}
	slog.Debug("sqlBackend.RecordOptOut", "phone", util.MaskPhone(o.PhoneNumber), "method", o.OptOutMethod)
	return nil
}

// HasProviderMessage reports whether a message with this provider id is already stored.
func (b *sqlBackend) HasProviderMessage(ctx context.Context, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var one int
	err := b.queryRow(ctx, b.db, `SELECT 1 FROM messages WHERE provider_message_id = ? LIMIT 1`, providerMessageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("provider message check failed: %w", err)
	}
	return true, nil
}

// GetOrCreateConversation returns the conversation for phone, creating it when needed and
// linking it to the player registered with that phone if there is one.
func (b *sqlBackend) GetOrCreateConversation(ctx context.Context, phone string, now time.Time) (*models.Conversation, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.exec(ctx, b.db, `INSERT INTO conversations (id, phone_number, player_id, last_message_at, created_at)
		VALUES (?, ?, (SELECT id FROM players WHERE phone = ? ORDER BY created_at LIMIT 1), ?, ?)
		ON CONFLICT (phone_number) DO NOTHING`,
		util.NewID(util.ConversationIDPrefix), phone, phone, now.UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("create conversation failed: %w", err)
	}

	c, err := scanConversation(b.queryRow(ctx, b.db, `SELECT `+conversationColumns+` FROM conversations WHERE phone_number = ?`, phone))
	if err != nil {
		return nil, fmt.Errorf("load conversation failed: %w", err)
	}

	if c.PlayerID == nil {
		// The player may have registered the number after the conversation started.
		var playerID string
		err := b.queryRow(ctx, b.db, `SELECT id FROM players WHERE phone = ? ORDER BY created_at LIMIT 1`, phone).Scan(&playerID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			slog.Warn("sqlBackend.GetOrCreateConversation: player lookup failed", "error", err)
		default:
			if _, err := b.exec(ctx, b.db, `UPDATE conversations SET player_id = ? WHERE id = ? AND player_id IS NULL`, playerID, c.ID); err != nil {
				slog.Warn("sqlBackend.GetOrCreateConversation: player link failed", "error", err)
			} else {
				c.PlayerID = &playerID
			}
		}
	}
	return &c, nil
}

// GetConversation returns the conversation or nil.
func (b *sqlBackend) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	c, err := scanConversation(b.queryRow(ctx, b.db, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s failed: %w", id, err)
	}
	return &c, nil
}

// AddMessage appends a message and bumps the conversation's last_message_at.
func (b *sqlBackend) AddMessage(ctx context.Context, m *models.Message) error {
	if m == nil {
		return errors.New("message is nil")
	}
	if m.ID == "" {
		m.ID = util.NewID(util.MessageIDPrefix)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	return b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := b.exec(ctx, tx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, string(m.Direction), m.Content, m.AIGenerated,
			nilIfEmpty(m.ProviderMessageID), nullableFloat(m.ProviderCost), m.CreatedAt.UTC())
		if err != nil {
			if b.dialect.uniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.ProviderMessageID)
			}
			return fmt.Errorf("insert message failed: %w", err)
		}
		_, err = b.exec(ctx, tx, `UPDATE conversations SET last_message_at = ? WHERE id = ? AND last_message_at < ?`,
			m.CreatedAt.UTC(), m.ConversationID, m.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("update conversation activity failed: %w", err)
		}
		return nil
	})
}

// GetMessagesByIDs returns the listed messages in chronological order.
func (b *sqlBackend) GetMessagesByIDs(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := b.query(ctx, b.db, `SELECT `+messageColumns+` FROM messages WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages by id failed: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListConversationHistory returns up to limit of the most recent messages not in exclude,
// oldest first.
func (b *sqlBackend) ListConversationHistory(ctx context.Context, conversationID string, limit int, exclude []string) ([]models.Message, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.query(ctx, b.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversation history failed: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages iteration failed: %w", err)
	}
	return out, nil
}

// TouchConversationAI records when the assistant last replied.
func (b *sqlBackend) TouchConversationAI(ctx context.Context, conversationID string, at time.Time) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.exec(ctx, b.db, `UPDATE conversations SET last_ai_message_at = ? WHERE id = ?`, at.UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation %s failed: %w", conversationID, err)
	}
	return nil
}

// AddAuditRecord stores the raw and sanitized text of a sent AI reply.
func (b *sqlBackend) AddAuditRecord(ctx context.Context, r models.AIAuditRecord) error {
	if r.ID == "" {
		r.ID = util.NewID(util.AuditIDPrefix)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.exec(ctx, b.db, `INSERT INTO ai_audit_log
		(id, conversation_id, pending_reply_id, raw_text, sanitized_text, was_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.PendingReplyID, r.RawText, r.SanitizedText, r.WasModified, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit record failed: %w", err)
	}
	return nil
}

// GetPersona returns the named persona or nil.
func (b *sqlBackend) GetPersona(ctx context.Context, name string) (*models.Persona, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var p models.Persona
	var tags, dos, donts []byte
	err := b.queryRow(ctx, b.db, `SELECT name, system_prompt, tone_tags, do_rules, dont_rules FROM ai_personas WHERE name = ?`, name).
		Scan(&p.Name, &p.SystemPrompt, &tags, &dos, &donts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona %s failed: %w", name, err)
	}
	if p.ToneTags, err = unmarshalStrings(tags); err != nil {
		return nil, err
	}
	if p.DoRules, err = unmarshalStrings(dos); err != nil {
		return nil, err
	}
	if p.DontRules, err = unmarshalStrings(donts); err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePersona inserts or replaces a persona.
func (b *sqlBackend) SavePersona(ctx context.Context, p models.Persona) error {
	tags, err := marshalStrings(p.ToneTags)
	if err != nil {
		return err
	}
	dos, err := marshalStrings(p.DoRules)
	if err != nil {
		return err
	}
	donts, err := marshalStrings(p.DontRules)
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err = b.exec(ctx, b.db, `INSERT INTO ai_personas (name, system_prompt, tone_tags, do_rules, dont_rules)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET system_prompt = excluded.system_prompt, tone_tags = excluded.tone_tags,
			do_rules = excluded.do_rules, dont_rules = excluded.dont_rules`,
		p.Name, p.SystemPrompt, tags, dos, donts)
	if err != nil {
		return fmt.Errorf("save persona %s failed: %w", p.Name, err)
	}
	return nil
}
