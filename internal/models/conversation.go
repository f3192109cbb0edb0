package models

import "time"

// Conversation is the ongoing SMS thread with one phone number.
type Conversation struct {
	ID              string     `json:"id"`
	PhoneNumber     string     `json:"phone_number"`
	PlayerID        *string    `json:"player_id,omitempty"`
	LastMessageAt   time.Time  `json:"last_message_at"`
	LastAIMessageAt *time.Time `json:"last_ai_message_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MessageDirection is inbound (from the player) or outbound (to the player).
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Message is one SMS in a conversation. Messages are append-only.
type Message struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversation_id"`
	Direction         MessageDirection `json:"direction"`
	Content           string           `json:"content"`
	AIGenerated       bool             `json:"ai_generated"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	ProviderCost      *float64         `json:"provider_cost,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// AutoReplyStatus is the lifecycle state of a pending auto-reply.
type AutoReplyStatus string

const (
	AutoReplyPending    AutoReplyStatus = "pending"
	AutoReplyProcessing AutoReplyStatus = "processing"
	AutoReplyCompleted  AutoReplyStatus = "completed"
	AutoReplyFailed     AutoReplyStatus = "failed"
)

// PendingAutoReply accumulates a burst of inbound messages into one delayed reply.
type PendingAutoReply struct {
	ID                    string          `json:"id"`
	ConversationID        string          `json:"conversation_id"`
	PlayerID              *string         `json:"player_id,omitempty"`
	PhoneNumber           string          `json:"phone_number"`
	AccumulatedMessageIDs []string        `json:"accumulated_message_ids"`
	MessageCount          int             `json:"message_count"`
	ScheduledReplyTime    time.Time       `json:"scheduled_reply_time"`
	Status                AutoReplyStatus `json:"status"`
	RetryCount            int             `json:"retry_count"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	ClaimedAt             *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the reply has reached completed or failed.
func (p PendingAutoReply) IsTerminal() bool {
	return p.Status == AutoReplyCompleted || p.Status == AutoReplyFailed
}

// OptOutMethod records how an opt-out was captured.
type OptOutMethod string

const (
	OptOutSMSKeyword OptOutMethod = "sms_keyword"
	OptOutAdmin      OptOutMethod = "admin"
)

// OptOut is a do-not-contact record for a phone number.
type OptOut struct {
	ID           string       `json:"id"`
	PhoneNumber  string       `json:"phone_number"`
	OptedBackIn  bool         `json:"opted_back_in"`
	OptOutMethod OptOutMethod `json:"opt_out_method"`
	Reason       string       `json:"reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Persona configures the voice of the auto-reply assistant.
type Persona struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	ToneTags     []string `json:"tone_tags,omitempty"`
	DoRules      []string `json:"do_rules,omitempty"`
	DontRules    []string `json:"dont_rules,omitempty"`
}

// AIAuditRecord keeps the raw and sanitized text of every AI reply that was sent.
type AIAuditRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	PendingReplyID string    `json:"pending_reply_id"`
	RawText        string    `json:"raw_text"`
	SanitizedText  string    `json:"sanitized_text"`
	WasModified    bool      `json:"was_modified"`
	CreatedAt      time.Time `json:"created_at"`
}

// BonusCodeMention is a bonus code found in an outbound AI reply.
type BonusCodeMention struct {
	PlayerID       string `json:"player_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Code           string `json:"code"`
}
