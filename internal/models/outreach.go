package models

import (
	"strings"
	"time"
)

// TriggerType identifies the behavioral rule that produced an outreach candidate.
type TriggerType string

const (
	TriggerMissedPattern    TriggerType = "missed_pattern"
	TriggerEngagedDropout   TriggerType = "engaged_dropout"
	TriggerJackpotProximity TriggerType = "jackpot_proximity"
	TriggerLossRecovery     TriggerType = "loss_recovery"
)

// AllTriggerTypes returns every trigger type in evaluation order.
func AllTriggerTypes() []TriggerType {
	return []TriggerType{
		TriggerMissedPattern,
		TriggerEngagedDropout,
		TriggerJackpotProximity,
		TriggerLossRecovery,
	}
}

// IsValidTriggerType reports whether t is one of the known trigger types.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerMissedPattern, TriggerEngagedDropout, TriggerJackpotProximity, TriggerLossRecovery:
		return true
	}
	return false
}

// OutreachCandidate is a player selected by a trigger rule. It exists only in memory.
type OutreachCandidate struct {
	PlayerID      string             `json:"player_id"`
	TriggerType   TriggerType        `json:"trigger_type"`
	TriggerReason string             `json:"trigger_reason"`
	Params        map[string]float64 `json:"params,omitempty"`
}

// ApprovalStatus is the human review state of an outreach draft.
type ApprovalStatus string

const (
	ApprovalPendingReview ApprovalStatus = "pending_review"
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalRejected      ApprovalStatus = "rejected"
)

// OutreachStatus is the delivery lifecycle state of an outreach message.
type OutreachStatus string

const (
	OutreachProposed  OutreachStatus = "proposed"
	OutreachScheduled OutreachStatus = "scheduled"
	OutreachSent      OutreachStatus = "sent"
	OutreachFailed    OutreachStatus = "failed"
)

// DeliveryStatus is the provider-level result recorded after a send attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Default local send window for proactive outreach.
const (
	DefaultSendWindowStart = "09:00"
	DefaultSendWindowEnd   = "21:00"
)

// ScheduledOutreachMessage is an AI-drafted proactive message awaiting review or delivery.
type ScheduledOutreachMessage struct {
	ID                string         `json:"id"`
	PlayerID          string         `json:"player_id"`
	TriggerType       TriggerType    `json:"trigger_type"`
	TriggerReason     string         `json:"trigger_reason"`
	GeneratedMessage  string         `json:"generated_message"`
	EditedMessage     *string        `json:"edited_message,omitempty"`
	ContextSnapshot   PlayerContext  `json:"context_snapshot"`
	ScheduledSendTime time.Time      `json:"scheduled_send_time"`
	SendWindowStart   string         `json:"send_window_start"`
	SendWindowEnd     string         `json:"send_window_end"`
	ApprovalStatus    ApprovalStatus `json:"approval_status"`
	Status            OutreachStatus `json:"status"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status,omitempty"`
	DeliveryError     string         `json:"delivery_error,omitempty"`
	SMSCost           *float64       `json:"sms_cost,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsEligibleForDelivery reports whether the message may be sent at now.
// All four conditions must hold; a message already sent is never eligible again.
func (m ScheduledOutreachMessage) IsEligibleForDelivery(now time.Time) bool {
	return m.ApprovalStatus == ApprovalApproved &&
		m.Status == OutreachScheduled &&
		m.SentAt == nil &&
		!now.Before(m.ScheduledSendTime)
}

// MessageBody returns the reviewer's edit when present, otherwise the generated draft.
func (m ScheduledOutreachMessage) MessageBody() string {
	if m.EditedMessage != nil && strings.TrimSpace(*m.EditedMessage) != "" {
		return *m.EditedMessage
	}
	return m.GeneratedMessage
}

// OutreachDelivery carries the provider details recorded when a message is sent.
type OutreachDelivery struct {
	SentAt            time.Time
	Cost              *float64
	ProviderMessageID string
}
