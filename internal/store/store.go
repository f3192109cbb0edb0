// Package store provides storage backends for OutreachPipe.
//
// PostgreSQL is the production backend, SQLite serves local runs and tests.
// Both share one SQL core and differ only in placeholder style, locking
// clauses and constraint error detection.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// ErrDuplicateMessage is returned when a message with the same provider id is already stored.
var ErrDuplicateMessage = errors.New("duplicate provider message id")

// DefaultQueryTimeout bounds every store call that does not carry a tighter deadline.
const DefaultQueryTimeout = 5 * time.Second

// TriggerStore is read by the trigger detector.
type TriggerStore interface {
	// ListLatestSnapshots returns the most recent behavioral snapshot of every player.
	ListLatestSnapshots(ctx context.Context) ([]models.BehavioralSnapshot, error)
	ListJackpotProgress(ctx context.Context) ([]models.JackpotProgress, error)
	// ListNetResults returns withdrawals minus deposits since the given time, per player.
	ListNetResults(ctx context.Context, since time.Time) ([]models.NetResult, error)
	HasRecentOutreach(ctx context.Context, playerID string, trigger models.TriggerType, since time.Time) (bool, error)
}

// ContextStore is read and written by the message synthesizer.
type ContextStore interface {
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
	GetLatestSnapshot(ctx context.Context, playerID string) (*models.BehavioralSnapshot, error)
	GetLoyaltyStatus(ctx context.Context, playerID string) (*models.LoyaltyStatus, error)
	ListRecentTransactions(ctx context.Context, playerID string, limit int) ([]models.Transaction, error)
	ListActiveBonuses(ctx context.Context, playerID string) ([]models.PlayerBonus, error)
	ListAvailableOffers(ctx context.Context, playerID string) ([]models.BonusOffer, error)
	// OptimalSendTime returns the zero time when there is no basis for a suggestion.
	OptimalSendTime(ctx context.Context, playerID string, now time.Time) (time.Time, error)
	CreateOutreachMessage(ctx context.Context, m *models.ScheduledOutreachMessage) error
}

// OutreachStore is used by the scheduled-send path.
type OutreachStore interface {
	ListDueOutreach(ctx context.Context, now time.Time, limit int) ([]models.ScheduledOutreachMessage, error)
	GetOutreachMessage(ctx context.Context, id string) (*models.ScheduledOutreachMessage, error)
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	// MarkOutreachSent and MarkOutreachFailed only touch rows still scheduled and unsent.
	// They report whether a row was updated.
	MarkOutreachSent(ctx context.Context, id string, d models.OutreachDelivery) (bool, error)
	MarkOutreachFailed(ctx context.Context, id string, reason string, at time.Time) (bool, error)
}

// InboundStore is used by the reply accumulator.
type InboundStore interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	RecordOptOut(ctx context.Context, o models.OptOut) error
	HasProviderMessage(ctx context.Context, providerMessageID string) (bool, error)
	GetOrCreateConversation(ctx context.Context, phone string, now time.Time) (*models.Conversation, error)
	AddMessage(ctx context.Context, m *models.Message) error
	// UpsertPendingReply appends messageID to the conversation's open accumulator, or
	// opens a new one, and sets its reply time to replyAt.
	UpsertPendingReply(ctx context.Context, conv models.Conversation, messageID string, replyAt, now time.Time) (*models.PendingAutoReply, error)
}

// AutoReplyStore is used by the auto-reply path.
type AutoReplyStore interface {
	ReapStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	ListDuePendingReplies(ctx context.Context, now time.Time, limit int) ([]models.PendingAutoReply, error)
	// ClaimPendingReply moves a due pending row to processing. False means another worker
	// won, the reply time moved past now, or the conversation has a reply in processing.
	ClaimPendingReply(ctx context.Context, id string, now time.Time) (bool, error)
	GetPendingReply(ctx context.Context, id string) (*models.PendingAutoReply, error)
	GetMessagesByIDs(ctx context.Context, ids []string) ([]models.Message, error)
	ListConversationHistory(ctx context.Context, conversationID string, limit int, exclude []string) ([]models.Message, error)
	GetPromotionContext(ctx context.Context, playerID string) (models.PromotionContext, error)
	GetPersona(ctx context.Context, name string) (*models.Persona, error)
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	AddMessage(ctx context.Context, m *models.Message) error
	AddAuditRecord(ctx context.Context, r models.AIAuditRecord) error
	CompletePendingReply(ctx context.Context, id string, now time.Time) error
	FailPendingReply(ctx context.Context, id string, reason string, now time.Time) error
	TouchConversationAI(ctx context.Context, conversationID string, at time.Time) error
	// LogBonusCodeMention records the mention and reports whether a bonus was auto-credited.
	LogBonusCodeMention(ctx context.Context, m models.BonusCodeMention, now time.Time) (bool, error)
}

// ReviewStore applies decisions taken by the external review tool.
type ReviewStore interface {
	GetOutreachMessage(ctx context.Context, id string) (*models.ScheduledOutreachMessage, error)
	// ApproveOutreach keeps the stored edit when edited is nil.
	ApproveOutreach(ctx context.Context, id string, edited *string, sendAt, now time.Time) (bool, error)
	RejectOutreach(ctx context.Context, id string, now time.Time) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	TriggerStore
	ContextStore
	OutreachStore
	InboundStore
	AutoReplyStore
	ReviewStore
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN          string
	QueryTimeout time.Duration
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithQueryTimeout bounds every store call.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *Opts) { o.QueryTimeout = d }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks the backend for dsn.
func Open(dsn string, opts ...Option) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		return NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
	default:
		return NewSQLiteStore(append([]Option{WithSQLiteDSN(dsn)}, opts...)...)
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{QueryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return cfg
}
