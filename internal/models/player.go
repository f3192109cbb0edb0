package models

import "time"

// Player is the identity and contact record of a casino player. The pipeline
// reads it but never writes it.
type Player struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Phone       string    `json:"phone,omitempty"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BehavioralSnapshot holds per-player metrics derived by the analytics process.
type BehavioralSnapshot struct {
	PlayerID                string       `json:"player_id"`
	AvgDepositPerActiveWeek float64      `json:"avg_deposit_per_active_week"`
	MostFrequentDepositDay  time.Weekday `json:"most_frequent_deposit_day"`
	MostFrequentDepositHour int          `json:"most_frequent_deposit_hour"`
	DaysSinceLastDeposit    int          `json:"days_since_last_deposit"`
	HasEstablishedPattern   bool         `json:"has_established_pattern"`
	ConsecutiveActiveWeeks  int          `json:"consecutive_active_weeks"`
	LastDepositAt           *time.Time   `json:"last_deposit_at,omitempty"`
	ComputedAt              time.Time    `json:"computed_at"`
}

// LoyaltyStatus is the player's tier and point balance.
type LoyaltyStatus struct {
	PlayerID       string `json:"player_id"`
	Tier           string `json:"tier"`
	PointsBalance  int64  `json:"points_balance"`
	LifetimePoints int64  `json:"lifetime_points"`
}

// TransactionType enumerates the kinds of wallet transactions.
type TransactionType string

const (
	TransactionDeposit     TransactionType = "deposit"
	TransactionWithdrawal  TransactionType = "withdrawal"
	TransactionBet         TransactionType = "bet"
	TransactionWin         TransactionType = "win"
	TransactionBonusCredit TransactionType = "bonus_credit"
)

// Transaction is a single wallet movement.
type Transaction struct {
	ID        string          `json:"id"`
	PlayerID  string          `json:"player_id"`
	Type      TransactionType `json:"type"`
	Amount    float64         `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// BonusOffer is a promotion a player may claim.
type BonusOffer struct {
	ID                 string     `json:"id"`
	Code               string     `json:"code"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	BonusType          string     `json:"bonus_type"`
	Amount             float64    `json:"amount"`
	WageringMultiplier float64    `json:"wagering_multiplier"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Active             bool       `json:"active"`
	AutoCredit         bool       `json:"auto_credit"`
}

// PlayerBonusStatus is the lifecycle state of a bonus attached to a player.
type PlayerBonusStatus string

const (
	PlayerBonusOffered   PlayerBonusStatus = "offered"
	PlayerBonusActive    PlayerBonusStatus = "active"
	PlayerBonusCompleted PlayerBonusStatus = "completed"
	PlayerBonusExpired   PlayerBonusStatus = "expired"
)

// PlayerBonus is a bonus claimed by (or credited to) a player.
type PlayerBonus struct {
	ID                string            `json:"id"`
	PlayerID          string            `json:"player_id"`
	BonusOfferID      string            `json:"bonus_offer_id"`
	Code              string            `json:"code"`
	Title             string            `json:"title"`
	Status            PlayerBonusStatus `json:"status"`
	Amount            float64           `json:"amount"`
	WageringRequired  float64           `json:"wagering_required"`
	WageringCompleted float64           `json:"wagering_completed"`
	CreatedAt         time.Time         `json:"created_at"`
}

// WageringProgress returns the completed fraction of the play-through volume, in [0,1].
func (b PlayerBonus) WageringProgress() float64 {
	if b.WageringRequired <= 0 {
		return 1
	}
	p := b.WageringCompleted / b.WageringRequired
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// JackpotProgress tracks points toward the next jackpot ticket.
type JackpotProgress struct {
	PlayerID         string  `json:"player_id"`
	CurrentTickets   int     `json:"current_tickets"`
	PointsTowardNext float64 `json:"points_toward_next"`
	NextThreshold    float64 `json:"next_threshold"`
}

// Progress returns the fraction of the next threshold already earned.
func (j JackpotProgress) Progress() float64 {
	if j.NextThreshold <= 0 {
		return 0
	}
	return j.PointsTowardNext / j.NextThreshold
}

// NetResult is withdrawals minus deposits over a trailing window. Negative means a loss.
type NetResult struct {
	PlayerID    string    `json:"player_id"`
	NetAmount   float64   `json:"net_amount"`
	WindowStart time.Time `json:"window_start"`
}

// PlayerContext is everything gathered about a player before a draft is written.
// It is persisted verbatim as the outreach message's context snapshot so a reviewer
// sees exactly what informed the draft.
type PlayerContext struct {
	Player             Player              `json:"player"`
	Snapshot           *BehavioralSnapshot `json:"snapshot,omitempty"`
	Loyalty            *LoyaltyStatus      `json:"loyalty,omitempty"`
	RecentTransactions []Transaction       `json:"recent_transactions,omitempty"`
	ActiveBonuses      []PlayerBonus       `json:"active_bonuses,omitempty"`
	AvailableOffers    []BonusOffer        `json:"available_offers,omitempty"`
	Trigger            OutreachCandidate   `json:"trigger"`
	GatheredAt         time.Time           `json:"gathered_at"`
}

// PromotionContext aggregates a player's active bonuses and unclaimed offers.
type PromotionContext struct {
	ActiveBonuses   []PlayerBonus `json:"active_bonuses,omitempty"`
	AvailableOffers []BonusOffer  `json:"available_offers,omitempty"`
}
