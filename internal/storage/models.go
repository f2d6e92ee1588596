package storage

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Placement is the direction of a price-alert comparison.
type Placement string

const (
	PlacementAbove Placement = "above"
	PlacementBelow Placement = "below"
)

// AlertRequest is the market-data request descriptor registered with an alert.
type AlertRequest struct {
	Platform string         `json:"currentPlatform"`
	Ticker   map[string]any `json:"ticker"`
	Params   map[string]any `json:"params,omitempty"`
}

// Alert is a user-registered price condition awaiting evaluation.
type Alert struct {
	ID             string
	AccountID      string
	OwnerID        int64
	Request        AlertRequest
	Timestamp      time.Time
	Level          decimal.Decimal
	LevelText      string
	Placement      Placement
	Channel        *int64
	BackupChannel  *int64
	Destination    *int64
	TriggerMessage string
	TriggerTag     string
}

// Accounts maps external account ids to numeric owner ids.
type Accounts map[string]int64

// Owner resolves the owner id for an account. Numeric account ids are owner ids already.
func (a Accounts) Owner(accountID string) (int64, bool) {
	if id, err := strconv.ParseInt(accountID, 10, 64); err == nil {
		return id, true
	}
	owner, ok := a[accountID]
	return owner, ok
}

// OutboxMessage is a notification document picked up by the chat delivery service.
type OutboxMessage struct {
	ID            uuid.UUID `json:"id"`
	Title         string    `json:"title"`
	Subtitle      string    `json:"subtitle,omitempty"`
	Description   string    `json:"description,omitempty"`
	Tag           string    `json:"tag,omitempty"`
	Color         int       `json:"color"`
	User          *int64    `json:"user"`
	Channel       *int64    `json:"channel"`
	BackupUser    *int64    `json:"backupUser"`
	BackupChannel *int64    `json:"backupChannel"`
	Destination   int64     `json:"destination"`
	CreatedAt     time.Time `json:"createdAt"`
}

// HaltRecord is one exchange-declared trading halt.
type HaltRecord struct {
	Symbol    string     `json:"symbol"`
	Name      string     `json:"name,omitempty"`
	Market    string     `json:"market,omitempty"`
	Code      string     `json:"code"`
	HaltedAt  time.Time  `json:"timestamp"`
	ResumesAt *time.Time `json:"resumption"`
	Hash      string     `json:"hash"`
}

// HaltSnapshot is the full halt state captured at one cycle.
type HaltSnapshot struct {
	TakenAt time.Time             `json:"timestamp"`
	Halts   map[string]HaltRecord `json:"halts"`
}

// Subscription kinds.
const (
	SubscriptionDiscord  = "discord"
	SubscriptionTelegram = "telegram"
)

// HaltSubscription is one notification target for halt events.
type HaltSubscription struct {
	ID        string
	GuildID   int64
	Kind      string
	Endpoint  string
	CreatedAt time.Time
}

// Guild is the external guild context linked to a subscription.
type Guild struct {
	ID         int64
	AccountID  string
	StaleCount int
}

// Stale reports whether the guild has been flagged by the delivery service.
func (g Guild) Stale() bool {
	return g.StaleCount > 0
}
