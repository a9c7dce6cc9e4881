package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Ledger entry types
const (
	EntryTypeGrant     = "grant"
	EntryTypeDeduction = "deduction"
	EntryTypeRefund    = "refund"
	EntryTypeExpiry    = "expiry"
)

// Grant source types
const (
	GrantSourceSubscription = "subscription"
	GrantSourceTopup        = "topup"
	GrantSourcePromo        = "promo"
	GrantSourceAutoTopup    = "auto_topup"
)

// Grant statuses
const (
	GrantStatusActive  = "active"
	GrantStatusExpired = "expired"
)

// Balance represents an owner's credit balance row
type Balance struct {
	ID         string `json:"id" db:"id"`
	OwnerID    string `json:"owner_id" db:"owner_id"`
	OwnerEmail string `json:"owner_email,omitempty" db:"owner_email"`

	BalanceCredits int64 `json:"balance_credits" db:"balance_credits"`

	// Optimistic concurrency guard, bumped on every mutation
	Version int64 `json:"-" db:"version"`

	// Low-balance notification and auto-top-up settings
	LowBalanceThreshold int64 `json:"low_balance_threshold" db:"low_balance_threshold"`
	AutoTopupEnabled    bool  `json:"auto_topup_enabled" db:"auto_topup_enabled"`
	AutoTopupAmount     int64 `json:"auto_topup_amount" db:"auto_topup_amount"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry represents an immutable balance-changing event
type LedgerEntry struct {
	ID             string  `json:"id" db:"id"`
	OwnerID        string  `json:"owner_id" db:"owner_id"`
	EntryType      string  `json:"entry_type" db:"entry_type"` // grant, deduction, refund, expiry
	AmountCredits  int64   `json:"amount_credits" db:"amount_credits"`
	Reason         string  `json:"reason" db:"reason"`
	IdempotencyKey string  `json:"idempotency_key" db:"idempotency_key"`
	Breakdown      JSONB   `json:"breakdown,omitempty" db:"breakdown"`
	BalanceAfter   int64   `json:"balance_after" db:"balance_after"`
	ReferenceID    *string `json:"reference_id,omitempty" db:"reference_id"`
	ReferenceType  *string `json:"reference_type,omitempty" db:"reference_type"`
	Environment    string  `json:"environment,omitempty" db:"environment"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CreditGrant represents a time-boxed credit grant
type CreditGrant struct {
	ID           string     `json:"id" db:"id"`
	OwnerID      string     `json:"owner_id" db:"owner_id"`
	SourceType   string     `json:"source_type" db:"source_type"` // subscription, topup, promo, auto_topup
	TotalCredits int64      `json:"total_credits" db:"total_credits"`
	UsedCredits  int64      `json:"used_credits" db:"used_credits"`
	Status       string     `json:"status" db:"status"` // active, expired
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unconsumed credits on a grant
func (g *CreditGrant) Remaining() int64 {
	if g.UsedCredits >= g.TotalCredits {
		return 0
	}
	return g.TotalCredits - g.UsedCredits
}

// WebhookEvent is the outbound notification envelope
type WebhookEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      JSONB     `json:"data"`
}

// Webhook event types
const (
	EventCreditGranted  = "credit.granted"
	EventCreditDeducted = "credit.deducted"
	EventCreditRefunded = "credit.refunded"
	EventGrantExpired   = "grant.expired"
	EventBalanceLow     = "balance.low"
)
