package bursar

import (
	"time"

	"ledgerworks/pkg/api/common"
	"ledgerworks/pkg/models"
)

// Stable error codes returned in ErrorResponse.Code
const (
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeInsufficientCredits    = "INSUFFICIENT_CREDITS"
	CodeDuplicateTransaction   = "DUPLICATE_TRANSACTION"
	CodeBalanceVersionConflict = "BALANCE_VERSION_CONFLICT"
	CodeRateLimited            = "RATE_LIMITED"
	CodeUpstreamUnavailable    = "UPSTREAM_UNAVAILABLE"
)

// ErrorResponse is a type alias to the common error response
type ErrorResponse = common.ErrorResponse

// DeductRequest represents an external credit deduction
type DeductRequest struct {
	OwnerID        string       `json:"owner_id"`
	OwnerEmail     string       `json:"owner_email,omitempty"`
	Amount         int64        `json:"amount" binding:"required"`
	Reason         string       `json:"reason" binding:"required"`
	IdempotencyKey string       `json:"idempotency_key" binding:"required"`
	Breakdown      models.JSONB `json:"breakdown,omitempty"`
}

// RefundRequest represents an external credit refund pointing at the
// original deduction entry
type RefundRequest struct {
	OwnerID        string `json:"owner_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	LedgerEntryID  string `json:"ledger_entry_id" binding:"required"`
}

// GrantRequest represents a service-to-service credit grant
type GrantRequest struct {
	OwnerID        string     `json:"owner_id" binding:"required"`
	Amount         int64      `json:"amount" binding:"required"`
	SourceType     string     `json:"source_type" binding:"required"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Reason         string     `json:"reason"`
	IdempotencyKey string     `json:"idempotency_key" binding:"required"`
}

// MutationResponse represents the result of a balance mutation
type MutationResponse struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"new_balance"`
	LedgerID   string `json:"ledger_id"`
	Idempotent bool   `json:"idempotent"`
}

// BalanceResponse represents an owner's balance summary
type BalanceResponse struct {
	OwnerID             string `json:"owner_id"`
	BalanceCredits      int64  `json:"balance_credits"`
	LowBalanceThreshold int64  `json:"low_balance_threshold"`
	LowBalance          bool   `json:"low_balance"`
	ActiveGrantCredits  int64  `json:"active_grant_credits"`
	AutoTopupEnabled    bool   `json:"auto_topup_enabled"`
	AutoTopupAmount     int64  `json:"auto_topup_amount"`
}

// LedgerResponse represents a page of ledger history, newest first
type LedgerResponse struct {
	OwnerID string               `json:"owner_id"`
	Entries []models.LedgerEntry `json:"entries"`
	HasMore bool                 `json:"has_more"`
}

// SettingsRequest updates low-balance and auto-top-up settings
type SettingsRequest struct {
	LowBalanceThreshold *int64 `json:"low_balance_threshold,omitempty"`
	AutoTopupEnabled    *bool  `json:"auto_topup_enabled,omitempty"`
	AutoTopupAmount     *int64 `json:"auto_topup_amount,omitempty"`
}

// SweepResponse represents the result of a grant-expiry sweep
type SweepResponse struct {
	ExpiredCount int `json:"expired_count"`
}
