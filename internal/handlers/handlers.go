package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"ledgerworks/internal/ledger"
	"ledgerworks/pkg/api/bursar"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

var (
	db      *sql.DB
	logger  logging.Logger
	service *ledger.Service
	sweeper *ledger.Sweeper
	metrics *Metrics
)

// Metrics holds the Prometheus collectors the handlers update
type Metrics struct {
	Mutations           *prometheus.CounterVec // {entry_type, status}
	WebhookDeliveries   *prometheus.CounterVec // {event_type, status}
	RateLimitRejections *prometheus.CounterVec // {route}
	GrantExpiries       prometheus.Counter
}

// Init initializes the handlers with their dependencies
func Init(database *sql.DB, log logging.Logger, svc *ledger.Service, sw *ledger.Sweeper, m *Metrics) {
	db = database
	logger = log
	service = svc
	sweeper = sw
	metrics = m
}

func countMutation(entryType, status string) {
	if metrics != nil && metrics.Mutations != nil {
		metrics.Mutations.WithLabelValues(entryType, status).Inc()
	}
}

// DeductCredits handles POST /credits/deduct (HMAC-authenticated)
func DeductCredits(c *gin.Context) {
	var req bursar.DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: err.Error(), Code: bursar.CodeInvalidInput})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "amount must be positive", Code: bursar.CodeInvalidInput})
		return
	}

	result, err := service.ApplyDelta(c.Request.Context(), ledger.ApplyDeltaParams{
		OwnerID:        req.OwnerID,
		OwnerEmail:     req.OwnerEmail,
		Delta:          -req.Amount,
		EntryType:      models.EntryTypeDeduction,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Breakdown:      req.Breakdown,
	})
	if err != nil {
		countMutation(models.EntryTypeDeduction, "error")
		respondLedgerError(c, err)
		return
	}

	countMutation(models.EntryTypeDeduction, "success")
	c.JSON(http.StatusOK, bursar.MutationResponse{
		Success:    true,
		NewBalance: result.BalanceAfter,
		LedgerID:   result.LedgerEntryID,
		Idempotent: result.Idempotent,
	})
}

// RefundCredits handles POST /credits/refund (HMAC-authenticated)
func RefundCredits(c *gin.Context) {
	var req bursar.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: err.Error(), Code: bursar.CodeInvalidInput})
		return
	}

	result, err := service.Refund(c.Request.Context(), req.OwnerID, req.Amount, req.Reason, req.IdempotencyKey, req.LedgerEntryID)
	if err != nil {
		countMutation(models.EntryTypeRefund, "error")
		respondLedgerError(c, err)
		return
	}

	countMutation(models.EntryTypeRefund, "success")
	c.JSON(http.StatusOK, bursar.MutationResponse{
		Success:    true,
		NewBalance: result.BalanceAfter,
		LedgerID:   result.LedgerEntryID,
		Idempotent: result.Idempotent,
	})
}

// GrantCredits handles POST /credits/grant (service-to-service)
func GrantCredits(c *gin.Context) {
	var req bursar.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: err.Error(), Code: bursar.CodeInvalidInput})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "amount must be positive", Code: bursar.CodeInvalidInput})
		return
	}

	result, err := service.ApplyDelta(c.Request.Context(), ledger.ApplyDeltaParams{
		OwnerID:        req.OwnerID,
		Delta:          req.Amount,
		EntryType:      models.EntryTypeGrant,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		GrantSource:    req.SourceType,
		GrantExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		countMutation(models.EntryTypeGrant, "error")
		respondLedgerError(c, err)
		return
	}

	countMutation(models.EntryTypeGrant, "success")
	c.JSON(http.StatusOK, bursar.MutationResponse{
		Success:    true,
		NewBalance: result.BalanceAfter,
		LedgerID:   result.LedgerEntryID,
		Idempotent: result.Idempotent,
	})
}

// GetBalance handles GET /credits/balance/:owner_id (JWT)
func GetBalance(c *gin.Context) {
	ownerID := c.Param("owner_id")

	summary, err := service.GetBalance(c.Request.Context(), ownerID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursar.BalanceResponse{
		OwnerID:             summary.Balance.OwnerID,
		BalanceCredits:      summary.Balance.BalanceCredits,
		LowBalanceThreshold: summary.Balance.LowBalanceThreshold,
		LowBalance:          summary.LowBalance,
		ActiveGrantCredits:  summary.ActiveGrantCredits,
		AutoTopupEnabled:    summary.Balance.AutoTopupEnabled,
		AutoTopupAmount:     summary.Balance.AutoTopupAmount,
	})
}

// GetLedger handles GET /credits/ledger/:owner_id (JWT)
func GetLedger(c *gin.Context) {
	ownerID := c.Param("owner_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	before := c.Query("before")

	entries, hasMore, err := service.ListLedger(c.Request.Context(), ownerID, limit, before)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	c.JSON(http.StatusOK, bursar.LedgerResponse{
		OwnerID: ownerID,
		Entries: entries,
		HasMore: hasMore,
	})
}

// UpdateSettings handles PUT /credits/settings/:owner_id (JWT)
func UpdateSettings(c *gin.Context) {
	ownerID := c.Param("owner_id")

	var req bursar.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: err.Error(), Code: bursar.CodeInvalidInput})
		return
	}

	err := service.UpdateSettings(c.Request.Context(), ownerID, ledger.SettingsUpdate{
		LowBalanceThreshold: req.LowBalanceThreshold,
		AutoTopupEnabled:    req.AutoTopupEnabled,
		AutoTopupAmount:     req.AutoTopupAmount,
	})
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SweepGrants handles POST /jobs/sweep-grants (service-to-service)
func SweepGrants(c *gin.Context) {
	count, err := sweeper.SweepExpiredGrants(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Grant sweep failed")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "sweep failed", Code: bursar.CodeUpstreamUnavailable})
		return
	}

	if metrics != nil && metrics.GrantExpiries != nil {
		metrics.GrantExpiries.Add(float64(count))
	}
	c.JSON(http.StatusOK, bursar.SweepResponse{ExpiredCount: count})
}

// respondLedgerError maps service errors to stable API error codes
func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, bursar.ErrorResponse{Error: "insufficient credits", Code: bursar.CodeInsufficientCredits})
	case errors.Is(err, ledger.ErrVersionConflict):
		c.JSON(http.StatusConflict, bursar.ErrorResponse{Error: "balance busy, retry later", Code: bursar.CodeBalanceVersionConflict})
	case errors.Is(err, ledger.ErrBalanceNotFound):
		c.JSON(http.StatusNotFound, bursar.ErrorResponse{Error: "credit balance not found", Code: bursar.CodeInvalidInput})
	case errors.Is(err, ledger.ErrInvalidReference), errors.Is(err, ledger.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: err.Error(), Code: bursar.CodeInvalidInput})
	default:
		logger.WithError(err).Error("Ledger operation failed")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "internal error", Code: bursar.CodeUpstreamUnavailable})
	}
}
