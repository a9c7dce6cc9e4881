package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"ledgerworks/pkg/models"
)

// BalanceSummary is a read-side view of an owner's credit standing
type BalanceSummary struct {
	Balance            models.Balance
	ActiveGrantCredits int64
	LowBalance         bool
}

// GetBalance returns the owner's balance with active grant totals
func (s *Service) GetBalance(ctx context.Context, ownerID string) (*BalanceSummary, error) {
	var summary BalanceSummary
	b := &summary.Balance

	var email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_email, balance_credits, version,
		       low_balance_threshold, auto_topup_enabled, auto_topup_amount,
		       created_at, updated_at
		FROM bursar.credit_balances
		WHERE owner_id = $1
	`, ownerID).Scan(
		&b.ID, &b.OwnerID, &email, &b.BalanceCredits, &b.Version,
		&b.LowBalanceThreshold, &b.AutoTopupEnabled, &b.AutoTopupAmount,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if email.Valid {
		b.OwnerEmail = email.String
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_credits - used_credits), 0)
		FROM bursar.credit_grants
		WHERE owner_id = $1 AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, ownerID).Scan(&summary.ActiveGrantCredits)
	if err != nil {
		return nil, fmt.Errorf("failed to sum active grants: %w", err)
	}

	summary.LowBalance = b.LowBalanceThreshold > 0 && b.BalanceCredits <= b.LowBalanceThreshold
	return &summary, nil
}

// ListLedger returns ledger history for an owner, newest first. The before
// cursor is an entry ID; entries strictly older than it are returned.
func (s *Service) ListLedger(ctx context.Context, ownerID string, limit int, before string) ([]models.LedgerEntry, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT id, owner_id, entry_type, amount_credits, reason, idempotency_key,
		       breakdown, balance_after, reference_id, reference_type, environment, created_at
		FROM bursar.ledger_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	args := []interface{}{ownerID, limit + 1}
	if before != "" {
		query = `
			SELECT id, owner_id, entry_type, amount_credits, reason, idempotency_key,
			       breakdown, balance_after, reference_id, reference_type, environment, created_at
			FROM bursar.ledger_entries
			WHERE owner_id = $1
			  AND created_at < (SELECT created_at FROM bursar.ledger_entries WHERE id = $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		args = append(args, before)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.OwnerID, &e.EntryType, &e.AmountCredits, &e.Reason,
			&e.IdempotencyKey, &e.Breakdown, &e.BalanceAfter,
			&e.ReferenceID, &e.ReferenceType, &e.Environment, &e.CreatedAt,
		); err != nil {
			return nil, false, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate ledger: %w", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return entries, hasMore, nil
}

// SettingsUpdate carries optional settings changes; nil fields are untouched
type SettingsUpdate struct {
	LowBalanceThreshold *int64
	AutoTopupEnabled    *bool
	AutoTopupAmount     *int64
}

// UpdateSettings changes low-balance and auto-top-up settings for an owner
func (s *Service) UpdateSettings(ctx context.Context, ownerID string, update SettingsUpdate) error {
	if update.LowBalanceThreshold == nil && update.AutoTopupEnabled == nil && update.AutoTopupAmount == nil {
		return fmt.Errorf("%w: no settings provided", ErrInvalidInput)
	}
	if update.LowBalanceThreshold != nil && *update.LowBalanceThreshold < 0 {
		return fmt.Errorf("%w: threshold must be non-negative", ErrInvalidInput)
	}
	if update.AutoTopupAmount != nil && *update.AutoTopupAmount < 0 {
		return fmt.Errorf("%w: auto_topup_amount must be non-negative", ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE bursar.credit_balances
		SET low_balance_threshold = COALESCE($1, low_balance_threshold),
		    auto_topup_enabled = COALESCE($2, auto_topup_enabled),
		    auto_topup_amount = COALESCE($3, auto_topup_amount),
		    updated_at = NOW()
		WHERE owner_id = $4
	`, update.LowBalanceThreshold, update.AutoTopupEnabled, update.AutoTopupAmount, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// AutoTopupCandidate is an owner whose balance fell below threshold with
// auto-top-up enabled
type AutoTopupCandidate struct {
	OwnerID string
	Amount  int64
}

// AutoTopupCandidates lists owners due for an automatic top-up grant
func (s *Service) AutoTopupCandidates(ctx context.Context) ([]AutoTopupCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, auto_topup_amount
		FROM bursar.credit_balances
		WHERE auto_topup_enabled = true
		  AND auto_topup_amount > 0
		  AND balance_credits < low_balance_threshold
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query auto-topup candidates: %w", err)
	}
	defer rows.Close()

	var out []AutoTopupCandidate
	for rows.Next() {
		var c AutoTopupCandidate
		if err := rows.Scan(&c.OwnerID, &c.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
