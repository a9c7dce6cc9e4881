package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

// Sweeper expires credit grants past their expiry and deducts the unused
// remainder from the owner's balance
type Sweeper struct {
	db     *sql.DB
	logger logging.Logger
	env    string
	sink   EventSink
}

// NewSweeper creates a grant-expiry sweeper
func NewSweeper(db *sql.DB, logger logging.Logger, env string, sink EventSink) *Sweeper {
	return &Sweeper{db: db, logger: logger, env: env, sink: sink}
}

type expiredGrant struct {
	ID        string
	OwnerID   string
	Remainder int64
}

// SweepExpiredGrants flips active grants past expires_at to expired and
// writes one expiry ledger entry per grant. The derived idempotency key
// makes repeat sweeps no-ops. Returns the number of grants expired.
func (sw *Sweeper) SweepExpiredGrants(ctx context.Context) (int, error) {
	rows, err := sw.db.QueryContext(ctx, `
		SELECT id, owner_id, total_credits - used_credits
		FROM bursar.credit_grants
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired grants: %w", err)
	}

	var grants []expiredGrant
	for rows.Next() {
		var g expiredGrant
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Remainder); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate expired grants: %w", err)
	}
	rows.Close()

	expired := 0
	for _, g := range grants {
		if err := sw.sweepOne(ctx, g); err != nil {
			sw.logger.WithError(err).WithFields(logging.Fields{
				"grant_id": g.ID,
				"owner_id": g.OwnerID,
			}).Error("Failed to expire grant")
			continue
		}
		expired++

		if sw.sink != nil {
			sw.sink.Emit(models.EventGrantExpired, models.JSONB{
				"grant_id":        g.ID,
				"owner_id":        g.OwnerID,
				"expired_credits": g.Remainder,
			})
		}
	}

	if expired > 0 {
		sw.logger.WithField("expired_count", expired).Info("Expired credit grants")
	}
	return expired, nil
}

// sweepOne atomically flips one grant and deducts its unused remainder
func (sw *Sweeper) sweepOne(ctx context.Context, g expiredGrant) error {
	tx, err := sw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	// Re-check under lock; a concurrent sweep may have raced us here.
	var remainder int64
	err = tx.QueryRowContext(ctx, `
		SELECT total_credits - used_credits
		FROM bursar.credit_grants
		WHERE id = $1 AND status = 'active' AND expires_at < NOW()
		FOR UPDATE
	`, g.ID).Scan(&remainder)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to lock grant: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.credit_grants
		SET status = 'expired', used_credits = total_credits, updated_at = NOW()
		WHERE id = $1
	`, g.ID); err != nil {
		return fmt.Errorf("failed to expire grant: %w", err)
	}

	if remainder > 0 {
		var newBalance int64
		err = tx.QueryRowContext(ctx, `
			UPDATE bursar.credit_balances
			SET balance_credits = GREATEST(balance_credits - $1, 0),
			    version = version + 1, updated_at = NOW()
			WHERE owner_id = $2
			RETURNING balance_credits
		`, remainder, g.OwnerID).Scan(&newBalance)
		if err != nil {
			return fmt.Errorf("failed to deduct expired credits: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bursar.ledger_entries
			(id, owner_id, entry_type, amount_credits, reason, idempotency_key, balance_after, reference_id, reference_type, environment, created_at)
			VALUES ($1, $2, 'expiry', $3, 'credit grant expired', $4, $5, $6, 'credit_grant', $7, NOW())
		`, uuid.New().String(), g.OwnerID, -remainder, "expiry:"+g.ID, newBalance, g.ID, sw.env)
		if err != nil {
			// The derived key already exists when a previous sweep wrote
			// the entry but our status re-check raced; treat as done.
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return nil
			}
			return fmt.Errorf("failed to insert expiry entry: %w", err)
		}
	}

	return tx.Commit()
}
