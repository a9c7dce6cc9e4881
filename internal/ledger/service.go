package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ledgerworks/pkg/cache"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

// errVersionRace signals a lost optimistic-concurrency round inside a
// single attempt; ApplyDelta retries before surfacing ErrVersionConflict.
var errVersionRace = errors.New("balance version race")

// EventSink receives ledger events after a mutation commits. Implementations
// must not block; delivery failures never affect the mutation.
type EventSink interface {
	Emit(eventType string, data models.JSONB)
}

// Service owns balance mutations and the append-only ledger
type Service struct {
	db       *sql.DB
	logger   logging.Logger
	env      string
	sink     EventSink
	debounce *cache.Cache

	maxRetries int
	baseDelay  time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithEventSink wires post-commit webhook emission
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithEnvironment tags ledger entries with a deployment environment
func WithEnvironment(env string) Option {
	return func(s *Service) { s.env = env }
}

// WithRetry overrides the version-conflict retry budget
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = maxRetries
		s.baseDelay = baseDelay
	}
}

// NewService creates a ledger service
func NewService(db *sql.DB, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		db:         db,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  25 * time.Millisecond,
		// Low-balance events are debounced per owner so a burst of
		// deductions produces one notification, not dozens.
		debounce: cache.New(cache.Options{TTL: time.Hour, MaxEntries: 4096}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ApplyDeltaParams describes a single balance mutation
type ApplyDeltaParams struct {
	OwnerID        string
	OwnerEmail     string // resolved to owner_id when OwnerID is empty
	Delta          int64  // signed credits
	EntryType      string // grant, deduction, refund, expiry
	Reason         string
	IdempotencyKey string
	Breakdown      models.JSONB
	ReferenceID    *string
	ReferenceType  *string

	// Grant-only fields
	GrantSource    string
	GrantExpiresAt *time.Time
}

// MutationResult is the outcome of a committed (or replayed) mutation
type MutationResult struct {
	LedgerEntryID string
	BalanceAfter  int64
	Idempotent    bool
}

func (p *ApplyDeltaParams) validate() error {
	if p.OwnerID == "" && p.OwnerEmail == "" {
		return fmt.Errorf("%w: owner_id or owner_email required", ErrInvalidInput)
	}
	if p.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key required", ErrInvalidInput)
	}
	if p.Delta == 0 {
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidInput)
	}
	switch p.EntryType {
	case models.EntryTypeGrant:
		if p.Delta < 0 {
			return fmt.Errorf("%w: grant delta must be positive", ErrInvalidInput)
		}
	case models.EntryTypeDeduction, models.EntryTypeExpiry:
		if p.Delta > 0 {
			return fmt.Errorf("%w: %s delta must be negative", ErrInvalidInput, p.EntryType)
		}
	case models.EntryTypeRefund:
		if p.Delta < 0 {
			return fmt.Errorf("%w: refund delta must be positive", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidInput, p.EntryType)
	}
	return nil
}

// ApplyDelta applies a signed credit delta atomically. Replays of a known
// idempotency key return the recorded result without touching the balance.
func (s *Service) ApplyDelta(ctx context.Context, params ApplyDeltaParams) (*MutationResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	// Replay check before opening a transaction
	if prior, err := s.lookupByIdempotencyKey(ctx, params.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	var result *MutationResult
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(s.baseDelay) * math.Pow(2, float64(attempt-1)))
			delay += time.Duration(rand.Int63n(int64(s.baseDelay)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err = s.applyOnce(ctx, params)
		if errors.Is(err, errVersionRace) {
			continue
		}
		break
	}
	if errors.Is(err, errVersionRace) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}

	if !result.Idempotent {
		s.emitMutationEvents(params, result)
	}
	return result, nil
}

// Refund validates the referenced deduction entry then credits the balance
// back through the normal mutation path. Grants are not restored.
func (s *Service) Refund(ctx context.Context, ownerID string, amount int64, reason, idempotencyKey, ledgerEntryID string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrInvalidInput)
	}

	var refOwner, refType string
	var refAmount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, entry_type, amount_credits
		FROM bursar.ledger_entries
		WHERE id = $1
	`, ledgerEntryID).Scan(&refOwner, &refType, &refAmount)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidReference
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up referenced entry: %w", err)
	}
	if refOwner != ownerID || refType != models.EntryTypeDeduction {
		return nil, ErrInvalidReference
	}
	if amount > -refAmount {
		return nil, fmt.Errorf("%w: refund exceeds original deduction", ErrInvalidInput)
	}

	refTypeLedger := "ledger_entry"
	return s.ApplyDelta(ctx, ApplyDeltaParams{
		OwnerID:        ownerID,
		Delta:          amount,
		EntryType:      models.EntryTypeRefund,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    &ledgerEntryID,
		ReferenceType:  &refTypeLedger,
	})
}

func (s *Service) lookupByIdempotencyKey(ctx context.Context, key string) (*MutationResult, error) {
	var id string
	var balanceAfter int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance_after
		FROM bursar.ledger_entries
		WHERE idempotency_key = $1
	`, key).Scan(&id, &balanceAfter)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return &MutationResult{LedgerEntryID: id, BalanceAfter: balanceAfter, Idempotent: true}, nil
}

// applyOnce runs a single transactional attempt
func (s *Service) applyOnce(ctx context.Context, params ApplyDeltaParams) (*MutationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	bal, err := s.readBalanceForUpdate(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	newBalance := bal.BalanceCredits + params.Delta
	if newBalance < 0 {
		return nil, ErrInsufficientCredits
	}

	if params.Delta < 0 {
		if err := s.consumeGrants(ctx, tx, bal.OwnerID, -params.Delta); err != nil {
			return nil, err
		}
	}

	// Optimistic write: zero rows means a concurrent writer bumped the
	// version after our read.
	res, err := tx.ExecContext(ctx, `
		UPDATE bursar.credit_balances
		SET balance_credits = balance_credits + $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, params.Delta, bal.ID, bal.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errVersionRace
	}

	if params.EntryType == models.EntryTypeGrant {
		source := params.GrantSource
		if source == "" {
			source = models.GrantSourceTopup
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bursar.credit_grants
			(id, owner_id, source_type, total_credits, used_credits, status, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, 'active', $5, NOW(), NOW())
		`, uuid.New().String(), bal.OwnerID, source, params.Delta, params.GrantExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert credit grant: %w", err)
		}
	}

	entryID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bursar.ledger_entries
		(id, owner_id, entry_type, amount_credits, reason, idempotency_key, breakdown, balance_after, reference_id, reference_type, environment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`, entryID, bal.OwnerID, params.EntryType, params.Delta, params.Reason,
		params.IdempotencyKey, params.Breakdown, newBalance,
		params.ReferenceID, params.ReferenceType, s.env)
	if err != nil {
		// A concurrent request with the same idempotency key committed
		// first; surface its recorded result instead of our own.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			_ = tx.Rollback()
			prior, lookupErr := s.lookupByIdempotencyKey(ctx, params.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior != nil {
				return prior, nil
			}
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.checkLowBalance(bal, newBalance, params.Delta)

	return &MutationResult{LedgerEntryID: entryID, BalanceAfter: newBalance}, nil
}

type balanceRow struct {
	ID                  string
	OwnerID             string
	BalanceCredits      int64
	Version             int64
	LowBalanceThreshold int64
}

// readBalanceForUpdate resolves the balance row by owner ID or email,
// creating it for grants so first-time owners can receive credits.
func (s *Service) readBalanceForUpdate(ctx context.Context, tx *sql.Tx, params ApplyDeltaParams) (*balanceRow, error) {
	query := `
		SELECT id, owner_id, balance_credits, version, low_balance_threshold
		FROM bursar.credit_balances
		WHERE owner_id = $1
	`
	arg := params.OwnerID
	if arg == "" {
		query = `
			SELECT id, owner_id, balance_credits, version, low_balance_threshold
			FROM bursar.credit_balances
			WHERE owner_email = $1
		`
		arg = params.OwnerEmail
	}

	var bal balanceRow
	err := tx.QueryRowContext(ctx, query, arg).Scan(
		&bal.ID, &bal.OwnerID, &bal.BalanceCredits, &bal.Version, &bal.LowBalanceThreshold)
	if err == nil {
		return &bal, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	if params.EntryType != models.EntryTypeGrant || params.OwnerID == "" {
		if params.Delta < 0 {
			return nil, ErrInsufficientCredits
		}
		return nil, ErrBalanceNotFound
	}

	var email *string
	if params.OwnerEmail != "" {
		email = &params.OwnerEmail
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_balances (id, owner_id, owner_email, balance_credits, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 1, NOW(), NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, uuid.New().String(), params.OwnerID, email)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT id, owner_id, balance_credits, version, low_balance_threshold
		FROM bursar.credit_balances
		WHERE owner_id = $1
	`, params.OwnerID).Scan(&bal.ID, &bal.OwnerID, &bal.BalanceCredits, &bal.Version, &bal.LowBalanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance after create: %w", err)
	}
	return &bal, nil
}

// consumeGrants marks credits as used on active, unexpired grants,
// oldest expiry first.
func (s *Service) consumeGrants(ctx context.Context, tx *sql.Tx, ownerID string, need int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, total_credits, used_credits
		FROM bursar.credit_grants
		WHERE owner_id = $1 AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND used_credits < total_credits
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
		FOR UPDATE
	`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to lock grants: %w", err)
	}
	defer rows.Close()

	type consumption struct {
		id   string
		used int64
	}
	var updates []consumption
	for rows.Next() && need > 0 {
		var id string
		var total, used int64
		if err := rows.Scan(&id, &total, &used); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		remaining := total - used
		take := remaining
		if take > need {
			take = need
		}
		need -= take
		updates = append(updates, consumption{id: id, used: used + take})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate grants: %w", err)
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bursar.credit_grants
			SET used_credits = $1, updated_at = NOW()
			WHERE id = $2
		`, u.used, u.id); err != nil {
			return fmt.Errorf("failed to consume grant: %w", err)
		}
	}
	return nil
}

// emitMutationEvents fires the post-commit webhook for a mutation
func (s *Service) emitMutationEvents(params ApplyDeltaParams, result *MutationResult) {
	if s.sink == nil {
		return
	}

	eventType := ""
	switch params.EntryType {
	case models.EntryTypeGrant:
		eventType = models.EventCreditGranted
	case models.EntryTypeDeduction:
		eventType = models.EventCreditDeducted
	case models.EntryTypeRefund:
		eventType = models.EventCreditRefunded
	case models.EntryTypeExpiry:
		eventType = models.EventGrantExpired
	}
	if eventType == "" {
		return
	}

	s.sink.Emit(eventType, models.JSONB{
		"owner_id":    params.OwnerID,
		"amount":      params.Delta,
		"reason":      params.Reason,
		"ledger_id":   result.LedgerEntryID,
		"new_balance": result.BalanceAfter,
	})
}

// checkLowBalance emits balance.low once per debounce window when a
// deduction drops the balance at or below the owner's threshold.
func (s *Service) checkLowBalance(bal *balanceRow, newBalance, delta int64) {
	if s.sink == nil || delta >= 0 || bal.LowBalanceThreshold <= 0 {
		return
	}
	if newBalance > bal.LowBalanceThreshold || bal.BalanceCredits <= bal.LowBalanceThreshold {
		return
	}
	key := "lowbal:" + bal.OwnerID
	if _, seen := s.debounce.Peek(key); seen {
		return
	}
	s.debounce.Set(key, true, time.Hour)

	s.logger.WithFields(logging.Fields{
		"owner_id":  bal.OwnerID,
		"balance":   newBalance,
		"threshold": bal.LowBalanceThreshold,
	}).Warn("Owner balance below threshold")

	s.sink.Emit(models.EventBalanceLow, models.JSONB{
		"owner_id":  bal.OwnerID,
		"balance":   newBalance,
		"threshold": bal.LowBalanceThreshold,
	})
}
