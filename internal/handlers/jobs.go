package handlers

import (
	"context"
	"fmt"
	"time"

	"ledgerworks/internal/ledger"
	"ledgerworks/pkg/auth"
	"ledgerworks/pkg/config"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

// JobManager runs the background maintenance loops
type JobManager struct {
	logger logging.Logger
	stopCh chan struct{}

	sweepInterval     time.Duration
	autoTopupInterval time.Duration
	keySweepInterval  time.Duration
}

// NewJobManager creates a job manager with intervals from the environment
func NewJobManager(log logging.Logger) *JobManager {
	sweepMin := config.GetEnvInt("GRANT_SWEEP_INTERVAL_MIN", 60)
	topupMin := config.GetEnvInt("AUTO_TOPUP_INTERVAL_MIN", 15)

	return &JobManager{
		logger:            log,
		stopCh:            make(chan struct{}),
		sweepInterval:     time.Duration(sweepMin) * time.Minute,
		autoTopupInterval: time.Duration(topupMin) * time.Minute,
		keySweepInterval:  time.Hour,
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting ledger job manager")

	go jm.runGrantSweep(ctx)
	go jm.runAutoTopup(ctx)
	go jm.runKeyExpiry(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping ledger job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runGrantSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	jm.logger.WithField("interval", jm.sweepInterval).Info("Starting grant expiry job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			count, err := sweeper.SweepExpiredGrants(ctx)
			if err != nil {
				jm.logger.WithError(err).Error("Scheduled grant sweep failed")
				continue
			}
			if metrics != nil && metrics.GrantExpiries != nil {
				metrics.GrantExpiries.Add(float64(count))
			}
		}
	}
}

func (jm *JobManager) runAutoTopup(ctx context.Context) {
	ticker := time.NewTicker(jm.autoTopupInterval)
	defer ticker.Stop()

	jm.logger.WithField("interval", jm.autoTopupInterval).Info("Starting auto-top-up job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.processAutoTopups(ctx)
		}
	}
}

// processAutoTopups grants credits to owners below their threshold. The
// window-derived idempotency key makes a rerun within the same window a
// no-op even across restarts.
func (jm *JobManager) processAutoTopups(ctx context.Context) {
	candidates, err := service.AutoTopupCandidates(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to list auto-top-up candidates")
		return
	}

	windowStart := time.Now().UTC().Truncate(jm.autoTopupInterval).Unix()
	for _, cand := range candidates {
		key := fmt.Sprintf("autotopup:%s:%d", cand.OwnerID, windowStart)
		result, err := service.ApplyDelta(ctx, ledger.ApplyDeltaParams{
			OwnerID:        cand.OwnerID,
			Delta:          cand.Amount,
			EntryType:      models.EntryTypeGrant,
			Reason:         "automatic top-up",
			IdempotencyKey: key,
			GrantSource:    models.GrantSourceAutoTopup,
		})
		if err != nil {
			jm.logger.WithError(err).WithField("owner_id", cand.OwnerID).Error("Auto-top-up failed")
			countMutation(models.EntryTypeGrant, "error")
			continue
		}
		if result.Idempotent {
			continue
		}

		countMutation(models.EntryTypeGrant, "success")
		jm.logger.WithFields(logging.Fields{
			"owner_id":    cand.OwnerID,
			"amount":      cand.Amount,
			"new_balance": result.BalanceAfter,
		}).Info("Auto-top-up granted")
	}
}

func (jm *JobManager) runKeyExpiry(ctx context.Context) {
	ticker := time.NewTicker(jm.keySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			n, err := auth.DeactivateExpiredSigningKeys(db)
			if err != nil {
				jm.logger.WithError(err).Error("Signing key expiry sweep failed")
				continue
			}
			if n > 0 {
				jm.logger.WithField("deactivated", n).Info("Deactivated expired signing keys")
			}
		}
	}
}
