package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"storefront-bot/internal/domain"
	"storefront-bot/internal/repo"
	"storefront-bot/internal/service"
)

type Config struct {
	Interval        time.Duration
	CleanupInterval time.Duration
	AbandonAfter    time.Duration
	Retention       time.Duration
}

type SweepStats struct {
	Checked   int
	Approved  int
	Delivered int
	Failed    int
	Expired   int
	Abandoned int
	Deleted   int
	Errors    int
}

// ReconciliationWorker polls pending payments, retries stuck deliveries, and
// expires or cleans up checkouts on a fixed interval.
type ReconciliationWorker struct {
	checkouts   service.CheckoutService
	fulfillment service.FulfillmentService
	events      repo.WebhookEventRepo
	cfg         Config
	log         logrus.FieldLogger
	now         func() time.Time

	lastCleanup time.Time
}

func NewReconciliationWorker(
	checkouts service.CheckoutService,
	fulfillment service.FulfillmentService,
	events repo.WebhookEventRepo,
	cfg Config,
	log logrus.FieldLogger,
) *ReconciliationWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &ReconciliationWorker{
		checkouts:   checkouts,
		fulfillment: fulfillment,
		events:      events,
		cfg:         cfg,
		log:         log.WithField("component", "reconciliation_worker"),
		now:         time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	rw.log.WithField("interval", rw.cfg.Interval.String()).Info("reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			rw.log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			rw.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Errors on a single checkout are logged and the pass
// moves on.
func (rw *ReconciliationWorker) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats

	rw.processPending(ctx, &stats)
	rw.retryDeliveries(ctx, &stats)

	expired, err := rw.checkouts.CheckExpiredCheckouts(ctx)
	if err != nil {
		rw.log.WithError(err).Error("expiry sweep failed")
		stats.Errors++
	}
	stats.Expired += expired

	if rw.now().Sub(rw.lastCleanup) >= rw.cfg.CleanupInterval {
		rw.cleanup(ctx, &stats)
		rw.lastCleanup = rw.now()
	}

	if stats.Checked > 0 || stats.Abandoned > 0 || stats.Deleted > 0 {
		rw.log.WithFields(logrus.Fields{
			"checked":   stats.Checked,
			"approved":  stats.Approved,
			"delivered": stats.Delivered,
			"failed":    stats.Failed,
			"expired":   stats.Expired,
			"abandoned": stats.Abandoned,
			"deleted":   stats.Deleted,
			"errors":    stats.Errors,
		}).Info("sweep finished")
	}
	return stats
}

func (rw *ReconciliationWorker) processPending(ctx context.Context, stats *SweepStats) {
	pending, err := rw.checkouts.GetCheckoutsByStatus(ctx, domain.CheckoutPending)
	if err != nil {
		rw.log.WithError(err).Error("failed to list pending checkouts")
		stats.Errors++
		return
	}

	for _, c := range pending {
		if ctx.Err() != nil {
			return
		}
		stats.Checked++
		logger := rw.log.WithField("checkout_id", c.ID)

		// the last permitted charge stays payable until its window closes
		if c.AttemptsExhausted() && (c.Payment == nil || c.PaymentExpired(rw.now())) {
			if _, changed, err := rw.checkouts.FailCheckout(ctx, c.ID, "payment attempts exceeded"); err != nil {
				logger.WithError(err).Error("failed to mark checkout failed")
				stats.Errors++
			} else if changed {
				stats.Failed++
			}
			continue
		}

		updated, changed, err := rw.checkouts.CheckPaymentStatus(ctx, c.ID)
		if err != nil {
			// left PENDING for the next tick
			logger.WithError(err).Warn("payment status check failed")
			stats.Errors++
			continue
		}
		if !changed {
			continue
		}

		switch updated.Status {
		case domain.CheckoutApproved:
			stats.Approved++
			if _, err := rw.fulfillment.Fulfill(ctx, c.ID); err != nil {
				stats.Errors++
				continue
			}
			stats.Delivered++
		case domain.CheckoutFailed:
			stats.Failed++
		case domain.CheckoutExpired:
			stats.Expired++
		}
	}
}

// retryDeliveries picks up APPROVED checkouts whose delivery did not finish.
func (rw *ReconciliationWorker) retryDeliveries(ctx context.Context, stats *SweepStats) {
	approved, err := rw.checkouts.GetCheckoutsByStatus(ctx, domain.CheckoutApproved)
	if err != nil {
		rw.log.WithError(err).Error("failed to list approved checkouts")
		stats.Errors++
		return
	}
	for _, c := range approved {
		if ctx.Err() != nil {
			return
		}
		if _, err := rw.fulfillment.Fulfill(ctx, c.ID); err != nil {
			stats.Errors++
			continue
		}
		stats.Delivered++
	}
}

func (rw *ReconciliationWorker) cleanup(ctx context.Context, stats *SweepStats) {
	abandoned, err := rw.checkouts.CleanupAbandoned(ctx, rw.cfg.AbandonAfter)
	if err != nil {
		rw.log.WithError(err).Error("abandoned checkout sweep failed")
		stats.Errors++
	}
	stats.Abandoned += abandoned

	deleted, err := rw.checkouts.CleanupOldCheckouts(ctx, rw.cfg.Retention)
	if err != nil {
		rw.log.WithError(err).Error("old checkout cleanup failed")
		stats.Errors++
	}
	stats.Deleted += deleted

	if rw.events != nil {
		n, err := rw.events.DeleteBefore(ctx, rw.now().Add(-rw.cfg.Retention))
		if err != nil {
			rw.log.WithError(err).Error("webhook event cleanup failed")
			stats.Errors++
		} else if n > 0 {
			rw.log.WithField("deleted", n).Debug("old webhook events removed")
		}
	}
}
