package payment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository"
)

const expiryBatch = 100

// ExpirePending fails gateway payments that stayed pending past the TTL and returns how
// many it moved. A callback arriving later replays against the failed payment.
func (o *Orchestrator) ExpirePending(ctx context.Context) (int, error) {
	cutoff := o.clock.Now().Add(-o.pendingTTL)
	stale, err := o.store.ListPendingPayments(ctx, cutoff, expiryBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range stale {
		var moved bool
		err := o.store.InTx(ctx, func(tx repository.Tx) error {
			var err error
			moved, err = tx.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentFailed, "")
			return err
		})
		if err != nil {
			return expired, err
		}
		if moved {
			expired++
			o.logger.Info("pending payment expired",
				zap.String("payment_id", p.ID), zap.String("order_number", p.OrderNumber), zap.String("method", string(p.Method)))
		}
	}
	return expired, nil
}

// RunExpiry calls ExpirePending every interval until ctx ends.
func (o *Orchestrator) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.ExpirePending(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("expire pending payments failed", zap.Error(err))
			}
		}
	}
}
