// Package payment settles completed sessions, deposits and wallet top-ups, and applies
// gateway callbacks exactly once.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/payment/gateway"
	"evpay/backend/services/charging-service/internal/repository"
	"evpay/backend/services/charging-service/internal/wallet"
)

const (
	prefixSession = "SE"
	prefixDeposit = "DP"
	prefixTopUp   = "TU"

	defaultPendingTTL = 30 * time.Minute
)

// Deps groups collaborators.
type Deps struct {
	Store    repository.Store
	Ledger   *wallet.Ledger
	Gateways *gateway.Registry
	Clock    clock.Clock
	// PendingTTL is how long a gateway payment may stay pending before ExpirePending fails it.
	PendingTTL time.Duration
}

// Orchestrator is the settlement entry point. A payment only ever moves out of pending
// through a compare-and-set, and every ledger effect commits with that move.
type Orchestrator struct {
	store      repository.Store
	ledger     *wallet.Ledger
	gateways   *gateway.Registry
	clock      clock.Clock
	pendingTTL time.Duration
	logger     *zap.Logger
}

// NewOrchestrator returns orchestrator instance.
func NewOrchestrator(deps Deps, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		store:      deps.Store,
		ledger:     deps.Ledger,
		gateways:   deps.Gateways,
		clock:      deps.Clock,
		pendingTTL: deps.PendingTTL,
		logger:     logger.Named("payment"),
	}
	if o.clock == nil {
		o.clock = clock.System{}
	}
	if o.gateways == nil {
		o.gateways = gateway.NewRegistry()
	}
	if o.pendingTTL <= 0 {
		o.pendingTTL = defaultPendingTTL
	}
	return o
}

// Gateways exposes the adapter registry.
func (o *Orchestrator) Gateways() *gateway.Registry { return o.gateways }

// Result is the outcome of a settlement request. AlreadyPaid marks an idempotent replay
// that returns the original payment.
type Result struct {
	Payment     *models.Payment `json:"payment"`
	Invoice     *models.Invoice `json:"invoice,omitempty"`
	AlreadyPaid bool            `json:"already_paid"`
	RedirectURL string          `json:"redirect_url,omitempty"`
}

// GetPayment returns a payment. A non-zero userID restricts it to its owner.
func (o *Orchestrator) GetPayment(ctx context.Context, paymentID string, userID int64) (*models.Payment, error) {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if userID != 0 && p.UserID != userID {
		return nil, fmt.Errorf("payment %s: %w", paymentID, apperr.ErrForbidden)
	}
	return p, nil
}

// GetInvoice returns the invoice of a payment. A non-zero userID restricts it to its owner.
func (o *Orchestrator) GetInvoice(ctx context.Context, paymentID string, userID int64) (*models.Invoice, error) {
	if _, err := o.GetPayment(ctx, paymentID, userID); err != nil {
		return nil, err
	}
	return o.store.GetInvoiceByPayment(ctx, paymentID)
}

// newOrderNumber returns a gateway-safe alphanumeric order reference.
func newOrderNumber(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return prefix + now.UTC().Format("060102150405") + suffix
}

// owedAfterDeposit splits a completed session's cost into what is still owed and the
// deposit surplus to refund. At most one of them is positive.
func owedAfterDeposit(sess *models.Session) (owed, surplus decimal.Decimal) {
	final := decimal.Zero
	if sess.FinalCost != nil {
		final = *sess.FinalCost
	}
	deposit := decimal.Zero
	if sess.DepositAmount != nil {
		deposit = *sess.DepositAmount
	}
	diff := final.Sub(deposit)
	if diff.IsNegative() {
		return decimal.Zero, diff.Neg()
	}
	return diff, decimal.Zero
}

// lockSettleable locks the session and returns either the session to settle or the
// existing successful settlement.
func (o *Orchestrator) lockSettleable(ctx context.Context, tx repository.Tx, sessionID, userID int64) (*models.Session, *Result, error) {
	sess, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if userID != 0 && sess.DriverID != userID {
		return nil, nil, fmt.Errorf("session %d: %w", sessionID, apperr.ErrForbidden)
	}
	paid, err := o.existingSettlement(ctx, tx, sessionID)
	if err != nil || paid != nil {
		return nil, paid, err
	}
	if sess.Status != models.SessionCompleted || sess.FinalCost == nil {
		return nil, nil, apperr.Conflict("session %d is %s, only completed sessions can be settled", sessionID, sess.Status)
	}
	return sess, nil, nil
}

func (o *Orchestrator) existingSettlement(ctx context.Context, tx repository.Tx, sessionID int64) (*Result, error) {
	p, err := tx.FindSuccessPayment(ctx, sessionID)
	switch {
	case apperr.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, err
	}
	inv, err := tx.GetInvoiceByPayment(ctx, p.ID)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, err
	}
	return &Result{Payment: p, Invoice: inv, AlreadyPaid: true}, nil
}
