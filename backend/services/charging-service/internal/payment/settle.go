package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/payment/gateway"
	"evpay/backend/services/charging-service/internal/repository"
	"evpay/backend/services/charging-service/internal/wallet"
)

// SettleWallet pays a completed session from the driver's wallet. A reservation deposit
// is offset first; a surplus deposit is refunded as its own ledger row.
func (o *Orchestrator) SettleWallet(ctx context.Context, sessionID, userID int64) (*Result, error) {
	return o.settleDirect(ctx, sessionID, userID, models.MethodWallet)
}

// SettleCash records a cash settlement without touching the wallet, apart from refunding
// a deposit surplus.
func (o *Orchestrator) SettleCash(ctx context.Context, sessionID, userID int64) (*Result, error) {
	return o.settleDirect(ctx, sessionID, userID, models.MethodCash)
}

func (o *Orchestrator) settleDirect(ctx context.Context, sessionID, userID int64, method models.PaymentMethod) (*Result, error) {
	var res *Result
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		sess, paid, err := o.lockSettleable(ctx, tx, sessionID, userID)
		if err != nil {
			return err
		}
		if paid != nil {
			res = paid
			return nil
		}

		now := o.clock.Now().UTC()
		owed, surplus := owedAfterDeposit(sess)
		p := o.newPayment(sess.DriverID, models.PurposeSession, method, owed, prefixSession)
		p.SessionID = &sess.ID
		p.ReservationID = sess.ReservationID
		p.Status = models.PaymentSuccess

		if surplus.IsPositive() {
			if _, err := o.ledger.CreditTx(ctx, tx, wallet.Entry{
				UserID: sess.DriverID, Amount: surplus, Type: models.WalletRefund,
				Description: fmt.Sprintf("Deposit surplus for session %d", sess.ID), ReferenceID: p.OrderNumber,
			}); err != nil {
				return err
			}
		}
		if method == models.MethodWallet && owed.IsPositive() {
			if _, err := o.ledger.DebitTx(ctx, tx, wallet.Entry{
				UserID: sess.DriverID, Amount: owed, Type: models.WalletDebit,
				Description: fmt.Sprintf("Charging session %d", sess.ID), ReferenceID: p.OrderNumber,
			}); err != nil {
				return err
			}
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		inv, err := ensureInvoice(ctx, tx, p, sess, now)
		if err != nil {
			return err
		}
		res = &Result{Payment: p, Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logSettlement(res, sessionID)
	return res, nil
}

// GatewayInput starts a redirect payment for a completed session.
type GatewayInput struct {
	SessionID int64
	UserID    int64
	Method    models.PaymentMethod
	ClientIP  string
}

// InitiateGateway opens a pending payment for what the session still owes, rounded to the
// provider's precision, and returns the provider's redirect URL. The payment stays pending
// until a callback arrives.
func (o *Orchestrator) InitiateGateway(ctx context.Context, in GatewayInput) (*Result, error) {
	adapter, err := o.gateways.Get(in.Method)
	if err != nil {
		return nil, err
	}

	var p *models.Payment
	var res *Result
	err = o.store.InTx(ctx, func(tx repository.Tx) error {
		sess, paid, err := o.lockSettleable(ctx, tx, in.SessionID, in.UserID)
		if err != nil {
			return err
		}
		if paid != nil {
			res = paid
			return nil
		}
		owed, _ := owedAfterDeposit(sess)
		owed = gateway.ChargeableAmount(adapter, owed)
		if !owed.IsPositive() {
			return apperr.Conflict("session %d has nothing left to collect, settle it by wallet or cash", sess.ID)
		}
		p = o.newPayment(sess.DriverID, models.PurposeSession, in.Method, owed, prefixSession)
		p.SessionID = &sess.ID
		p.ReservationID = sess.ReservationID
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		o.logSettlement(res, in.SessionID)
		return res, nil
	}
	return o.openCheckout(ctx, adapter, p, fmt.Sprintf("Charging session %d", in.SessionID), in.ClientIP)
}

// TopUpInput starts a wallet top-up through a gateway.
type TopUpInput struct {
	UserID   int64
	Amount   decimal.Decimal
	Method   models.PaymentMethod
	ClientIP string
}

// InitiateTopUp opens a pending top-up. The wallet is credited by the success callback.
func (o *Orchestrator) InitiateTopUp(ctx context.Context, in TopUpInput) (*Result, error) {
	adapter, err := o.gateways.Get(in.Method)
	if err != nil {
		return nil, err
	}
	amount := gateway.ChargeableAmount(adapter, in.Amount)
	if !amount.IsPositive() {
		return nil, apperr.Invalid("top-up amount must be positive, got %s", in.Amount.String())
	}
	if _, err := o.store.GetAccount(ctx, in.UserID); err != nil {
		return nil, err
	}

	p := o.newPayment(in.UserID, models.PurposeTopUp, in.Method, amount, prefixTopUp)
	if err := o.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.InsertPayment(ctx, p)
	}); err != nil {
		return nil, err
	}
	return o.openCheckout(ctx, adapter, p, "Wallet top-up", in.ClientIP)
}

// DepositInput pays a reservation deposit.
type DepositInput struct {
	UserID        int64
	ReservationID int64
	Amount        decimal.Decimal
	Method        models.PaymentMethod
	ClientIP      string
}

// PayDeposit collects a reservation deposit by wallet, cash or gateway. A reservation
// holds at most one successful deposit; paying again returns it.
func (o *Orchestrator) PayDeposit(ctx context.Context, in DepositInput) (*Result, error) {
	if !in.Amount.IsPositive() {
		return nil, apperr.Invalid("deposit amount must be positive, got %s", in.Amount.String())
	}
	if in.ReservationID <= 0 {
		return nil, apperr.Invalid("reservation id is required")
	}
	var adapter gateway.Adapter
	switch {
	case in.Method == models.MethodWallet, in.Method == models.MethodCash:
	case in.Method.External():
		a, err := o.gateways.Get(in.Method)
		if err != nil {
			return nil, err
		}
		adapter = a
		in.Amount = gateway.ChargeableAmount(a, in.Amount)
		if !in.Amount.IsPositive() {
			return nil, apperr.Invalid("deposit amount rounds to zero for %s", in.Method)
		}
	default:
		return nil, apperr.Invalid("unknown payment method %q", in.Method)
	}

	var res *Result
	var pending *models.Payment
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		// The account lock serializes deposits of one driver.
		if _, err := tx.LockAccount(ctx, in.UserID); err != nil {
			return err
		}
		paid, err := o.existingDeposit(ctx, tx, in.ReservationID, in.UserID)
		if err != nil || paid != nil {
			res = paid
			return err
		}

		now := o.clock.Now().UTC()
		p := o.newPayment(in.UserID, models.PurposeDeposit, in.Method, in.Amount, prefixDeposit)
		p.ReservationID = &in.ReservationID
		if adapter != nil {
			pending = p
			return tx.InsertPayment(ctx, p)
		}

		p.Status = models.PaymentSuccess
		if in.Method == models.MethodWallet {
			if _, err := o.ledger.DebitTx(ctx, tx, wallet.Entry{
				UserID: in.UserID, Amount: in.Amount, Type: models.WalletDebit,
				Description: fmt.Sprintf("Deposit for reservation %d", in.ReservationID), ReferenceID: p.OrderNumber,
			}); err != nil {
				return err
			}
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		inv, err := ensureInvoice(ctx, tx, p, nil, now)
		if err != nil {
			return err
		}
		res = &Result{Payment: p, Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return o.openCheckout(ctx, adapter, pending, fmt.Sprintf("Reservation %d deposit", in.ReservationID), in.ClientIP)
	}
	o.logger.Info("deposit recorded",
		zap.Int64("reservation_id", in.ReservationID), zap.String("payment_id", res.Payment.ID),
		zap.String("method", string(res.Payment.Method)), zap.Bool("already_paid", res.AlreadyPaid))
	return res, nil
}

func (o *Orchestrator) existingDeposit(ctx context.Context, tx repository.Tx, reservationID, userID int64) (*Result, error) {
	p, err := tx.FindDepositPayment(ctx, reservationID)
	switch {
	case apperr.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if userID != 0 && p.UserID != userID {
		return nil, fmt.Errorf("reservation %d: %w", reservationID, apperr.ErrForbidden)
	}
	inv, err := tx.GetInvoiceByPayment(ctx, p.ID)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, err
	}
	return &Result{Payment: p, Invoice: inv, AlreadyPaid: true}, nil
}

func (o *Orchestrator) newPayment(userID int64, purpose models.PaymentPurpose, method models.PaymentMethod, amount decimal.Decimal, prefix string) *models.Payment {
	now := o.clock.Now().UTC()
	return &models.Payment{
		ID:          uuid.NewString(),
		UserID:      userID,
		Purpose:     purpose,
		Amount:      amount,
		Method:      method,
		Status:      models.PaymentPending,
		OrderNumber: newOrderNumber(prefix, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// openCheckout asks the provider for a redirect. A provider failure fails the pending
// payment so it never lingers.
func (o *Orchestrator) openCheckout(ctx context.Context, adapter gateway.Adapter, p *models.Payment, description, clientIP string) (*Result, error) {
	checkout, err := adapter.CreatePayment(ctx, gateway.CreateRequest{
		OrderNumber: p.OrderNumber,
		Amount:      p.Amount,
		Description: description,
		ClientIP:    clientIP,
	})
	if err != nil {
		o.failPending(context.WithoutCancel(ctx), p)
		if !errors.Is(err, apperr.ErrGatewayError) && !errors.Is(err, apperr.ErrInvalidInput) {
			err = fmt.Errorf("%s: %v: %w", adapter.Method(), err, apperr.ErrGatewayError)
		}
		o.logger.Warn("gateway checkout failed",
			zap.String("method", string(p.Method)), zap.String("order_number", p.OrderNumber), zap.Error(err))
		return nil, err
	}

	if err := o.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.SetPaymentRedirect(ctx, p.ID, checkout.RedirectURL)
	}); err != nil {
		return nil, err
	}
	p.RedirectURL = checkout.RedirectURL
	o.logger.Info("gateway checkout opened",
		zap.String("payment_id", p.ID), zap.String("order_number", p.OrderNumber),
		zap.String("method", string(p.Method)), zap.String("purpose", string(p.Purpose)), zap.String("amount", p.Amount.String()))
	return &Result{Payment: p, RedirectURL: checkout.RedirectURL}, nil
}

func (o *Orchestrator) failPending(ctx context.Context, p *models.Payment) {
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		_, err := tx.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentFailed, "")
		return err
	})
	if err != nil {
		o.logger.Error("could not fail pending payment", zap.String("payment_id", p.ID), zap.Error(err))
		return
	}
	p.Status = models.PaymentFailed
}

func (o *Orchestrator) logSettlement(res *Result, sessionID int64) {
	if res.AlreadyPaid {
		o.logger.Info("session already settled", zap.Int64("session_id", sessionID), zap.String("payment_id", res.Payment.ID))
		return
	}
	o.logger.Info("session settled",
		zap.Int64("session_id", sessionID), zap.String("payment_id", res.Payment.ID),
		zap.String("method", string(res.Payment.Method)), zap.String("amount", res.Payment.Amount.String()))
}
