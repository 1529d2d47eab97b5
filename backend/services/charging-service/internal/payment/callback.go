package payment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/payment/gateway"
	"evpay/backend/services/charging-service/internal/repository"
	"evpay/backend/services/charging-service/internal/wallet"
)

// ErrAmountMismatch rejects a callback whose amount differs from the payment.
var ErrAmountMismatch = fmt.Errorf("amount mismatch: %w", apperr.ErrInvalidInput)

// CallbackOutcome describes what a verified callback changed.
type CallbackOutcome struct {
	Payment *models.Payment `json:"payment,omitempty"`
	Invoice *models.Invoice `json:"invoice,omitempty"`
	// Replayed marks a callback for a payment that already left pending.
	Replayed bool `json:"replayed"`
	// Ignored marks verified provider events that carry no payment outcome.
	Ignored bool `json:"ignored"`
	// Duplicate marks a success for something another payment already settled. The
	// payment is failed and needs a refund at the provider.
	Duplicate bool `json:"duplicate"`
}

// HandleCallback verifies a provider callback and applies it exactly once. Signature
// failures return apperr.ErrInvalidSignature before anything is read or written.
func (o *Orchestrator) HandleCallback(ctx context.Context, method models.PaymentMethod, in gateway.Inbound) (*CallbackOutcome, error) {
	adapter, err := o.gateways.Get(method)
	if err != nil {
		return nil, err
	}
	cb, err := adapter.ParseCallback(ctx, in)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidSignature) {
			o.logger.Warn("callback signature rejected", zap.String("method", string(method)), zap.String("kind", string(in.Kind)))
		}
		return nil, err
	}
	if cb.Ignore {
		o.logger.Debug("callback ignored", zap.String("method", string(method)), zap.String("reason", cb.Message))
		return &CallbackOutcome{Ignored: true}, nil
	}
	return o.applyCallback(ctx, method, in.Kind, cb)
}

func (o *Orchestrator) applyCallback(ctx context.Context, method models.PaymentMethod, kind gateway.CallbackKind, cb *gateway.Callback) (*CallbackOutcome, error) {
	out := &CallbackOutcome{}
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		found, err := tx.GetPaymentByOrderNumber(ctx, cb.OrderNumber)
		if err != nil {
			return err
		}
		p, err := tx.LockPayment(ctx, found.ID)
		if err != nil {
			return err
		}
		if p.Method != method {
			return apperr.NotFound(string(method)+" payment for order", cb.OrderNumber)
		}

		if p.Status != models.PaymentPending {
			if cb.Success && p.Status == models.PaymentFailed {
				o.logger.Warn("provider reports success for a failed payment, refund at the provider",
					zap.String("payment_id", p.ID), zap.String("order_number", p.OrderNumber), zap.String("gateway_tx_id", cb.GatewayTxID))
			}
			inv, err := tx.GetInvoiceByPayment(ctx, p.ID)
			if err != nil && !apperr.IsNotFound(err) {
				return err
			}
			out.Payment, out.Invoice, out.Replayed = p, inv, true
			return nil
		}
		if !cb.Amount.IsZero() && !cb.Amount.Equal(p.Amount) {
			return fmt.Errorf("order %s: provider amount %s, payment amount %s: %w",
				p.OrderNumber, cb.Amount.String(), p.Amount.String(), ErrAmountMismatch)
		}

		if !cb.Success {
			if err := o.move(ctx, tx, p, models.PaymentFailed, cb.GatewayTxID, out); err != nil {
				return err
			}
			out.Payment = p
			return nil
		}

		sess, dup, err := o.lockTarget(ctx, tx, p)
		if err != nil {
			return err
		}
		if dup {
			if err := o.move(ctx, tx, p, models.PaymentFailed, cb.GatewayTxID, out); err != nil {
				return err
			}
			out.Payment, out.Duplicate = p, true
			return nil
		}

		if err := o.move(ctx, tx, p, models.PaymentSuccess, cb.GatewayTxID, out); err != nil || out.Replayed {
			return err
		}
		if p.Purpose == models.PurposeTopUp {
			if _, err := o.ledger.CreditTx(ctx, tx, wallet.Entry{
				UserID: p.UserID, Amount: p.Amount, Type: models.WalletTopUp,
				Description: fmt.Sprintf("Top-up via %s", method), ReferenceID: p.OrderNumber,
			}); err != nil {
				return err
			}
		}
		inv, err := ensureInvoice(ctx, tx, p, sess, o.clock.Now().UTC())
		if err != nil {
			return err
		}
		out.Payment, out.Invoice = p, inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("method", string(method)), zap.String("kind", string(kind)),
		zap.String("order_number", cb.OrderNumber), zap.String("status", string(out.Payment.Status)),
	}
	switch {
	case out.Duplicate:
		o.logger.Error("duplicate settlement reported by provider, refund at the provider", fields...)
	case out.Replayed:
		o.logger.Info("callback replayed", fields...)
	default:
		o.logger.Info("callback applied", fields...)
	}
	return out, nil
}

// lockTarget locks what a payment settles and reports whether another payment already
// settled it.
func (o *Orchestrator) lockTarget(ctx context.Context, tx repository.Tx, p *models.Payment) (*models.Session, bool, error) {
	switch p.Purpose {
	case models.PurposeSession:
		if p.SessionID == nil {
			return nil, false, apperr.Conflict("session payment %s has no session", p.ID)
		}
		sess, err := tx.LockSession(ctx, *p.SessionID)
		if err != nil {
			return nil, false, err
		}
		other, err := tx.FindSuccessPayment(ctx, sess.ID)
		switch {
		case err == nil:
			return sess, other.ID != p.ID, nil
		case apperr.IsNotFound(err):
			return sess, false, nil
		default:
			return nil, false, err
		}
	case models.PurposeDeposit:
		if _, err := tx.LockAccount(ctx, p.UserID); err != nil {
			return nil, false, err
		}
		if p.ReservationID == nil {
			return nil, false, nil
		}
		other, err := tx.FindDepositPayment(ctx, *p.ReservationID)
		switch {
		case err == nil:
			return nil, other.ID != p.ID, nil
		case apperr.IsNotFound(err):
			return nil, false, nil
		default:
			return nil, false, err
		}
	default:
		return nil, false, nil
	}
}

// move is the only way a callback changes payment status. Losing the compare-and-set
// turns the callback into a replay.
func (o *Orchestrator) move(ctx context.Context, tx repository.Tx, p *models.Payment, to models.PaymentStatus, gatewayTxID string, out *CallbackOutcome) error {
	ok, err := tx.TransitionPayment(ctx, p.ID, models.PaymentPending, to, gatewayTxID)
	if err != nil {
		return err
	}
	if !ok {
		current, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		*p = *current
		out.Payment, out.Replayed = p, true
		return nil
	}
	p.Status = to
	if gatewayTxID != "" {
		p.GatewayTxID = gatewayTxID
	}
	p.UpdatedAt = o.clock.Now().UTC()
	return nil
}

// AckFor classifies a callback result for the provider's acknowledgement.
func AckFor(out *CallbackOutcome, err error) gateway.Ack {
	switch {
	case err == nil && out != nil && out.Replayed:
		return gateway.AckReplayed
	case err == nil:
		return gateway.AckOK
	case errors.Is(err, apperr.ErrInvalidSignature):
		return gateway.AckInvalidSignature
	case errors.Is(err, ErrAmountMismatch):
		return gateway.AckInvalidAmount
	case errors.Is(err, apperr.ErrNotFound):
		return gateway.AckNotFound
	default:
		return gateway.AckError
	}
}

// Acknowledge renders the provider's expected response for a callback result.
func (o *Orchestrator) Acknowledge(method models.PaymentMethod, out *CallbackOutcome, err error) (gateway.Reply, error) {
	adapter, gerr := o.gateways.Get(method)
	if gerr != nil {
		return gateway.Reply{}, gerr
	}
	return adapter.Acknowledge(AckFor(out, err)), nil
}
