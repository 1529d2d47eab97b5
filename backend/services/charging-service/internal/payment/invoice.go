package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository"
)

// buildInvoice itemizes a successful payment. Items always sum to the payment amount.
func buildInvoice(p *models.Payment, sess *models.Session, now time.Time) *models.Invoice {
	inv := &models.Invoice{
		Number:    models.InvoiceNumber(p.OrderNumber),
		PaymentID: p.ID,
		UserID:    p.UserID,
		SessionID: p.SessionID,
		CreatedAt: now,
	}
	add := func(desc string, amount decimal.Decimal) {
		inv.Items = append(inv.Items, models.InvoiceItem{SessionID: p.SessionID, Description: desc, Amount: amount})
	}

	switch {
	case p.Purpose == models.PurposeSession && sess != nil:
		final := decimal.Zero
		if sess.FinalCost != nil {
			final = *sess.FinalCost
		}
		add(fmt.Sprintf("Charging session %d: %.3f kWh at %s/kWh", sess.ID, sess.EnergyKWh, sess.PricePerKWh.String()), sess.CostBeforeDiscount)
		if sess.Surcharge.IsPositive() {
			add("Peak-hour surcharge", sess.Surcharge)
		}
		// Effective discount, which differs from the priced one only when the cost was floored at zero.
		if d := final.Sub(sess.CostBeforeDiscount).Sub(sess.Surcharge); !d.IsZero() {
			add("Discount", d)
		}
		_, surplus := owedAfterDeposit(sess)
		if sess.DepositAmount != nil && sess.DepositAmount.IsPositive() {
			add("Reservation deposit applied", sess.DepositAmount.Neg())
		}
		if surplus.IsPositive() {
			add("Deposit surplus refunded to wallet", surplus)
		}
		// Gateways that charge whole units collect a rounded amount.
		if d := p.Amount.Sub(itemsTotal(inv.Items)); !d.IsZero() {
			add("Rounding", d)
		}
	case p.Purpose == models.PurposeDeposit:
		reservation := int64(0)
		if p.ReservationID != nil {
			reservation = *p.ReservationID
		}
		add(fmt.Sprintf("Reservation %d deposit", reservation), p.Amount)
	default:
		add("Wallet top-up", p.Amount)
	}

	inv.Total = itemsTotal(inv.Items)
	return inv
}

func itemsTotal(items []models.InvoiceItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount)
	}
	return total
}

// ensureInvoice creates the payment's invoice unless its number already exists.
func ensureInvoice(ctx context.Context, tx repository.Tx, p *models.Payment, sess *models.Session, now time.Time) (*models.Invoice, error) {
	existing, err := tx.FindInvoiceByNumber(ctx, models.InvoiceNumber(p.OrderNumber))
	switch {
	case err == nil:
		return existing, nil
	case !apperr.IsNotFound(err):
		return nil, err
	}
	inv := buildInvoice(p, sess, now)
	if err := tx.InsertInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}
