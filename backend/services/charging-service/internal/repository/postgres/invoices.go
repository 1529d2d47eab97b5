package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

const invoiceColumns = `id, number, payment_id, user_id, session_id, total, created_at`

func (r queries) GetInvoiceByPayment(ctx context.Context, paymentID string) (*models.Invoice, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, apperr.NotFound("invoice for payment", paymentID)
	}
	return r.getInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE payment_id = $1`, paymentID, "invoice for payment")
}

func (t *tx) FindInvoiceByNumber(ctx context.Context, number string) (*models.Invoice, error) {
	return t.getInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE number = $1`, number, "invoice")
}

func (r queries) getInvoice(ctx context.Context, query, key, entity string) (*models.Invoice, error) {
	var (
		inv       models.Invoice
		sessionID sql.NullInt64
	)
	err := r.q.QueryRowContext(ctx, query, key).Scan(
		&inv.ID, &inv.Number, &inv.PaymentID, &inv.UserID, &sessionID, &inv.Total, &inv.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, entity, key)
	}
	if sessionID.Valid {
		inv.SessionID = &sessionID.Int64
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, invoice_id, session_id, description, amount
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY line_no`, inv.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item    models.InvoiceItem
			itemSID sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.InvoiceID, &itemSID, &item.Description, &item.Amount); err != nil {
			return nil, err
		}
		if itemSID.Valid {
			item.SessionID = &itemSID.Int64
		}
		inv.Items = append(inv.Items, item)
	}
	return &inv, rows.Err()
}

func (t *tx) InsertInvoice(ctx context.Context, inv *models.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := t.q.ExecContext(ctx, query,
		inv.ID, inv.Number, inv.PaymentID, inv.UserID, inv.SessionID, inv.Total, inv.CreatedAt); err != nil {
		return mapWriteErr(err, "insert invoice")
	}

	const itemQuery = `
		INSERT INTO invoice_items (id, invoice_id, line_no, session_id, description, amount)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for i := range inv.Items {
		item := &inv.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.InvoiceID = inv.ID
		if _, err := t.q.ExecContext(ctx, itemQuery, item.ID, item.InvoiceID, i, item.SessionID, item.Description, item.Amount); err != nil {
			return mapWriteErr(err, "insert invoice item")
		}
	}
	return nil
}
