package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

const paymentColumns = `
	id, user_id, session_id, reservation_id, purpose, amount, method, status,
	order_number, gateway_tx_id, redirect_url, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p             models.Payment
		sessionID     sql.NullInt64
		reservationID sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.UserID, &sessionID, &reservationID, &p.Purpose, &p.Amount, &p.Method, &p.Status,
		&p.OrderNumber, &p.GatewayTxID, &p.RedirectURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		p.SessionID = &sessionID.Int64
	}
	if reservationID.Valid {
		p.ReservationID = &reservationID.Int64
	}
	return &p, nil
}

func (r queries) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("payment", id)
	}
	p, err := scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "payment", id)
	}
	return p, nil
}

func (r queries) GetPaymentByOrderNumber(ctx context.Context, orderNumber string) (*models.Payment, error) {
	p, err := scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_number = $1`, orderNumber))
	if err != nil {
		return nil, notFoundOr(err, "payment order", orderNumber)
	}
	return p, nil
}

func (r queries) ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	rows, err := r.q.QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *tx) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, err := scanPayment(t.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundOr(err, "payment", id)
	}
	return p, nil
}

func (t *tx) FindSuccessPayment(ctx context.Context, sessionID int64) (*models.Payment, error) {
	const query = `SELECT ` + paymentColumns + `
		FROM payments
		WHERE session_id = $1 AND purpose = 'session' AND status = 'success'`
	p, err := scanPayment(t.q.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		return nil, notFoundOr(err, "successful payment for session", sessionID)
	}
	return p, nil
}

func (t *tx) FindDepositPayment(ctx context.Context, reservationID int64) (*models.Payment, error) {
	const query = `SELECT ` + paymentColumns + `
		FROM payments
		WHERE reservation_id = $1 AND purpose = 'deposit' AND status = 'success'
		ORDER BY created_at
		LIMIT 1`
	p, err := scanPayment(t.q.QueryRowContext(ctx, query, reservationID))
	if err != nil {
		return nil, notFoundOr(err, "deposit for reservation", reservationID)
	}
	return p, nil
}

func (t *tx) InsertPayment(ctx context.Context, p *models.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := t.q.ExecContext(ctx, query,
		p.ID, p.UserID, p.SessionID, p.ReservationID, p.Purpose, p.Amount, p.Method, p.Status,
		p.OrderNumber, p.GatewayTxID, p.RedirectURL, p.CreatedAt, p.UpdatedAt)
	return mapWriteErr(err, "insert payment")
}

func (t *tx) TransitionPayment(ctx context.Context, id string, from, to models.PaymentStatus, gatewayTxID string) (bool, error) {
	const query = `
		UPDATE payments
		SET status = $3,
		    gateway_tx_id = CASE WHEN $4 = '' THEN gateway_tx_id ELSE $4 END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2`
	res, err := t.q.ExecContext(ctx, query, id, from, to, gatewayTxID)
	if err != nil {
		return false, mapWriteErr(err, "transition payment")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (t *tx) SetPaymentRedirect(ctx context.Context, id, redirectURL string) error {
	res, err := t.q.ExecContext(ctx, `UPDATE payments SET redirect_url = $2, updated_at = NOW() WHERE id = $1`, id, redirectURL)
	if err != nil {
		return mapWriteErr(err, "set payment redirect")
	}
	return expectOne(res, "payment", id)
}
