package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

// tx mutates state and journals the inverse of every change.
type tx struct {
	*state
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) LockSession(ctx context.Context, id int64) (*models.Session, error) {
	return t.GetSession(ctx, id)
}

func (t *tx) FindActiveSessionByDriver(_ context.Context, driverID int64) (*models.Session, error) {
	for _, sess := range t.sessions {
		if sess.DriverID == driverID && sess.Status.Active() {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("active session for driver", driverID)
}

func (t *tx) InsertSession(ctx context.Context, s *models.Session) error {
	if s.Status.Active() {
		if _, err := t.FindActiveSessionByDriver(ctx, s.DriverID); err == nil {
			return apperr.Conflict("driver %d already has an active session", s.DriverID)
		}
	}
	if s.ReservationID != nil {
		for _, other := range t.sessions {
			if other.ReservationID != nil && *other.ReservationID == *s.ReservationID && other.Status != models.SessionCancelled {
				return apperr.Conflict("reservation %d already used by session %d", *s.ReservationID, other.ID)
			}
		}
	}
	t.sessionSeq++
	s.ID = t.sessionSeq
	cp := *s
	t.sessions[s.ID] = &cp
	id := s.ID
	t.undo = append(t.undo, func() { delete(t.sessions, id) })
	return nil
}

func (t *tx) UpdateSession(_ context.Context, s *models.Session) error {
	prev, ok := t.sessions[s.ID]
	if !ok {
		return apperr.NotFound("session", s.ID)
	}
	cp := *s
	t.sessions[s.ID] = &cp
	t.undo = append(t.undo, func() { t.sessions[prev.ID] = prev })
	return nil
}

func (t *tx) InsertSessionLog(_ context.Context, l *models.SessionLog) error {
	t.logSeq++
	l.ID = t.logSeq
	prev := t.logs[l.SessionID]
	t.logs[l.SessionID] = append(append([]models.SessionLog(nil), prev...), *l)
	sid := l.SessionID
	t.undo = append(t.undo, func() { t.logs[sid] = prev })
	return nil
}

func (t *tx) LockPoint(ctx context.Context, id int64) (*models.ChargingPoint, error) {
	return t.GetPoint(ctx, id)
}

func (t *tx) SetPointStatus(_ context.Context, id int64, status models.PointStatus) error {
	return t.updatePoint(id, func(p *models.ChargingPoint) { p.Status = status })
}

func (t *tx) UpdatePointPrice(_ context.Context, id int64, price decimal.Decimal) error {
	return t.updatePoint(id, func(p *models.ChargingPoint) { p.PricePerKWh = price })
}

func (t *tx) updatePoint(id int64, mutate func(*models.ChargingPoint)) error {
	prev, ok := t.points[id]
	if !ok {
		return apperr.NotFound("charging point", id)
	}
	cp := *prev
	mutate(&cp)
	t.points[id] = &cp
	t.undo = append(t.undo, func() { t.points[id] = prev })
	return nil
}

func (t *tx) LockAccount(ctx context.Context, userID int64) (*models.Account, error) {
	return t.GetAccount(ctx, userID)
}

func (t *tx) SetAccountBalance(_ context.Context, userID int64, balance decimal.Decimal) error {
	prev, ok := t.accounts[userID]
	if !ok {
		return apperr.NotFound("account", userID)
	}
	cp := *prev
	cp.Balance = balance
	t.accounts[userID] = &cp
	t.undo = append(t.undo, func() { t.accounts[userID] = prev })
	return nil
}

func (t *tx) InsertWalletTransaction(_ context.Context, wt *models.WalletTransaction) error {
	if wt.ID == "" {
		wt.ID = uuid.NewString()
	}
	uid := wt.UserID
	prev := t.walletTx[uid]
	t.walletTx[uid] = append(append([]models.WalletTransaction(nil), prev...), *wt)
	t.undo = append(t.undo, func() { t.walletTx[uid] = prev })
	return nil
}

func (t *tx) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	return t.GetPayment(ctx, id)
}

func (t *tx) FindSuccessPayment(_ context.Context, sessionID int64) (*models.Payment, error) {
	for _, p := range t.payments {
		if p.SessionID != nil && *p.SessionID == sessionID &&
			p.Purpose == models.PurposeSession && p.Status == models.PaymentSuccess {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("successful payment for session", sessionID)
}

func (t *tx) FindDepositPayment(_ context.Context, reservationID int64) (*models.Payment, error) {
	for _, p := range t.payments {
		if p.ReservationID != nil && *p.ReservationID == reservationID &&
			p.Purpose == models.PurposeDeposit && p.Status == models.PaymentSuccess {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("deposit for reservation", reservationID)
}

func (t *tx) InsertPayment(_ context.Context, p *models.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := t.orderIndex[p.OrderNumber]; exists {
		return apperr.Conflict("order number %s already used", p.OrderNumber)
	}
	if _, exists := t.payments[p.ID]; exists {
		return apperr.Conflict("payment %s already exists", p.ID)
	}
	cp := *p
	t.payments[p.ID] = &cp
	t.orderIndex[p.OrderNumber] = p.ID
	id, order := p.ID, p.OrderNumber
	t.undo = append(t.undo, func() {
		delete(t.payments, id)
		delete(t.orderIndex, order)
	})
	return nil
}

func (t *tx) TransitionPayment(_ context.Context, id string, from, to models.PaymentStatus, gatewayTxID string) (bool, error) {
	prev, ok := t.payments[id]
	if !ok {
		return false, apperr.NotFound("payment", id)
	}
	if prev.Status != from {
		return false, nil
	}
	cp := *prev
	cp.Status = to
	if gatewayTxID != "" {
		cp.GatewayTxID = gatewayTxID
	}
	t.payments[id] = &cp
	t.undo = append(t.undo, func() { t.payments[id] = prev })
	return true, nil
}

func (t *tx) SetPaymentRedirect(_ context.Context, id, redirectURL string) error {
	prev, ok := t.payments[id]
	if !ok {
		return apperr.NotFound("payment", id)
	}
	cp := *prev
	cp.RedirectURL = redirectURL
	t.payments[id] = &cp
	t.undo = append(t.undo, func() { t.payments[id] = prev })
	return nil
}

func (t *tx) FindInvoiceByNumber(_ context.Context, number string) (*models.Invoice, error) {
	id, ok := t.invoiceByNo[number]
	if !ok {
		return nil, apperr.NotFound("invoice", number)
	}
	return cloneInvoice(t.invoices[id]), nil
}

func (t *tx) InsertInvoice(_ context.Context, inv *models.Invoice) error {
	if _, exists := t.invoiceByNo[inv.Number]; exists {
		return apperr.Conflict("invoice %s already exists", inv.Number)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	for i := range inv.Items {
		if inv.Items[i].ID == "" {
			inv.Items[i].ID = uuid.NewString()
		}
		inv.Items[i].InvoiceID = inv.ID
	}
	t.invoices[inv.ID] = cloneInvoice(inv)
	t.invoiceByNo[inv.Number] = inv.ID
	id, number := inv.ID, inv.Number
	t.undo = append(t.undo, func() {
		delete(t.invoices, id)
		delete(t.invoiceByNo, number)
	})
	return nil
}
