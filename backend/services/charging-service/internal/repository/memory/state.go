package memory

import (
	"context"
	"sort"
	"time"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

// state holds the tables. Its methods assume the caller holds the store lock and
// always hand out copies.
type state struct {
	sessions    map[int64]*models.Session
	sessionSeq  int64
	logs        map[int64][]models.SessionLog
	logSeq      int64
	points      map[int64]*models.ChargingPoint
	accounts    map[int64]*models.Account
	walletTx    map[int64][]models.WalletTransaction
	payments    map[string]*models.Payment
	orderIndex  map[string]string
	invoices    map[string]*models.Invoice
	invoiceByNo map[string]string
}

func newState() *state {
	return &state{
		sessions:    make(map[int64]*models.Session),
		logs:        make(map[int64][]models.SessionLog),
		points:      make(map[int64]*models.ChargingPoint),
		accounts:    make(map[int64]*models.Account),
		walletTx:    make(map[int64][]models.WalletTransaction),
		payments:    make(map[string]*models.Payment),
		orderIndex:  make(map[string]string),
		invoices:    make(map[string]*models.Invoice),
		invoiceByNo: make(map[string]string),
	}
}

func (s *state) GetSession(_ context.Context, id int64) (*models.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *state) ListSessionsByDriver(_ context.Context, driverID int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.DriverID == driverID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) ListActiveSessions(_ context.Context) ([]models.Session, error) {
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status.Active() {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) ListSessionLogs(_ context.Context, sessionID int64) ([]models.SessionLog, error) {
	logs := s.logs[sessionID]
	out := make([]models.SessionLog, len(logs))
	copy(out, logs)
	return out, nil
}

func (s *state) LatestSessionLog(_ context.Context, sessionID int64) (*models.SessionLog, error) {
	logs := s.logs[sessionID]
	if len(logs) == 0 {
		return nil, apperr.NotFound("session log", sessionID)
	}
	cp := logs[len(logs)-1]
	return &cp, nil
}

func (s *state) GetPoint(_ context.Context, id int64) (*models.ChargingPoint, error) {
	p, ok := s.points[id]
	if !ok {
		return nil, apperr.NotFound("charging point", id)
	}
	cp := *p
	return &cp, nil
}

func (s *state) GetAccount(_ context.Context, userID int64) (*models.Account, error) {
	a, ok := s.accounts[userID]
	if !ok {
		return nil, apperr.NotFound("account", userID)
	}
	cp := *a
	return &cp, nil
}

func (s *state) WalletHistory(_ context.Context, userID int64, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows := s.walletTx[userID]
	out := make([]models.WalletTransaction, 0, min(limit, len(rows)))
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func (s *state) WalletLedger(_ context.Context, userID int64) ([]models.WalletTransaction, error) {
	rows := s.walletTx[userID]
	out := make([]models.WalletTransaction, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *state) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id)
	}
	cp := *p
	return &cp, nil
}

func (s *state) GetPaymentByOrderNumber(ctx context.Context, orderNumber string) (*models.Payment, error) {
	id, ok := s.orderIndex[orderNumber]
	if !ok {
		return nil, apperr.NotFound("payment order", orderNumber)
	}
	return s.GetPayment(ctx, id)
}

func (s *state) ListPendingPayments(_ context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(createdBefore) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) GetInvoiceByPayment(_ context.Context, paymentID string) (*models.Invoice, error) {
	for _, inv := range s.invoices {
		if inv.PaymentID == paymentID {
			return cloneInvoice(inv), nil
		}
	}
	return nil, apperr.NotFound("invoice for payment", paymentID)
}

func cloneInvoice(inv *models.Invoice) *models.Invoice {
	cp := *inv
	cp.Items = append([]models.InvoiceItem(nil), inv.Items...)
	return &cp
}
