// Package memory is an in-process repository.Store. A single store-wide lock is held for
// the whole of InTx, so transactions are serial; a rollback replays an undo journal.
package memory

import (
	"context"
	"sync"
	"time"

	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository"
)

var (
	_ repository.Store  = (*Store)(nil)
	_ repository.Seeder = (*Store)(nil)
	_ repository.Tx     = (*tx)(nil)
)

// Store keeps every table in maps guarded by mu.
type Store struct {
	mu sync.RWMutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// InTx runs fn under the store lock. Changes are undone when fn returns an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{state: s.st}
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
		if err != nil {
			t.rollback()
		}
	}()
	return fn(t)
}

// UpsertPoint implements repository.Seeder.
func (s *Store) UpsertPoint(_ context.Context, p *models.ChargingPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.st.points[p.ID] = &cp
	return nil
}

// UpsertAccount implements repository.Seeder.
func (s *Store) UpsertAccount(_ context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.st.accounts[a.UserID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetSession(ctx, id)
}

func (s *Store) ListSessionsByDriver(ctx context.Context, driverID int64, limit int) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListSessionsByDriver(ctx, driverID, limit)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListActiveSessions(ctx)
}

func (s *Store) ListSessionLogs(ctx context.Context, sessionID int64) ([]models.SessionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListSessionLogs(ctx, sessionID)
}

func (s *Store) LatestSessionLog(ctx context.Context, sessionID int64) (*models.SessionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.LatestSessionLog(ctx, sessionID)
}

func (s *Store) GetPoint(ctx context.Context, id int64) (*models.ChargingPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetPoint(ctx, id)
}

func (s *Store) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetAccount(ctx, userID)
}

func (s *Store) WalletHistory(ctx context.Context, userID int64, limit int) ([]models.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.WalletHistory(ctx, userID, limit)
}

func (s *Store) WalletLedger(ctx context.Context, userID int64) ([]models.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.WalletLedger(ctx, userID)
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetPayment(ctx, id)
}

func (s *Store) GetPaymentByOrderNumber(ctx context.Context, orderNumber string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetPaymentByOrderNumber(ctx, orderNumber)
}

func (s *Store) ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListPendingPayments(ctx, createdBefore, limit)
}

func (s *Store) GetInvoiceByPayment(ctx context.Context, paymentID string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetInvoiceByPayment(ctx, paymentID)
}
