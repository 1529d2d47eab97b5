// Package repotest is a behavioural suite every repository.Store implementation must pass.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository"
)

// Backend is a fresh, empty store and its seeder.
type Backend struct {
	Store  repository.Store
	Seeder repository.Seeder
}

// Run executes the suite. open must return an empty backend on every call.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("lookups of missing rows", func(t *testing.T) { testNotFound(t, open(t)) })
	t.Run("one active session per driver", func(t *testing.T) { testActiveUniqueness(t, open(t)) })
	t.Run("one live session per reservation", func(t *testing.T) { testReservationUniqueness(t, open(t)) })
	t.Run("failed transaction rolls back", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("payment status compare-and-set", func(t *testing.T) { testPaymentCAS(t, open(t)) })
	t.Run("invoice numbers are unique", func(t *testing.T) { testInvoices(t, open(t)) })
	t.Run("wallet ledger ordering", func(t *testing.T) { testWalletOrdering(t, open(t)) })
	t.Run("session logs", func(t *testing.T) { testSessionLogs(t, open(t)) })
}

var baseTime = time.Date(2024, 5, 15, 4, 0, 0, 0, time.UTC)

func seed(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	if err := b.Seeder.UpsertPoint(ctx, &models.ChargingPoint{
		ID: 1, StationID: 10, Status: models.PointAvailable, PowerKW: 50,
		PricePerKWh: decimal.NewFromInt(3500), StationActive: true,
	}); err != nil {
		t.Fatalf("seed point: %v", err)
	}
	if err := b.Seeder.UpsertAccount(ctx, &models.Account{
		UserID: 100, Balance: decimal.NewFromInt(100000), Tier: models.TierBasic,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func newSession(driverID int64) *models.Session {
	return &models.Session{
		DriverID: driverID, PointID: 1, Status: models.SessionInProgress,
		StartTime: baseTime, InitialSOC: 20, TargetSOC: 100,
		PricePerKWh: decimal.NewFromInt(3500), CreatedAt: baseTime, UpdatedAt: baseTime,
	}
}

func insertSession(t *testing.T, b Backend, s *models.Session) {
	t.Helper()
	err := b.Store.InTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertSession(context.Background(), s)
	})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
}

func testNotFound(t *testing.T, b Backend) {
	ctx := context.Background()
	if _, err := b.Store.GetSession(ctx, 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetSession: want ErrNotFound, got %v", err)
	}
	if _, err := b.Store.GetPoint(ctx, 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetPoint: want ErrNotFound, got %v", err)
	}
	if _, err := b.Store.GetAccount(ctx, 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetAccount: want ErrNotFound, got %v", err)
	}
	if _, err := b.Store.GetPayment(ctx, uuid.NewString()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetPayment: want ErrNotFound, got %v", err)
	}
	if _, err := b.Store.GetPaymentByOrderNumber(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetPaymentByOrderNumber: want ErrNotFound, got %v", err)
	}
	if _, err := b.Store.LatestSessionLog(ctx, 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("LatestSessionLog: want ErrNotFound, got %v", err)
	}
}

func testActiveUniqueness(t *testing.T, b Backend) {
	seed(t, b)
	ctx := context.Background()

	first := newSession(100)
	insertSession(t, b, first)

	err := b.Store.InTx(ctx, func(tx repository.Tx) error {
		return tx.InsertSession(ctx, newSession(100))
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second active session: want ErrConflict, got %v", err)
	}

	err = b.Store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, first.ID)
		if err != nil {
			return err
		}
		end := baseTime.Add(time.Hour)
		cost := decimal.NewFromInt(140000)
		s.Status = models.SessionCompleted
		s.EndTime = &end
		s.FinalCost = &cost
		return tx.UpdateSession(ctx, s)
	})
	if err != nil {
		t.Fatalf("complete session: %v", err)
	}

	second := newSession(100)
	second.StartTime = baseTime.Add(2 * time.Hour)
	insertSession(t, b, second)

	active, err := b.Store.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("unexpected active sessions %+v", active)
	}

	history, err := b.Store.ListSessionsByDriver(ctx, 100, 10)
	if err != nil {
		t.Fatalf("ListSessionsByDriver: %v", err)
	}
	if len(history) != 2 || history[0].ID != second.ID {
		t.Fatalf("history must be newest first, got %+v", history)
	}
	done, err := b.Store.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if done.FinalCost == nil || !done.FinalCost.Equal(decimal.NewFromInt(140000)) || done.EndTime == nil {
		t.Fatalf("completed fields not persisted: %+v", done)
	}
}

func testReservationUniqueness(t *testing.T, b Backend) {
	seed(t, b)
	ctx := context.Background()
	reservation := int64(77)

	first := newSession(100)
	first.ReservationID = &reservation
	insertSession(t, b, first)

	err := b.Store.InTx(ctx, func(tx repository.Tx) error {
		s := newSession(101)
		s.ReservationID = &reservation
		return tx.InsertSession(ctx, s)
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second session on reservation: want ErrConflict, got %v", err)
	}

	err = b.Store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, first.ID)
		if err != nil {
			return err
		}
		end := baseTime.Add(time.Minute)
		s.Status = models.SessionCancelled
		s.EndTime = &end
		return tx.UpdateSession(ctx, s)
	})
	if err != nil {
		t.Fatalf("cancel session: %v", err)
	}

	again := newSession(101)
	again.ReservationID = &reservation
	insertSession(t, b, again)
}

func testRollback(t *testing.T, b Backend) {
	seed(t, b)
	ctx := context.Background()
	boom := errors.New("boom")

	err := b.Store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.SetAccountBalance(ctx, 100, decimal.NewFromInt(1)); err != nil {
			return err
		}
		if err := tx.InsertWalletTransaction(ctx, &models.WalletTransaction{
			ID: uuid.NewString(), UserID: 100, Amount: decimal.NewFromInt(-99999), Type: models.WalletDebit,
			BalanceAfter: decimal.NewFromInt(1), CreatedAt: baseTime,
		}); err != nil {
			return err
		}
		if err := tx.SetPointStatus(ctx, 1, models.PointInUse); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	acc, err := b.Store.GetAccount(ctx, 100)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acc.Balance.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("balance changed by rolled back tx: %s", acc.Balance)
	}
	rows, err := b.Store.WalletLedger(ctx, 100)
	if err != nil {
		t.Fatalf("WalletLedger: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("ledger rows survived rollback: %+v", rows)
	}
	point, err := b.Store.GetPoint(ctx, 1)
	if err != nil {
		t.Fatalf("GetPoint: %v", err)
	}
	if point.Status != models.PointAvailable {
		t.Fatalf("point status survived rollback: %s", point.Status)
	}
}

func testPaymentCAS(t *testing.T, b Backend) {
	seed(t, b)
	ctx := context.Background()
	sess := newSession(100)
	insertSession(t, b, sess)

	p := &models.Payment{
		ID: uuid.NewString(), UserID: 100, SessionID: &sess.ID, Purpose: models.PurposeSession,
		Amount: decimal.NewFromInt(140000), Method: models.MethodVNPay, Status: models.PaymentPending,
		OrderNumber: "ORD-1", CreatedAt: baseTime, UpdatedAt: baseTime,
	}
	err := b.Store.InTx(ctx, func(tx repository.Tx) error { return tx.InsertPayment(ctx, p) })
	if err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}

	dup := *p
	dup.ID = uuid.NewString()
	err = b.Store.InTx(ctx, func(tx repository.Tx) error { return tx.InsertPayment(ctx, &dup) })
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate order number: want ErrConflict, got %v", err)
	}

	pending, err := b.Store.ListPendingPayments(ctx, baseTime.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListPendingPayments: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != p.ID {
		t.Fatalf("unexpected pending payments %+v", pending)
	}

	var first, second bool
	err = b.Store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		if _, err = tx.LockPayment(ctx, p.ID); err != nil {
			return err
		}
		if first, err = tx.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentSuccess, "GW-1"); err != nil {
			return err
		}
		second, err = tx.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentFailed, "")
		return err
	})
	if err != nil {
		t.Fatalf("TransitionPayment: %v", err)
	}
	if !first || second {
		t.Fatalf("compare-and-set results = %v, %v; want true, false", first, second)
	}

	got, err := b.Store.GetPaymentByOrderNumber(ctx, "ORD-1")
	if err != nil {
		t.Fatalf("GetPaymentByOrderNumber: %v", err)
	}
	if got.Status != models.PaymentSuccess || got.GatewayTxID != "GW-1" {
		t.Fatalf("unexpected payment %+v", got)
	}

	err = b.Store.InTx(ctx, func(tx repository.Tx) error {
		found, err := tx.FindSuccessPayment(ctx, sess.ID)
		if err != nil {
			return err
		}
		if found.ID != p.ID {
			t.Errorf("FindSuccessPayment = %s, want %s", found.ID, p.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("FindSuccessPayment: %v", err)
	}
}

func testInvoices(t *testing.T, b Backend) {
	seed(t, b)
	ctx := context.Background()
	sess := newSession(100)
	insertSession(t, b, sess)

	p := &models.Payment{
		ID: uuid.NewString(), UserID: 100, SessionID: &sess.ID, Purpose: models.PurposeSession,
		Amount: decimal.NewFromInt(90000), Method: models.MethodCash, Status: models.PaymentSuccess,
		OrderNumber: "ORD-2", CreatedAt: baseTime, UpdatedAt: baseTime,
	}
	inv := &models.Invoice{
		Number: models.InvoiceNumber("ORD-2"), PaymentID: p.ID, UserID: 100, SessionID: &sess.ID,
		Total: decimal.NewFromInt(90000), CreatedAt: baseTime,
		Items: []models.InvoiceItem{
			{SessionID: &sess.ID, Description: "charging", Amount: decimal.NewFromInt(140000)},
			{SessionID: &sess.ID, Description: "deposit", Amount: decimal.NewFromInt(-50000)},
		},
	}
	err := b.Store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		return tx.InsertInvoice(ctx, inv)
	})
	if err != nil {
		t.Fatalf("insert payment+invoice: %v", err)
	}

	got, err := b.Store.GetInvoiceByPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetInvoiceByPayment: %v", err)
	}
	if len(got.Items) != 2 || got.Items[0].Description != "charging" {
		t.Fatalf("unexpected items %+v", got.Items)
	}
	sum := decimal.Zero
	for _, item := range got.Items {
		sum = sum.Add(item.Amount)
	}
	if !sum.Equal(got.Total) {
		t.Fatalf("items sum %s != total %s", sum, got.Total)
	}

	err = b.Store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.FindInvoiceByNumber(ctx, inv.Number); err != nil {
			return err
		}
		again := *inv
		again.ID = ""
		again.Items = nil
		return tx.InsertInvoice(ctx, &again)
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate invoice number: want ErrConflict, got %v", err)
	}
}

func testWalletOrdering(t *testing.T, b Backend) {
	seed(t, b)
	ctx := context.Background()
	balance := decimal.NewFromInt(100000)
	for i := 1; i <= 3; i++ {
		amount := decimal.NewFromInt(int64(i * 1000))
		balance = balance.Add(amount)
		after := balance
		err := b.Store.InTx(ctx, func(tx repository.Tx) error {
			if _, err := tx.LockAccount(ctx, 100); err != nil {
				return err
			}
			if err := tx.SetAccountBalance(ctx, 100, after); err != nil {
				return err
			}
			return tx.InsertWalletTransaction(ctx, &models.WalletTransaction{
				ID: uuid.NewString(), UserID: 100, Amount: amount, Type: models.WalletTopUp,
				BalanceAfter: after, CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
			})
		})
		if err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	ledger, err := b.Store.WalletLedger(ctx, 100)
	if err != nil {
		t.Fatalf("WalletLedger: %v", err)
	}
	if len(ledger) != 3 || !ledger[0].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("ledger must be oldest first: %+v", ledger)
	}
	history, err := b.Store.WalletHistory(ctx, 100, 2)
	if err != nil {
		t.Fatalf("WalletHistory: %v", err)
	}
	if len(history) != 2 || !history[0].Amount.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("history must be newest first and limited: %+v", history)
	}
}

func testSessionLogs(t *testing.T, b Backend) {
	seed(t, b)
	ctx := context.Background()
	sess := newSession(100)
	insertSession(t, b, sess)

	energy := 4.2
	err := b.Store.InTx(ctx, func(tx repository.Tx) error {
		for i, soc := range []int{20, 25, 30} {
			l := &models.SessionLog{
				SessionID: sess.ID, SOC: soc, PowerKW: 50, Voltage: 400, Temperature: 30,
				RecordedAt: baseTime.Add(time.Duration(i) * time.Minute),
			}
			if i == 2 {
				l.EnergyKWh = &energy
			}
			if err := tx.InsertSessionLog(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InsertSessionLog: %v", err)
	}

	latest, err := b.Store.LatestSessionLog(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LatestSessionLog: %v", err)
	}
	if latest.SOC != 30 || latest.EnergyKWh == nil || *latest.EnergyKWh != energy {
		t.Fatalf("unexpected latest log %+v", latest)
	}
	logs, err := b.Store.ListSessionLogs(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListSessionLogs: %v", err)
	}
	if len(logs) != 3 || logs[0].SOC != 20 {
		t.Fatalf("logs must be in time order: %+v", logs)
	}
}
