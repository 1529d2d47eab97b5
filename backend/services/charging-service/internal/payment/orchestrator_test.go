package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/payment/gateway"
	"evpay/backend/services/charging-service/internal/repository"
	"evpay/backend/services/charging-service/internal/repository/memory"
	"evpay/backend/services/charging-service/internal/wallet"
)

type failingAdapter struct {
	mu     sync.Mutex
	orders []string
}

func (f *failingAdapter) Method() models.PaymentMethod { return models.MethodMoMo }

func (f *failingAdapter) AmountPlaces() int32 { return 0 }

func (f *failingAdapter) CreatePayment(_ context.Context, req gateway.CreateRequest) (*gateway.Checkout, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req.OrderNumber)
	f.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (f *failingAdapter) ParseCallback(context.Context, gateway.Inbound) (*gateway.Callback, error) {
	return nil, apperr.ErrInvalidSignature
}

func (f *failingAdapter) Acknowledge(gateway.Ack) gateway.Reply { return gateway.Reply{Status: 204} }

func (f *failingAdapter) lastOrder() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[len(f.orders)-1]
}

type env struct {
	orch    *Orchestrator
	store   *memory.Store
	ledger  *wallet.Ledger
	mock    *gateway.Mock
	failing *failingAdapter
	clock   *clock.Manual
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	_ = store.UpsertAccount(ctx, &models.Account{UserID: 10, Tier: models.TierBasic, Balance: decimal.NewFromInt(500000)})
	_ = store.UpsertAccount(ctx, &models.Account{UserID: 11, Tier: models.TierBasic, Balance: decimal.NewFromInt(100000)})

	clk := clock.NewManual(time.Date(2024, 5, 15, 4, 30, 0, 0, time.UTC))
	ledger := wallet.NewLedger(store, clk, zap.NewNop())
	mock := gateway.NewMock(gateway.MockConfig{Secret: "mock-secret", PayURL: "http://localhost/mock/pay"})
	failing := &failingAdapter{}
	orch := NewOrchestrator(Deps{
		Store:      store,
		Ledger:     ledger,
		Gateways:   gateway.NewRegistry(mock, failing),
		Clock:      clk,
		PendingTTL: 30 * time.Minute,
	}, zap.NewNop())
	return &env{orch: orch, store: store, ledger: ledger, mock: mock, failing: failing, clock: clk}
}

// completed seeds a finished session costing final, optionally backed by a deposit.
func (e *env) completed(t *testing.T, driver int64, final int64, deposit *int64) *models.Session {
	t.Helper()
	ctx := context.Background()
	end := e.clock.Now()
	cost := decimal.NewFromInt(final)
	soc := 80
	s := &models.Session{
		DriverID: driver, PointID: 1, Status: models.SessionCompleted,
		StartTime: end.Add(-time.Hour), EndTime: &end, InitialSOC: 20, FinalSOC: &soc, TargetSOC: 100,
		EnergyKWh: 40, PricePerKWh: decimal.NewFromInt(3500), CostBeforeDiscount: cost, FinalCost: &cost,
	}
	if deposit != nil {
		d := decimal.NewFromInt(*deposit)
		s.DepositAmount = &d
	}
	if err := e.store.InTx(ctx, func(tx repository.Tx) error { return tx.InsertSession(ctx, s) }); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}

func (e *env) balance(t *testing.T, user int64) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func (e *env) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := e.store.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	return p
}

func mockNotify(q url.Values) gateway.Inbound {
	return gateway.Inbound{Kind: gateway.KindNotify, Body: []byte(q.Encode())}
}

func assertBalance(t *testing.T, got decimal.Decimal, want int64) {
	t.Helper()
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("balance = %s, want %d", got, want)
	}
}

func TestSettleWalletIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 10, 140000, nil)

	first, err := e.orch.SettleWallet(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("SettleWallet: %v", err)
	}
	if first.AlreadyPaid || first.Payment.Status != models.PaymentSuccess || !first.Payment.Amount.Equal(decimal.NewFromInt(140000)) {
		t.Fatalf("unexpected first result %+v", first.Payment)
	}
	if first.Invoice == nil || !first.Invoice.Total.Equal(decimal.NewFromInt(140000)) || first.Invoice.Number != models.InvoiceNumber(first.Payment.OrderNumber) {
		t.Fatalf("unexpected invoice %+v", first.Invoice)
	}

	second, err := e.orch.SettleWallet(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("second SettleWallet: %v", err)
	}
	if !second.AlreadyPaid || second.Payment.ID != first.Payment.ID || second.Invoice.ID != first.Invoice.ID {
		t.Fatalf("second call must return the first settlement, got %+v", second)
	}
	assertBalance(t, e.balance(t, 10), 360000)

	rows, _ := e.ledger.History(ctx, 10, 10)
	if len(rows) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(rows))
	}
}

func TestConcurrentSettlementChargesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 10, 140000, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.orch.SettleWallet(ctx, sess.ID, 10)
			if err != nil {
				t.Errorf("SettleWallet: %v", err)
				return
			}
			if !res.AlreadyPaid {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("%d settlements charged, want 1", fresh)
	}
	assertBalance(t, e.balance(t, 10), 360000)
}

func TestSettleWalletInsufficientFunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 11, 150000, nil)

	if _, err := e.orch.SettleWallet(ctx, sess.ID, 11); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	assertBalance(t, e.balance(t, 11), 100000)

	res, err := e.orch.SettleCash(ctx, sess.ID, 11)
	if err != nil || res.AlreadyPaid || res.Payment.Method != models.MethodCash {
		t.Fatalf("cash settlement after failed wallet attempt: %+v %v", res, err)
	}
	assertBalance(t, e.balance(t, 11), 100000)
}

func TestSettlePreconditions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 10, 140000, nil)

	if _, err := e.orch.SettleWallet(ctx, 999, 10); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := e.orch.SettleWallet(ctx, sess.ID, 11); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for another driver, got %v", err)
	}

	active := &models.Session{DriverID: 11, PointID: 2, Status: models.SessionInProgress, StartTime: e.clock.Now(), InitialSOC: 20, TargetSOC: 100}
	_ = e.store.InTx(ctx, func(tx repository.Tx) error { return tx.InsertSession(ctx, active) })
	if _, err := e.orch.SettleCash(ctx, active.ID, 11); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for an active session, got %v", err)
	}
}

func TestDepositOffsetAndSurplusRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	big := int64(200000)
	surplus := e.completed(t, 10, 140000, &big)
	res, err := e.orch.SettleWallet(ctx, surplus.ID, 10)
	if err != nil {
		t.Fatalf("SettleWallet: %v", err)
	}
	if !res.Payment.Amount.IsZero() || !res.Invoice.Total.IsZero() {
		t.Fatalf("nothing is owed, got payment %s invoice %s", res.Payment.Amount, res.Invoice.Total)
	}
	assertBalance(t, e.balance(t, 10), 560000)
	rows, _ := e.ledger.History(ctx, 10, 10)
	if len(rows) != 1 || rows[0].Type != models.WalletRefund || !rows[0].Amount.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("expected one 60000 refund row, got %+v", rows)
	}

	small := int64(50000)
	partial := e.completed(t, 10, 140000, &small)
	res, err = e.orch.SettleWallet(ctx, partial.ID, 10)
	if err != nil {
		t.Fatalf("SettleWallet: %v", err)
	}
	if !res.Payment.Amount.Equal(decimal.NewFromInt(90000)) || !res.Invoice.Total.Equal(decimal.NewFromInt(90000)) {
		t.Fatalf("remaining owed must be 90000, got %s", res.Payment.Amount)
	}
	assertBalance(t, e.balance(t, 10), 470000)

	audit, err := e.ledger.Verify(ctx, 10)
	if err != nil || !audit.Consistent {
		t.Fatalf("ledger audit: %+v %v", audit, err)
	}
}

func TestGatewaySettlementCallbackIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 10, 140000, nil)

	res, err := e.orch.InitiateGateway(ctx, GatewayInput{SessionID: sess.ID, UserID: 10, Method: models.MethodMock})
	if err != nil {
		t.Fatalf("InitiateGateway: %v", err)
	}
	if res.RedirectURL == "" || res.Payment.Status != models.PaymentPending {
		t.Fatalf("unexpected initiation %+v", res)
	}
	if stored := e.payment(t, res.Payment.ID); stored.RedirectURL != res.RedirectURL {
		t.Fatal("redirect url must be stored on the payment")
	}

	notify := mockNotify(e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(140000), true, "mock-tx-1"))
	out, err := e.orch.HandleCallback(ctx, models.MethodMock, notify)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if out.Replayed || out.Payment.Status != models.PaymentSuccess || out.Invoice == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}

	again, err := e.orch.HandleCallback(ctx, models.MethodMock, notify)
	if err != nil || !again.Replayed || again.Invoice == nil || again.Invoice.ID != out.Invoice.ID {
		t.Fatalf("replay: %+v %v", again, err)
	}
	if AckFor(again, nil) != gateway.AckReplayed {
		t.Fatal("replay must be acknowledged as already processed")
	}
	assertBalance(t, e.balance(t, 10), 500000)

	settled, err := e.orch.SettleWallet(ctx, sess.ID, 10)
	if err != nil || !settled.AlreadyPaid || settled.Payment.ID != res.Payment.ID {
		t.Fatalf("wallet settlement after gateway success must short-circuit: %+v %v", settled, err)
	}
}

func TestTopUpCreditsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.orch.InitiateTopUp(ctx, TopUpInput{UserID: 11, Amount: decimal.NewFromInt(50000), Method: models.MethodMock})
	if err != nil {
		t.Fatalf("InitiateTopUp: %v", err)
	}
	notify := mockNotify(e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(50000), true, "mock-tx-2"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.orch.HandleCallback(ctx, models.MethodMock, notify); err != nil {
				t.Errorf("HandleCallback: %v", err)
			}
		}()
	}
	wg.Wait()
	assertBalance(t, e.balance(t, 11), 150000)

	rows, _ := e.ledger.History(ctx, 11, 10)
	if len(rows) != 1 || rows[0].ReferenceID != res.Payment.OrderNumber {
		t.Fatalf("expected one credit referencing the order, got %+v", rows)
	}
}

func TestCallbackRejectsTamperingWithoutMutation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.orch.InitiateTopUp(ctx, TopUpInput{UserID: 11, Amount: decimal.NewFromInt(50000), Method: models.MethodMock})
	if err != nil {
		t.Fatalf("InitiateTopUp: %v", err)
	}

	q := e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(50000), true, "mock-tx-3")
	q.Set("amount", "5000000.00")
	out, err := e.orch.HandleCallback(ctx, models.MethodMock, mockNotify(q))
	if !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if AckFor(out, err) != gateway.AckInvalidSignature {
		t.Fatal("tampering must be acknowledged with the signature code")
	}
	if e.payment(t, res.Payment.ID).Status != models.PaymentPending {
		t.Fatal("payment must stay pending")
	}
	assertBalance(t, e.balance(t, 11), 100000)

	reply, err := e.orch.Acknowledge(models.MethodMock, out, err)
	if err != nil || reply.Status != 401 {
		t.Fatalf("mock invalid signature reply: %+v %v", reply, err)
	}
}

func TestCallbackAmountMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _ := e.orch.InitiateTopUp(ctx, TopUpInput{UserID: 11, Amount: decimal.NewFromInt(50000), Method: models.MethodMock})
	notify := mockNotify(e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(49000), true, "mock-tx-4"))
	_, err := e.orch.HandleCallback(ctx, models.MethodMock, notify)
	if !errors.Is(err, ErrAmountMismatch) || AckFor(nil, err) != gateway.AckInvalidAmount {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if e.payment(t, res.Payment.ID).Status != models.PaymentPending {
		t.Fatal("payment must stay pending")
	}
}

func TestFailedCallbackThenLateSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _ := e.orch.InitiateTopUp(ctx, TopUpInput{UserID: 11, Amount: decimal.NewFromInt(50000), Method: models.MethodMock})
	failed := mockNotify(e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(50000), false, "mock-tx-5"))
	out, err := e.orch.HandleCallback(ctx, models.MethodMock, failed)
	if err != nil || out.Payment.Status != models.PaymentFailed || out.Invoice != nil {
		t.Fatalf("failure callback: %+v %v", out, err)
	}

	late := mockNotify(e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(50000), true, "mock-tx-5"))
	out, err = e.orch.HandleCallback(ctx, models.MethodMock, late)
	if err != nil || !out.Replayed || out.Payment.Status != models.PaymentFailed {
		t.Fatalf("late success must replay: %+v %v", out, err)
	}
	assertBalance(t, e.balance(t, 11), 100000)
}

func TestCallbackUnknownOrder(t *testing.T) {
	e := newEnv(t)
	notify := mockNotify(e.mock.SignCallback("TU000000000000NOPE", decimal.NewFromInt(1000), true, "x"))
	out, err := e.orch.HandleCallback(context.Background(), models.MethodMock, notify)
	if !errors.Is(err, apperr.ErrNotFound) || AckFor(out, err) != gateway.AckNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGatewayFailureFailsPendingPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 10, 140000, nil)

	_, err := e.orch.InitiateGateway(ctx, GatewayInput{SessionID: sess.ID, UserID: 10, Method: models.MethodMoMo})
	if !errors.Is(err, apperr.ErrGatewayError) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	p, err := e.store.GetPaymentByOrderNumber(ctx, e.failing.lastOrder())
	if err != nil {
		t.Fatalf("GetPaymentByOrderNumber: %v", err)
	}
	if p.Status != models.PaymentFailed {
		t.Fatalf("status = %s, want failed", p.Status)
	}

	if _, err := e.orch.InitiateGateway(ctx, GatewayInput{SessionID: sess.ID, UserID: 10, Method: models.MethodVNPay}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("disabled gateway must be invalid input, got %v", err)
	}
}

func TestDuplicateGatewaySuccessIsFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 10, 140000, nil)

	pending, err := e.orch.InitiateGateway(ctx, GatewayInput{SessionID: sess.ID, UserID: 10, Method: models.MethodMock})
	if err != nil {
		t.Fatalf("InitiateGateway: %v", err)
	}
	if _, err := e.orch.SettleWallet(ctx, sess.ID, 10); err != nil {
		t.Fatalf("SettleWallet: %v", err)
	}

	notify := mockNotify(e.mock.SignCallback(pending.Payment.OrderNumber, decimal.NewFromInt(140000), true, "mock-tx-6"))
	out, err := e.orch.HandleCallback(ctx, models.MethodMock, notify)
	if err != nil || !out.Duplicate || out.Payment.Status != models.PaymentFailed {
		t.Fatalf("duplicate success: %+v %v", out, err)
	}
	assertBalance(t, e.balance(t, 10), 360000)
}

func TestExpirePending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _ := e.orch.InitiateTopUp(ctx, TopUpInput{UserID: 11, Amount: decimal.NewFromInt(50000), Method: models.MethodMock})

	if n, err := e.orch.ExpirePending(ctx); err != nil || n != 0 {
		t.Fatalf("fresh payment must not expire: %d %v", n, err)
	}
	e.clock.Advance(31 * time.Minute)
	if n, err := e.orch.ExpirePending(ctx); err != nil || n != 1 {
		t.Fatalf("ExpirePending = %d %v, want 1", n, err)
	}
	if e.payment(t, res.Payment.ID).Status != models.PaymentFailed {
		t.Fatal("expired payment must be failed")
	}

	late := mockNotify(e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(50000), true, "mock-tx-7"))
	out, err := e.orch.HandleCallback(ctx, models.MethodMock, late)
	if err != nil || !out.Replayed {
		t.Fatalf("late callback must replay: %+v %v", out, err)
	}
	assertBalance(t, e.balance(t, 11), 100000)
}

func TestPayDeposit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	in := DepositInput{UserID: 10, ReservationID: 77, Amount: decimal.NewFromInt(100000), Method: models.MethodWallet}
	first, err := e.orch.PayDeposit(ctx, in)
	if err != nil {
		t.Fatalf("PayDeposit: %v", err)
	}
	if first.Payment.Purpose != models.PurposeDeposit || first.Invoice == nil {
		t.Fatalf("unexpected deposit %+v", first)
	}
	second, err := e.orch.PayDeposit(ctx, in)
	if err != nil || !second.AlreadyPaid || second.Payment.ID != first.Payment.ID {
		t.Fatalf("second deposit must replay: %+v %v", second, err)
	}
	assertBalance(t, e.balance(t, 10), 400000)

	if _, err := e.orch.PayDeposit(ctx, DepositInput{UserID: 11, ReservationID: 77, Amount: decimal.NewFromInt(1000), Method: models.MethodCash}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("another driver's reservation must be forbidden, got %v", err)
	}

	pending, err := e.orch.PayDeposit(ctx, DepositInput{UserID: 11, ReservationID: 78, Amount: decimal.NewFromInt(20000), Method: models.MethodMock})
	if err != nil || pending.Payment.Status != models.PaymentPending || pending.RedirectURL == "" {
		t.Fatalf("gateway deposit: %+v %v", pending, err)
	}
	notify := mockNotify(e.mock.SignCallback(pending.Payment.OrderNumber, decimal.NewFromInt(20000), true, "mock-tx-8"))
	out, err := e.orch.HandleCallback(ctx, models.MethodMock, notify)
	if err != nil || out.Payment.Status != models.PaymentSuccess {
		t.Fatalf("deposit callback: %+v %v", out, err)
	}
	assertBalance(t, e.balance(t, 11), 100000)
}

func TestGetPaymentOwnership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess := e.completed(t, 10, 140000, nil)
	res, _ := e.orch.SettleCash(ctx, sess.ID, 0)

	if _, err := e.orch.GetPayment(ctx, res.Payment.ID, 11); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	inv, err := e.orch.GetInvoice(ctx, res.Payment.ID, 10)
	if err != nil || inv.PaymentID != res.Payment.ID {
		t.Fatalf("GetInvoice: %+v %v", inv, err)
	}
	if _, err := e.orch.GetPayment(ctx, fmt.Sprintf("missing-%d", 1), 0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
