package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/http/handlers"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/payment"
	"evpay/backend/services/charging-service/internal/payment/gateway"
	"evpay/backend/services/charging-service/internal/points"
	"evpay/backend/services/charging-service/internal/pricing"
	"evpay/backend/services/charging-service/internal/repository/memory"
	"evpay/backend/services/charging-service/internal/sessions"
	"evpay/backend/services/charging-service/internal/telemetry"
	"evpay/backend/services/charging-service/internal/wallet"
)

type testEnv struct {
	handler http.Handler
	clock   *clock.Manual
	mock    *gateway.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	if err := store.UpsertPoint(ctx, &models.ChargingPoint{
		ID: 1, StationID: 1, Status: models.PointAvailable, PowerKW: 60,
		PricePerKWh: decimal.NewFromInt(3500), StationActive: true,
	}); err != nil {
		t.Fatalf("seed point: %v", err)
	}
	for _, id := range []int64{10, 11} {
		if err := store.UpsertAccount(ctx, &models.Account{UserID: id, Tier: models.TierBasic, Balance: decimal.NewFromInt(500000)}); err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}

	// Wednesday 11:30 in Ho Chi Minh City, outside every peak window.
	clk := clock.NewManual(time.Date(2024, 5, 15, 4, 30, 0, 0, time.UTC))
	rules := pricing.DefaultRules()
	engine := pricing.NewEngine(rules, clk)
	logger := zap.NewNop()

	sessionSvc := sessions.NewService(sessions.Deps{Store: store, Pricing: engine, Clock: clk}, logger)
	telemetrySvc := telemetry.NewService(store, telemetry.NewEstimator(engine, 60), clk, logger)
	ledger := wallet.NewLedger(store, clk, logger)
	mock := gateway.NewMock(gateway.MockConfig{Secret: "mock-secret", PayURL: "http://localhost/mock/pay"})
	orch := payment.NewOrchestrator(payment.Deps{
		Store:    store,
		Ledger:   ledger,
		Gateways: gateway.NewRegistry(mock),
		Clock:    clk,
	}, logger)

	router := NewRouter(Routes{
		Sessions: handlers.NewSessionsHandler(sessionSvc, telemetrySvc, logger),
		Payments: handlers.NewPaymentsHandler(orch, logger),
		Wallet:   handlers.NewWalletHandler(ledger, logger),
		Points:   handlers.NewPointsHandler(points.NewService(store, logger), logger),
		Health:   handlers.NewHealthHandler(),
	})
	return &testEnv{handler: router, clock: clk, mock: mock}
}

func (e *testEnv) do(t *testing.T, method, path, user, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func TestSessionLifecycleAndWalletSettlement(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/sessions", "10", "", map[string]interface{}{"point_id": 1, "initial_soc": 20})
	expectStatus(t, rec, http.StatusCreated)
	var sess models.Session
	decode(t, rec, &sess)
	if sess.Status != models.SessionInProgress || sess.DriverID != 10 {
		t.Fatalf("unexpected session %+v", sess)
	}
	base := "/sessions/" + strconv.FormatInt(sess.ID, 10)

	expectStatus(t, e.do(t, http.MethodGet, base, "11", "", nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodGet, base, "99", "staff", nil), http.StatusOK)
	expectStatus(t, e.do(t, http.MethodPost, base+"/pause", "10", "", nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodGet, base+"/stop", "10", "", nil), http.StatusMethodNotAllowed)

	e.clock.Advance(time.Hour)
	rec = e.do(t, http.MethodPost, base+"/stop", "10", "", map[string]interface{}{"final_soc": 80, "energy_kwh": 40})
	expectStatus(t, rec, http.StatusOK)
	decode(t, rec, &sess)
	if sess.Status != models.SessionCompleted || sess.FinalCost == nil || !sess.FinalCost.Equal(decimal.NewFromInt(140000)) {
		t.Fatalf("unexpected completed session %+v", sess)
	}

	rec = e.do(t, http.MethodPost, base+"/pay", "10", "", map[string]string{"method": "wallet"})
	expectStatus(t, rec, http.StatusCreated)
	var res payment.Result
	decode(t, rec, &res)
	if res.AlreadyPaid || res.Payment.Status != models.PaymentSuccess || res.Invoice == nil {
		t.Fatalf("unexpected settlement %+v", res)
	}

	rec = e.do(t, http.MethodPost, base+"/pay", "10", "", map[string]string{"method": "wallet"})
	expectStatus(t, rec, http.StatusOK)
	var replay payment.Result
	decode(t, rec, &replay)
	if !replay.AlreadyPaid || replay.Payment.ID != res.Payment.ID {
		t.Fatalf("replay returned %+v", replay)
	}

	rec = e.do(t, http.MethodGet, "/wallet/balance", "10", "", nil)
	expectStatus(t, rec, http.StatusOK)
	var bal struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decode(t, rec, &bal)
	if !bal.Balance.Equal(decimal.NewFromInt(360000)) {
		t.Fatalf("balance = %s, want 360000", bal.Balance)
	}

	expectStatus(t, e.do(t, http.MethodGet, "/payments/"+res.Payment.ID+"/invoice", "11", "", nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodGet, "/payments/"+res.Payment.ID+"/invoice", "10", "", nil), http.StatusOK)
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)

	expectStatus(t, e.do(t, http.MethodPost, "/sessions", "", "", map[string]int{"point_id": 1}), http.StatusUnauthorized)
	expectStatus(t, e.do(t, http.MethodPost, "/sessions", "10", "", "{not json"), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodPost, "/sessions", "10", "", map[string]int{"point_id": 1, "initial_soc": 140}), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodGet, "/sessions/404", "10", "", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, http.MethodGet, "/sessions/abc", "10", "", nil), http.StatusBadRequest)

	expectStatus(t, e.do(t, http.MethodPost, "/sessions", "10", "", map[string]int{"point_id": 1, "initial_soc": 20}), http.StatusCreated)
	rec := e.do(t, http.MethodPost, "/sessions", "11", "", map[string]int{"point_id": 1, "initial_soc": 20})
	expectStatus(t, rec, http.StatusConflict)
	var body map[string]string
	decode(t, rec, &body)
	if body["code"] != "conflict" {
		t.Fatalf("code = %q, want conflict", body["code"])
	}

	rec = e.do(t, http.MethodPost, "/admin/wallets/11/debit", "99", "admin", map[string]string{"amount": "900000"})
	expectStatus(t, rec, http.StatusPaymentRequired)
}

func TestTopUpCallbackCreditsOnce(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/wallet/topup", "11", "", map[string]string{"amount": "50000", "method": "mock"})
	expectStatus(t, rec, http.StatusAccepted)
	var res payment.Result
	decode(t, rec, &res)
	if res.RedirectURL == "" || res.Payment.Status != models.PaymentPending {
		t.Fatalf("unexpected top-up %+v", res)
	}

	form := e.mock.SignCallback(res.Payment.OrderNumber, decimal.NewFromInt(50000), true, "TX-1")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/mock/notify", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		expectStatus(t, rec, http.StatusOK)
		if !strings.Contains(rec.Body.String(), `"ok"`) {
			t.Fatalf("ack body %s", rec.Body.String())
		}
	}

	form.Set("amount", "1.00")
	req := httptest.NewRequest(http.MethodGet, "/payments/mock/return?"+form.Encode(), nil)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = e.do(t, http.MethodGet, "/wallet/balance", "11", "", nil)
	var bal struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decode(t, rec, &bal)
	if !bal.Balance.Equal(decimal.NewFromInt(550000)) {
		t.Fatalf("balance = %s, want 550000", bal.Balance)
	}

	rec = e.do(t, http.MethodGet, "/payments/"+res.Payment.ID, "11", "", nil)
	expectStatus(t, rec, http.StatusOK)
	var p models.Payment
	decode(t, rec, &p)
	if p.Status != models.PaymentSuccess || p.GatewayTxID != "TX-1" {
		t.Fatalf("payment %+v", p)
	}
}

func TestUnknownGatewayCallback(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/payments/paypal/notify", "", "", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestPointAdministration(t *testing.T) {
	e := newTestEnv(t)
	expectStatus(t, e.do(t, http.MethodPut, "/points/1/price", "10", "", map[string]string{"price_per_kwh": "4000"}), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodPut, "/points/1/price", "99", "staff", map[string]string{"price_per_kwh": "0"}), http.StatusBadRequest)

	rec := e.do(t, http.MethodPut, "/points/1/price", "99", "staff", map[string]string{"price_per_kwh": "4000"})
	expectStatus(t, rec, http.StatusOK)
	var p models.ChargingPoint
	decode(t, rec, &p)
	if !p.PricePerKWh.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("price = %s", p.PricePerKWh)
	}

	rec = e.do(t, http.MethodPut, "/points/1/maintenance", "99", "staff", map[string]bool{"maintenance": true})
	expectStatus(t, rec, http.StatusOK)
	expectStatus(t, e.do(t, http.MethodPost, "/sessions", "10", "", map[string]int{"point_id": 1, "initial_soc": 20}), http.StatusConflict)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	expectStatus(t, e.do(t, http.MethodGet, "/health", "", "", nil), http.StatusOK)
	expectStatus(t, e.do(t, http.MethodPost, "/health", "", "", nil), http.StatusMethodNotAllowed)
}
