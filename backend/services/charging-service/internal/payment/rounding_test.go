package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/payment/gateway"
	"evpay/backend/services/charging-service/internal/repository"
)

// momoStub accepts create requests and remembers the charged amounts.
type momoStub struct {
	mu      sync.Mutex
	amounts map[string]int64
}

func (s *momoStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"orderId"`
		Amount  int64  `json:"amount"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.amounts[req.OrderID] = req.Amount
	s.mu.Unlock()
	_, _ = fmt.Fprintf(w, `{"resultCode":0,"message":"ok","payUrl":"https://test-payment.momo.vn/pay/%s"}`, req.OrderID)
}

func (s *momoStub) charged(order string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amounts[order]
}

// momoIPN builds a successful IPN body signed the way MoMo signs it.
func momoIPN(t *testing.T, order string, amount int64) []byte {
	t.Helper()
	msg := "Successful."
	raw := fmt.Sprintf("accessKey=%s&amount=%d&extraData=&message=%s&orderId=%s&orderInfo=session&orderType=momo_wallet"+
		"&partnerCode=MOMO&payType=qr&requestId=req-1&responseTime=1715747400000&resultCode=0&transId=4088878653",
		"ak", amount, msg, order)
	mac := hmac.New(sha256.New, []byte("sk"))
	mac.Write([]byte(raw))
	body, err := json.Marshal(map[string]any{
		"partnerCode": "MOMO", "orderId": order, "requestId": "req-1", "amount": amount,
		"orderInfo": "session", "orderType": "momo_wallet", "transId": 4088878653, "resultCode": 0,
		"message": msg, "payType": "qr", "responseTime": 1715747400000, "extraData": "",
		"signature": hex.EncodeToString(mac.Sum(nil)),
	})
	if err != nil {
		t.Fatalf("marshal ipn: %v", err)
	}
	return body
}

func newMoMoEnv(t *testing.T) (*env, *momoStub) {
	t.Helper()
	e := newEnv(t)
	stub := &momoStub{amounts: make(map[string]int64)}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	momo := gateway.NewMoMo(gateway.MoMoConfig{
		PartnerCode: "MOMO", AccessKey: "ak", SecretKey: "sk", Endpoint: srv.URL, RetryInitial: time.Millisecond,
	}, srv.Client())
	e.orch = NewOrchestrator(Deps{
		Store:      e.store,
		Ledger:     e.ledger,
		Gateways:   gateway.NewRegistry(momo),
		Clock:      e.clock,
		PendingTTL: 30 * time.Minute,
	}, zap.NewNop())
	return e, stub
}

func TestFractionalSessionCostSettlesThroughMoMo(t *testing.T) {
	e, stub := newMoMoEnv(t)
	ctx := context.Background()

	end := e.clock.Now()
	cost := decimal.RequireFromString("43209.60")
	soc := 60
	sess := &models.Session{
		DriverID: 10, PointID: 1, Status: models.SessionCompleted,
		StartTime: end.Add(-time.Hour), EndTime: &end, InitialSOC: 20, FinalSOC: &soc, TargetSOC: 100,
		EnergyKWh: 12.3456, PricePerKWh: decimal.NewFromInt(3500), CostBeforeDiscount: cost, FinalCost: &cost,
	}
	if err := e.store.InTx(ctx, func(tx repository.Tx) error { return tx.InsertSession(ctx, sess) }); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	res, err := e.orch.InitiateGateway(ctx, GatewayInput{SessionID: sess.ID, UserID: 10, Method: models.MethodMoMo})
	if err != nil {
		t.Fatalf("InitiateGateway: %v", err)
	}
	if !res.Payment.Amount.Equal(decimal.NewFromInt(43210)) {
		t.Fatalf("payment amount = %s, want 43210", res.Payment.Amount)
	}
	if got := stub.charged(res.Payment.OrderNumber); got != 43210 {
		t.Fatalf("charged %d, want 43210", got)
	}

	in := gateway.Inbound{Kind: gateway.KindNotify, Body: momoIPN(t, res.Payment.OrderNumber, 43210)}
	out, err := e.orch.HandleCallback(ctx, models.MethodMoMo, in)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if AckFor(out, nil) != gateway.AckOK || out.Payment.Status != models.PaymentSuccess {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Invoice == nil || !out.Invoice.Total.Equal(decimal.NewFromInt(43210)) {
		t.Fatalf("invoice must total the charged amount: %+v", out.Invoice)
	}
	var rounding decimal.Decimal
	for _, it := range out.Invoice.Items {
		if it.Description == "Rounding" {
			rounding = it.Amount
		}
	}
	if !rounding.Equal(decimal.RequireFromString("0.40")) {
		t.Fatalf("rounding line = %s, want 0.40", rounding)
	}

	settled, err := e.orch.SettleWallet(ctx, sess.ID, 10)
	if err != nil || !settled.AlreadyPaid {
		t.Fatalf("session must be paid: %+v %v", settled, err)
	}
}

func TestFractionalTopUpThroughMoMo(t *testing.T) {
	e, stub := newMoMoEnv(t)
	ctx := context.Background()

	res, err := e.orch.InitiateTopUp(ctx, TopUpInput{UserID: 10, Amount: decimal.RequireFromString("10000.5"), Method: models.MethodMoMo})
	if err != nil {
		t.Fatalf("InitiateTopUp: %v", err)
	}
	if got := stub.charged(res.Payment.OrderNumber); got != 10001 || !res.Payment.Amount.Equal(decimal.NewFromInt(10001)) {
		t.Fatalf("charged %d, payment %s, want 10001", got, res.Payment.Amount)
	}

	in := gateway.Inbound{Kind: gateway.KindNotify, Body: momoIPN(t, res.Payment.OrderNumber, 10001)}
	if _, err := e.orch.HandleCallback(ctx, models.MethodMoMo, in); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	assertBalance(t, e.balance(t, 10), 510001)
}
