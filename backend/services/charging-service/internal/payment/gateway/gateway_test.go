package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v75/webhook"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewMock(MockConfig{Secret: "s"}), NewVNPay(VNPayConfig{}, nil))
	if _, err := reg.Get(models.MethodMock); err != nil {
		t.Fatalf("Get mock: %v", err)
	}
	if _, err := reg.Get(models.MethodMoMo); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for disabled method, got %v", err)
	}
	got := reg.Methods()
	if len(got) != 2 || got[0] != models.MethodMock || got[1] != models.MethodVNPay {
		t.Fatalf("unexpected methods %v", got)
	}
}

func newVNPay() *VNPay {
	clk := clock.NewManual(time.Date(2024, 5, 15, 4, 30, 0, 0, time.UTC))
	return NewVNPay(VNPayConfig{
		TmnCode:    "EVPAY001",
		HashSecret: "vnpay-secret",
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "https://evpay.example/payments/vnpay/return",
	}, clk)
}

func signedVNPayQuery(v *VNPay, order, amountMinor, code string) url.Values {
	q := url.Values{}
	q.Set("vnp_TmnCode", v.cfg.TmnCode)
	q.Set("vnp_TxnRef", order)
	q.Set("vnp_Amount", amountMinor)
	q.Set("vnp_ResponseCode", code)
	q.Set("vnp_TransactionStatus", code)
	q.Set("vnp_TransactionNo", "14012345")
	q.Set("vnp_OrderInfo", "Charging session 7")
	q.Set(vnpHashField, hmacSHA512(v.cfg.HashSecret, canonicalQuery(q)))
	return q
}

func TestVNPayCreatePaymentSignsQuery(t *testing.T) {
	v := newVNPay()
	out, err := v.CreatePayment(context.Background(), CreateRequest{
		OrderNumber: "SE240515113000ABCD1234", Amount: decimal.NewFromInt(140000), Description: "Charging session 7",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	u, err := url.Parse(out.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if q.Get("vnp_Amount") != "14000000" {
		t.Fatalf("amount = %s, want minor units 14000000", q.Get("vnp_Amount"))
	}
	if q.Get("vnp_CreateDate") != "20240515113000" {
		t.Fatalf("create date = %s, want ICT wall time", q.Get("vnp_CreateDate"))
	}
	want := hmacSHA512(v.cfg.HashSecret, canonicalQuery(q, vnpHashField))
	if q.Get(vnpHashField) != want {
		t.Fatal("redirect signature does not match the canonical query")
	}
}

func TestVNPayParseCallback(t *testing.T) {
	v := newVNPay()
	ctx := context.Background()

	cb, err := v.ParseCallback(ctx, Inbound{Kind: KindNotify, Query: signedVNPayQuery(v, "SE1", "14000000", "00")})
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if !cb.Success || cb.OrderNumber != "SE1" || !cb.Amount.Equal(decimal.NewFromInt(140000)) || cb.GatewayTxID != "14012345" {
		t.Fatalf("unexpected callback %+v", cb)
	}

	failed, err := v.ParseCallback(ctx, Inbound{Kind: KindReturn, Query: signedVNPayQuery(v, "SE1", "14000000", "24")})
	if err != nil || failed.Success {
		t.Fatalf("expected verified failure, got %+v %v", failed, err)
	}

	for _, field := range []string{"vnp_Amount", "vnp_TxnRef", "vnp_ResponseCode"} {
		q := signedVNPayQuery(v, "SE1", "14000000", "00")
		q.Set(field, q.Get(field)+"9")
		if _, err := v.ParseCallback(ctx, Inbound{Kind: KindNotify, Query: q}); !errors.Is(err, apperr.ErrInvalidSignature) {
			t.Fatalf("tampered %s: expected invalid signature, got %v", field, err)
		}
	}
}

func TestVNPayAcknowledge(t *testing.T) {
	v := newVNPay()
	cases := map[Ack]string{AckOK: "00", AckReplayed: "02", AckNotFound: "01", AckInvalidAmount: "04", AckInvalidSignature: "97", AckError: "99"}
	for ack, code := range cases {
		reply := v.Acknowledge(ack)
		var body struct{ RspCode string }
		if err := json.Unmarshal(reply.Body, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if reply.Status != http.StatusOK || body.RspCode != code {
			t.Fatalf("ack %d: status %d code %s, want 200 %s", ack, reply.Status, body.RspCode, code)
		}
	}
}

func TestMoMoCreatePaymentRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != momoCreatePath {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req momoCreateRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Amount != 140000 || req.OrderID != "SE1" || req.Signature == "" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = fmt.Fprintf(w, `{"resultCode":0,"message":"ok","payUrl":"https://test-payment.momo.vn/pay/%s"}`, req.OrderID)
	}))
	defer srv.Close()

	m := NewMoMo(MoMoConfig{PartnerCode: "MOMO", AccessKey: "ak", SecretKey: "sk", Endpoint: srv.URL, RetryInitial: time.Millisecond}, srv.Client())
	out, err := m.CreatePayment(context.Background(), CreateRequest{OrderNumber: "SE1", Amount: decimal.NewFromInt(140000), Description: "session"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if out.RedirectURL != "https://test-payment.momo.vn/pay/SE1" {
		t.Fatalf("redirect = %s", out.RedirectURL)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestMoMoCreatePaymentRejectedIsGatewayError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"resultCode":1001,"message":"insufficient merchant config"}`)
	}))
	defer srv.Close()

	m := NewMoMo(MoMoConfig{Endpoint: srv.URL, RetryInitial: time.Millisecond}, srv.Client())
	_, err := m.CreatePayment(context.Background(), CreateRequest{OrderNumber: "SE1", Amount: decimal.NewFromInt(1000)})
	if !errors.Is(err, apperr.ErrGatewayError) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("business rejection must not be retried, calls = %d", calls.Load())
	}
}

func signedMoMoIPN(m *MoMo, order string, amount int64, code int) momoResult {
	r := momoResult{
		PartnerCode: m.cfg.PartnerCode, OrderID: order, RequestID: "req-1", Amount: amount,
		OrderInfo: "session", OrderType: "momo_wallet", TransID: 4088878653, ResultCode: code,
		Message: "Successful.", PayType: "qr", ResponseTime: 1715747400000,
	}
	r.Signature = hmacSHA256(m.cfg.SecretKey, r.canonical(m.cfg.AccessKey))
	return r
}

func TestMoMoParseCallback(t *testing.T) {
	m := NewMoMo(MoMoConfig{PartnerCode: "MOMO", AccessKey: "ak", SecretKey: "sk"}, nil)
	ctx := context.Background()

	body, _ := json.Marshal(signedMoMoIPN(m, "SE1", 140000, 0))
	cb, err := m.ParseCallback(ctx, Inbound{Kind: KindNotify, Body: body})
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if !cb.Success || cb.OrderNumber != "SE1" || !cb.Amount.Equal(decimal.NewFromInt(140000)) || cb.GatewayTxID != "4088878653" {
		t.Fatalf("unexpected callback %+v", cb)
	}

	tampered := signedMoMoIPN(m, "SE1", 140000, 0)
	tampered.Amount = 1
	body, _ = json.Marshal(tampered)
	if _, err := m.ParseCallback(ctx, Inbound{Kind: KindNotify, Body: body}); !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	r := signedMoMoIPN(m, "SE2", 5000, 1006)
	q := url.Values{}
	q.Set("partnerCode", r.PartnerCode)
	q.Set("orderId", r.OrderID)
	q.Set("requestId", r.RequestID)
	q.Set("amount", strconv.FormatInt(r.Amount, 10))
	q.Set("orderInfo", r.OrderInfo)
	q.Set("orderType", r.OrderType)
	q.Set("transId", strconv.FormatInt(r.TransID, 10))
	q.Set("resultCode", strconv.Itoa(r.ResultCode))
	q.Set("message", r.Message)
	q.Set("payType", r.PayType)
	q.Set("responseTime", strconv.FormatInt(r.ResponseTime, 10))
	q.Set("signature", r.Signature)
	cb, err = m.ParseCallback(ctx, Inbound{Kind: KindReturn, Query: q})
	if err != nil || cb.Success || cb.OrderNumber != "SE2" {
		t.Fatalf("return leg: %+v %v", cb, err)
	}

	if reply := m.Acknowledge(AckOK); reply.Status != http.StatusNoContent {
		t.Fatalf("ack status = %d, want 204", reply.Status)
	}
	if reply := m.Acknowledge(AckInvalidSignature); reply.Status != http.StatusBadRequest {
		t.Fatalf("invalid signature ack status = %d, want 400", reply.Status)
	}
}

func TestMockRoundTrip(t *testing.T) {
	m := NewMock(MockConfig{Secret: "mock-secret", PayURL: "http://localhost:8080/mock/pay"})
	ctx := context.Background()

	out, err := m.CreatePayment(ctx, CreateRequest{OrderNumber: "TU1", Amount: decimal.NewFromInt(50000)})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	u, _ := url.Parse(out.RedirectURL)
	if u.Query().Get("orderId") != "TU1" || u.Query().Get("signature") == "" {
		t.Fatalf("unexpected redirect %s", out.RedirectURL)
	}

	q := m.SignCallback("TU1", decimal.NewFromInt(50000), true, "mock-tx-1")
	cb, err := m.ParseCallback(ctx, Inbound{Kind: KindNotify, Body: []byte(q.Encode())})
	if err != nil || !cb.Success || !cb.Amount.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("ParseCallback: %+v %v", cb, err)
	}

	q.Set("status", "failed")
	if _, err := m.ParseCallback(ctx, Inbound{Kind: KindReturn, Query: q}); !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestStripeCreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("client_reference_id"); got != "SE1" {
			t.Errorf("client_reference_id = %q", got)
		}
		if got := r.PostForm.Get("line_items[0][price_data][unit_amount]"); got != "140000" {
			t.Errorf("unit_amount = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)
	}))
	defer srv.Close()

	s := NewStripe(StripeConfig{SecretKey: "sk_test_123", SuccessURL: "https://evpay.example/ok", CancelURL: "https://evpay.example/cancel", APIURL: srv.URL}, srv.Client())
	out, err := s.CreatePayment(context.Background(), CreateRequest{OrderNumber: "SE1", Amount: decimal.NewFromInt(140000), Description: "Charging session 7"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if out.RedirectURL != "https://checkout.stripe.com/c/pay/cs_test_1" || out.Reference != "cs_test_1" {
		t.Fatalf("unexpected checkout %+v", out)
	}
}

func stripeEvent(eventType, order, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "type": %q,
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "client_reference_id": %q,
    "amount_total": 140000,
    "currency": "vnd",
    "payment_status": %q,
    "payment_intent": "pi_123"
  }}
}`, eventType, order, paymentStatus))
}

func TestStripeWebhook(t *testing.T) {
	const secret = "whsec_test"
	s := NewStripe(StripeConfig{SecretKey: "sk_test_123", WebhookSecret: secret}, nil)
	ctx := context.Background()

	sign := func(payload []byte) http.Header {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
		h := http.Header{}
		h.Set(stripeSignatureHeader, signed.Header)
		return h
	}

	payload := stripeEvent("checkout.session.completed", "SE1", "paid")
	cb, err := s.ParseCallback(ctx, Inbound{Kind: KindNotify, Body: payload, Header: sign(payload)})
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if !cb.Success || cb.OrderNumber != "SE1" || !cb.Amount.Equal(decimal.NewFromInt(140000)) || cb.GatewayTxID != "pi_123" {
		t.Fatalf("unexpected callback %+v", cb)
	}

	expired := stripeEvent("checkout.session.expired", "SE1", "unpaid")
	cb, err = s.ParseCallback(ctx, Inbound{Kind: KindNotify, Body: expired, Header: sign(expired)})
	if err != nil || cb.Success || cb.Ignore {
		t.Fatalf("expired session: %+v %v", cb, err)
	}

	other := stripeEvent("customer.created", "SE1", "paid")
	cb, err = s.ParseCallback(ctx, Inbound{Kind: KindNotify, Body: other, Header: sign(other)})
	if err != nil || !cb.Ignore {
		t.Fatalf("unrelated event must be ignored: %+v %v", cb, err)
	}

	headers := sign(payload)
	tampered := stripeEvent("checkout.session.completed", "SE2", "paid")
	if _, err := s.ParseCallback(ctx, Inbound{Kind: KindNotify, Body: tampered, Header: headers}); !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}
