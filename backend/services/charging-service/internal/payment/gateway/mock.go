package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

// MockConfig configures the sandbox gateway.
type MockConfig struct {
	Secret    string
	PayURL    string
	ReturnURL string
}

// Mock is a sandbox gateway for development. It signs like the real providers do,
// with HMAC-SHA256 over the sorted query, so callbacks exercise the same checks.
type Mock struct {
	cfg MockConfig
}

// NewMock builds the sandbox adapter.
func NewMock(cfg MockConfig) *Mock {
	return &Mock{cfg: cfg}
}

// Method implements Adapter.
func (m *Mock) Method() models.PaymentMethod { return models.MethodMock }

// CreatePayment implements Adapter.
func (m *Mock) CreatePayment(_ context.Context, req CreateRequest) (*Checkout, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("mock amount must be positive")
	}
	params := url.Values{}
	params.Set("orderId", req.OrderNumber)
	params.Set("amount", req.Amount.StringFixed(2))
	params.Set("returnUrl", m.cfg.ReturnURL)
	query := canonicalQuery(params)
	return &Checkout{RedirectURL: strings.TrimRight(m.cfg.PayURL, "?") + "?" + query + "&signature=" + hmacSHA256(m.cfg.Secret, query)}, nil
}

// SignCallback produces the query the sandbox page posts back for an order.
func (m *Mock) SignCallback(orderNumber string, amount decimal.Decimal, success bool, txID string) url.Values {
	params := url.Values{}
	params.Set("orderId", orderNumber)
	params.Set("amount", amount.StringFixed(2))
	params.Set("transId", txID)
	params.Set("status", "failed")
	if success {
		params.Set("status", "success")
	}
	params.Set("signature", hmacSHA256(m.cfg.Secret, canonicalQuery(params)))
	return params
}

// ParseCallback implements Adapter. Notify may post the fields as a form body.
func (m *Mock) ParseCallback(_ context.Context, in Inbound) (*Callback, error) {
	q := in.Query
	if len(in.Body) > 0 {
		form, err := url.ParseQuery(string(in.Body))
		if err != nil {
			return nil, apperr.Invalid("mock callback body: %v", err)
		}
		q = form
	}
	got := q.Get("signature")
	if got == "" || !equalHex(got, hmacSHA256(m.cfg.Secret, canonicalQuery(q, "signature"))) {
		return nil, apperr.ErrInvalidSignature
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		return nil, apperr.Invalid("mock amount %q", q.Get("amount"))
	}
	if q.Get("orderId") == "" {
		return nil, apperr.Invalid("mock callback without orderId")
	}
	return &Callback{
		OrderNumber: q.Get("orderId"),
		Success:     q.Get("status") == "success",
		Amount:      amount,
		GatewayTxID: q.Get("transId"),
		Message:     q.Get("status"),
	}, nil
}

// AmountPlaces implements Adapter.
func (m *Mock) AmountPlaces() int32 { return 2 }

// Acknowledge implements Adapter.
func (m *Mock) Acknowledge(ack Ack) Reply {
	switch ack {
	case AckOK, AckReplayed:
		return jsonReply(http.StatusOK, `{"status":"ok"}`)
	case AckNotFound:
		return jsonReply(http.StatusNotFound, `{"status":"not_found"}`)
	case AckInvalidAmount:
		return jsonReply(http.StatusBadRequest, `{"status":"invalid_amount"}`)
	case AckInvalidSignature:
		return jsonReply(http.StatusUnauthorized, `{"status":"invalid_signature"}`)
	default:
		return jsonReply(http.StatusInternalServerError, `{"status":"error"}`)
	}
}
