package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
)

const (
	vnpVersion    = "2.1.0"
	vnpDateLayout = "20060102150405"
	vnpHashField  = "vnp_SecureHash"
	vnpHashType   = "vnp_SecureHashType"
	vnpSuccess    = "00"
)

// VNPayConfig holds merchant credentials.
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	Locale     string
	// ExpireAfter bounds how long the payment page stays valid.
	ExpireAfter time.Duration
	Location    *time.Location
}

// VNPay is the card gateway adapter. Amounts travel in minor units (x100) and every
// parameter set is signed with HMAC-SHA512 over the sorted, url-encoded query.
type VNPay struct {
	cfg   VNPayConfig
	clock clock.Clock
}

// NewVNPay builds the adapter.
func NewVNPay(cfg VNPayConfig, clk clock.Clock) *VNPay {
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("ICT", 7*3600)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &VNPay{cfg: cfg, clock: clk}
}

// Method implements Adapter.
func (v *VNPay) Method() models.PaymentMethod { return models.MethodVNPay }

// CreatePayment builds the signed redirect URL. No network call is involved.
func (v *VNPay) CreatePayment(_ context.Context, req CreateRequest) (*Checkout, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("vnpay amount must be positive")
	}
	now := v.clock.Now().In(v.cfg.Location)
	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	params := url.Values{}
	params.Set("vnp_Version", vnpVersion)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", v.cfg.TmnCode)
	params.Set("vnp_Amount", req.Amount.Mul(decimal.NewFromInt(100)).Round(0).String())
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", req.OrderNumber)
	params.Set("vnp_OrderInfo", req.Description)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Locale", v.cfg.Locale)
	params.Set("vnp_ReturnUrl", v.cfg.ReturnURL)
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_CreateDate", now.Format(vnpDateLayout))
	params.Set("vnp_ExpireDate", now.Add(v.cfg.ExpireAfter).Format(vnpDateLayout))

	query := canonicalQuery(params)
	signed := query + "&" + vnpHashField + "=" + hmacSHA512(v.cfg.HashSecret, query)
	return &Checkout{RedirectURL: strings.TrimRight(v.cfg.PayURL, "?") + "?" + signed}, nil
}

// ParseCallback implements Adapter. Return and IPN carry the same signed query.
func (v *VNPay) ParseCallback(_ context.Context, in Inbound) (*Callback, error) {
	q := in.Query
	got := q.Get(vnpHashField)
	if got == "" || !equalHex(got, hmacSHA512(v.cfg.HashSecret, canonicalQuery(q, vnpHashField, vnpHashType))) {
		return nil, apperr.ErrInvalidSignature
	}
	if q.Get("vnp_TxnRef") == "" {
		return nil, apperr.Invalid("vnpay callback without vnp_TxnRef")
	}

	amount := decimal.Zero
	if raw := q.Get("vnp_Amount"); raw != "" {
		minor, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, apperr.Invalid("vnpay amount %q", raw)
		}
		amount = minor.Div(decimal.NewFromInt(100))
	}
	status := q.Get("vnp_TransactionStatus")
	return &Callback{
		OrderNumber: q.Get("vnp_TxnRef"),
		Success:     q.Get("vnp_ResponseCode") == vnpSuccess && (status == "" || status == vnpSuccess),
		Amount:      amount,
		GatewayTxID: q.Get("vnp_TransactionNo"),
		Message:     q.Get("vnp_ResponseCode"),
	}, nil
}

// AmountPlaces implements Adapter.
func (v *VNPay) AmountPlaces() int32 { return 2 }

// Acknowledge implements Adapter. VNPay always expects 200 with an RspCode envelope.
func (v *VNPay) Acknowledge(ack Ack) Reply {
	switch ack {
	case AckOK:
		return jsonReply(http.StatusOK, `{"RspCode":"00","Message":"Confirm Success"}`)
	case AckReplayed:
		return jsonReply(http.StatusOK, `{"RspCode":"02","Message":"Order already confirmed"}`)
	case AckNotFound:
		return jsonReply(http.StatusOK, `{"RspCode":"01","Message":"Order not found"}`)
	case AckInvalidAmount:
		return jsonReply(http.StatusOK, `{"RspCode":"04","Message":"Invalid amount"}`)
	case AckInvalidSignature:
		return jsonReply(http.StatusOK, `{"RspCode":"97","Message":"Invalid signature"}`)
	default:
		return jsonReply(http.StatusOK, `{"RspCode":"99","Message":"Unknown error"}`)
	}
}
