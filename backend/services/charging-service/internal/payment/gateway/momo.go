package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

const momoCreatePath = "/v2/gateway/api/create"

// MoMoConfig holds partner credentials.
type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	RedirectURL string
	IPNURL      string
	RequestType string
	MaxTries    uint
	// RetryInitial is the first backoff interval between create attempts.
	RetryInitial time.Duration
}

// MoMo is the mobile-wallet adapter. Amounts are whole VND and signatures are
// HMAC-SHA256 over a fixed, alphabetical field list.
type MoMo struct {
	cfg    MoMoConfig
	client HTTPDoer
}

// NewMoMo builds the adapter.
func NewMoMo(cfg MoMoConfig, client HTTPDoer) *MoMo {
	if cfg.RequestType == "" {
		cfg.RequestType = "captureWallet"
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MoMo{cfg: cfg, client: client}
}

// Method implements Adapter.
func (m *MoMo) Method() models.PaymentMethod { return models.MethodMoMo }

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type momoCreateResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	RequestID  string `json:"requestId"`
}

// AmountPlaces implements Adapter. MoMo charges whole dong.
func (m *MoMo) AmountPlaces() int32 { return 0 }

// CreatePayment posts the create request, retrying transport failures and 5xx answers.
func (m *MoMo) CreatePayment(ctx context.Context, req CreateRequest) (*Checkout, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("momo amount must be positive")
	}
	body := momoCreateRequest{
		PartnerCode: m.cfg.PartnerCode,
		RequestID:   uuid.NewString(),
		Amount:      req.Amount.Round(0).IntPart(),
		OrderID:     req.OrderNumber,
		OrderInfo:   req.Description,
		RedirectURL: m.cfg.RedirectURL,
		IPNURL:      m.cfg.IPNURL,
		RequestType: m.cfg.RequestType,
		Lang:        "vi",
	}
	body.Signature = hmacSHA256(m.cfg.SecretKey, rawPairs(
		[2]string{"accessKey", m.cfg.AccessKey},
		[2]string{"amount", strconv.FormatInt(body.Amount, 10)},
		[2]string{"extraData", body.ExtraData},
		[2]string{"ipnUrl", body.IPNURL},
		[2]string{"orderId", body.OrderID},
		[2]string{"orderInfo", body.OrderInfo},
		[2]string{"partnerCode", body.PartnerCode},
		[2]string{"redirectUrl", body.RedirectURL},
		[2]string{"requestId", body.RequestID},
		[2]string{"requestType", body.RequestType},
	))
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.RetryInitial
	resp, err := backoff.Retry(ctx, func() (*momoCreateResponse, error) {
		return m.post(ctx, payload)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(m.cfg.MaxTries))
	if err != nil {
		return nil, gatewayErr("momo", err)
	}
	if resp.ResultCode != 0 || resp.PayURL == "" {
		return nil, gatewayErr("momo", fmt.Errorf("result %d: %s", resp.ResultCode, resp.Message))
	}
	return &Checkout{RedirectURL: resp.PayURL, Reference: body.RequestID}, nil
}

func (m *MoMo) post(ctx context.Context, payload []byte) (*momoCreateResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint+momoCreatePath, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("status %d", httpResp.StatusCode)
	}

	var out momoCreateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("status %d: decode: %w", httpResp.StatusCode, err))
	}
	return &out, nil
}

// momoResult is the IPN body and, as strings, the return query.
type momoResult struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

func (r momoResult) canonical(accessKey string) string {
	return rawPairs(
		[2]string{"accessKey", accessKey},
		[2]string{"amount", strconv.FormatInt(r.Amount, 10)},
		[2]string{"extraData", r.ExtraData},
		[2]string{"message", r.Message},
		[2]string{"orderId", r.OrderID},
		[2]string{"orderInfo", r.OrderInfo},
		[2]string{"orderType", r.OrderType},
		[2]string{"partnerCode", r.PartnerCode},
		[2]string{"payType", r.PayType},
		[2]string{"requestId", r.RequestID},
		[2]string{"responseTime", strconv.FormatInt(r.ResponseTime, 10)},
		[2]string{"resultCode", strconv.Itoa(r.ResultCode)},
		[2]string{"transId", strconv.FormatInt(r.TransID, 10)},
	)
}

// ParseCallback implements Adapter. The IPN is a JSON body; the return is a query string.
func (m *MoMo) ParseCallback(_ context.Context, in Inbound) (*Callback, error) {
	var r momoResult
	if in.Kind == KindNotify && len(in.Body) > 0 {
		if err := json.Unmarshal(in.Body, &r); err != nil {
			return nil, apperr.Invalid("momo ipn body: %v", err)
		}
	} else {
		parsed, err := momoFromQuery(in)
		if err != nil {
			return nil, err
		}
		r = parsed
	}

	if r.Signature == "" || !equalHex(r.Signature, hmacSHA256(m.cfg.SecretKey, r.canonical(m.cfg.AccessKey))) {
		return nil, apperr.ErrInvalidSignature
	}
	if r.OrderID == "" {
		return nil, apperr.Invalid("momo callback without orderId")
	}
	return &Callback{
		OrderNumber: r.OrderID,
		Success:     r.ResultCode == 0,
		Amount:      decimal.NewFromInt(r.Amount),
		GatewayTxID: strconv.FormatInt(r.TransID, 10),
		Message:     r.Message,
	}, nil
}

func momoFromQuery(in Inbound) (momoResult, error) {
	q := in.Query
	r := momoResult{
		PartnerCode: q.Get("partnerCode"),
		OrderID:     q.Get("orderId"),
		RequestID:   q.Get("requestId"),
		OrderInfo:   q.Get("orderInfo"),
		OrderType:   q.Get("orderType"),
		Message:     q.Get("message"),
		PayType:     q.Get("payType"),
		ExtraData:   q.Get("extraData"),
		Signature:   q.Get("signature"),
	}
	var err error
	ints := []struct {
		key string
		dst *int64
	}{{"amount", &r.Amount}, {"transId", &r.TransID}, {"responseTime", &r.ResponseTime}}
	for _, f := range ints {
		if *f.dst, err = strconv.ParseInt(q.Get(f.key), 10, 64); err != nil {
			return r, apperr.Invalid("momo %s %q", f.key, q.Get(f.key))
		}
	}
	code, err := strconv.Atoi(q.Get("resultCode"))
	if err != nil {
		return r, apperr.Invalid("momo resultCode %q", q.Get("resultCode"))
	}
	r.ResultCode = code
	return r, nil
}

// Acknowledge implements Adapter. MoMo treats 204 as receipt; anything else is retried.
func (m *MoMo) Acknowledge(ack Ack) Reply {
	switch ack {
	case AckOK, AckReplayed, AckNotFound, AckInvalidAmount:
		return Reply{Status: http.StatusNoContent}
	case AckInvalidSignature:
		return jsonReply(http.StatusBadRequest, `{"resultCode":97,"message":"invalid signature"}`)
	default:
		return jsonReply(http.StatusInternalServerError, `{"resultCode":99,"message":"internal error"}`)
	}
}
