package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v75"
	checkoutsession "github.com/stripe/stripe-go/v75/checkout/session"
	"github.com/stripe/stripe-go/v75/webhook"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	stripeOrderKey        = "order_number"
)

// StripeConfig holds Checkout credentials.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// Currency defaults to vnd, which Stripe treats as zero-decimal.
	Currency string
	// APIURL overrides the Stripe API base, for tests.
	APIURL string
}

// Stripe is the hosted Checkout adapter. Webhooks are authoritative; the return leg
// re-reads the checkout session from the API since it carries no signature.
type Stripe struct {
	cfg      StripeConfig
	sessions checkoutsession.Client
}

// NewStripe builds the adapter with its own API backend, leaving stripe.Key untouched.
func NewStripe(cfg StripeConfig, httpClient HTTPDoer) *Stripe {
	if cfg.Currency == "" {
		cfg.Currency = "vnd"
	}
	backendCfg := &stripe.BackendConfig{
		LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	if c, ok := httpClient.(*http.Client); ok {
		backendCfg.HTTPClient = c
	}
	return &Stripe{
		cfg:      cfg,
		sessions: checkoutsession.Client{B: stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg), Key: cfg.SecretKey},
	}
}

// Method implements Adapter.
func (s *Stripe) Method() models.PaymentMethod { return models.MethodStripe }

// CreatePayment opens a Checkout session for a single line item.
func (s *Stripe) CreatePayment(_ context.Context, req CreateRequest) (*Checkout, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("stripe amount must be positive")
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(req.OrderNumber),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.cfg.Currency),
				UnitAmount: stripe.Int64(s.minorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.AddMetadata(stripeOrderKey, req.OrderNumber)

	cs, err := s.sessions.New(params)
	if err != nil {
		return nil, gatewayErr("stripe", err)
	}
	return &Checkout{RedirectURL: cs.URL, Reference: cs.ID}, nil
}

// ParseCallback implements Adapter.
func (s *Stripe) ParseCallback(_ context.Context, in Inbound) (*Callback, error) {
	if in.Kind == KindReturn {
		return s.fromReturn(in)
	}

	event, err := webhook.ConstructEventWithOptions(in.Body, in.Header.Get(stripeSignatureHeader), s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, apperr.ErrInvalidSignature
	}

	var success bool
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		success = true
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		success = false
	default:
		return &Callback{Ignore: true, Message: string(event.Type)}, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, apperr.Invalid("stripe event %s: %v", event.ID, err)
	}
	if event.Type == "checkout.session.completed" && cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed methods report completion before the money arrives.
		return &Callback{Ignore: true, Message: "awaiting async payment"}, nil
	}
	return s.callback(&cs, success, string(event.Type))
}

func (s *Stripe) fromReturn(in Inbound) (*Callback, error) {
	id := in.Query.Get("session_id")
	if id == "" {
		return nil, apperr.Invalid("stripe return without session_id")
	}
	cs, err := s.sessions.Get(id, nil)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, apperr.NotFound("checkout session", id)
		}
		return nil, gatewayErr("stripe", err)
	}
	if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return &Callback{Ignore: true, Message: string(cs.PaymentStatus)}, nil
	}
	return s.callback(cs, true, "return")
}

func (s *Stripe) callback(cs *stripe.CheckoutSession, success bool, msg string) (*Callback, error) {
	order := cs.ClientReferenceID
	if order == "" {
		order = cs.Metadata[stripeOrderKey]
	}
	if order == "" {
		return nil, apperr.Invalid("stripe checkout %s without order reference", cs.ID)
	}
	txID := cs.ID
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		txID = cs.PaymentIntent.ID
	}
	return &Callback{
		OrderNumber: order,
		Success:     success,
		Amount:      s.majorUnits(cs.AmountTotal),
		GatewayTxID: txID,
		Message:     msg,
	}, nil
}

var zeroDecimal = map[string]bool{"vnd": true, "jpy": true, "krw": true}

// AmountPlaces implements Adapter.
func (s *Stripe) AmountPlaces() int32 {
	if zeroDecimal[strings.ToLower(s.cfg.Currency)] {
		return 0
	}
	return 2
}

func (s *Stripe) minorUnits(amount decimal.Decimal) int64 {
	if zeroDecimal[strings.ToLower(s.cfg.Currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func (s *Stripe) majorUnits(amount int64) decimal.Decimal {
	if zeroDecimal[strings.ToLower(s.cfg.Currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

// Acknowledge implements Adapter. Stripe retries anything outside 2xx.
func (s *Stripe) Acknowledge(ack Ack) Reply {
	switch ack {
	case AckOK, AckReplayed, AckNotFound, AckInvalidAmount:
		return jsonReply(http.StatusOK, `{"received":true}`)
	case AckInvalidSignature:
		return jsonReply(http.StatusBadRequest, `{"error":"invalid signature"}`)
	default:
		return jsonReply(http.StatusInternalServerError, `{"error":"internal error"}`)
	}
}
