// Package gateway adapts external payment providers to one redirect-and-callback shape.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// CallbackKind separates the browser return from the server-to-server notify.
type CallbackKind string

const (
	KindReturn CallbackKind = "return"
	KindNotify CallbackKind = "notify"
)

// CreateRequest asks a provider for a payment page.
type CreateRequest struct {
	OrderNumber string
	Amount      decimal.Decimal
	Description string
	ClientIP    string
}

// Checkout is the provider's answer to CreateRequest.
type Checkout struct {
	RedirectURL string
	// Reference is the provider's own id for the checkout, when it issues one.
	Reference string
}

// Inbound is a raw callback as received over HTTP.
type Inbound struct {
	Kind   CallbackKind
	Query  url.Values
	Body   []byte
	Header http.Header
}

// Callback is a verified provider report.
type Callback struct {
	OrderNumber string
	Success     bool
	// Amount is zero when the provider does not echo it.
	Amount      decimal.Decimal
	GatewayTxID string
	Message     string
	// Ignore marks verified events that carry no payment outcome.
	Ignore bool
}

// Ack classifies how a callback was handled, for the provider's acknowledgement.
type Ack int

const (
	AckOK Ack = iota
	AckReplayed
	AckNotFound
	AckInvalidSignature
	AckInvalidAmount
	AckError
)

// Reply is the exact HTTP response a provider expects.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

// Adapter is one payment provider.
type Adapter interface {
	Method() models.PaymentMethod
	// AmountPlaces is the number of decimal places the provider charges in.
	AmountPlaces() int32
	CreatePayment(ctx context.Context, req CreateRequest) (*Checkout, error)
	// ParseCallback verifies and decodes a callback. It returns apperr.ErrInvalidSignature
	// when the signature does not match and never mutates anything.
	ParseCallback(ctx context.Context, in Inbound) (*Callback, error)
	Acknowledge(ack Ack) Reply
}

// Registry maps methods to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.PaymentMethod]Adapter
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.PaymentMethod]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Method()] = a
	r.mu.Unlock()
}

// Get returns the adapter for method.
func (r *Registry) Get(method models.PaymentMethod) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[method]
	if !ok {
		return nil, apperr.Invalid("payment method %q is not enabled", method)
	}
	return a, nil
}

// Methods lists the enabled gateway methods in name order.
func (r *Registry) Methods() []models.PaymentMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PaymentMethod, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ChargeableAmount rounds amount to what the provider actually charges.
func ChargeableAmount(a Adapter, amount decimal.Decimal) decimal.Decimal {
	return amount.Round(a.AmountPlaces())
}

func gatewayErr(provider string, err error) error {
	return fmt.Errorf("%s: %v: %w", provider, err, apperr.ErrGatewayError)
}

func jsonReply(status int, body string) Reply {
	return Reply{Status: status, ContentType: "application/json", Body: []byte(body)}
}
