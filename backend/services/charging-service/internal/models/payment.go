package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod selects the settlement channel.
type PaymentMethod string

const (
	MethodWallet PaymentMethod = "wallet"
	MethodCash   PaymentMethod = "cash"
	MethodMoMo   PaymentMethod = "momo"
	MethodVNPay  PaymentMethod = "vnpay"
	MethodMock   PaymentMethod = "mock"
	MethodStripe PaymentMethod = "stripe"
)

// External reports whether the method settles through a redirect gateway.
func (m PaymentMethod) External() bool {
	switch m {
	case MethodMoMo, MethodVNPay, MethodMock, MethodStripe:
		return true
	}
	return false
}

// PaymentStatus is the payment state; only pending may transition.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// PaymentPurpose says what a payment settles.
type PaymentPurpose string

const (
	PurposeSession PaymentPurpose = "session"
	PurposeDeposit PaymentPurpose = "deposit"
	PurposeTopUp   PaymentPurpose = "topup"
)

// Payment is a settlement attempt.
type Payment struct {
	ID            string          `db:"id" json:"id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	SessionID     *int64          `db:"session_id" json:"session_id,omitempty"`
	ReservationID *int64          `db:"reservation_id" json:"reservation_id,omitempty"`
	Purpose       PaymentPurpose  `db:"purpose" json:"purpose"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        PaymentMethod   `db:"method" json:"method"`
	Status        PaymentStatus   `db:"status" json:"status"`
	OrderNumber   string          `db:"order_number" json:"order_number"`
	GatewayTxID   string          `db:"gateway_tx_id" json:"gateway_tx_id,omitempty"`
	RedirectURL   string          `db:"redirect_url" json:"redirect_url,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Invoice is created once per successful payment.
type Invoice struct {
	ID        string          `db:"id" json:"id"`
	Number    string          `db:"number" json:"number"`
	PaymentID string          `db:"payment_id" json:"payment_id"`
	UserID    int64           `db:"user_id" json:"user_id"`
	SessionID *int64          `db:"session_id" json:"session_id,omitempty"`
	Total     decimal.Decimal `db:"total" json:"total"`
	Items     []InvoiceItem   `json:"items"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// InvoiceItem is one line on an invoice.
type InvoiceItem struct {
	ID          string          `db:"id" json:"id"`
	InvoiceID   string          `db:"invoice_id" json:"invoice_id"`
	SessionID   *int64          `db:"session_id" json:"session_id,omitempty"`
	Description string          `db:"description" json:"description"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
}

// InvoiceNumber derives the invoice number of an order.
func InvoiceNumber(orderNumber string) string {
	return "INV-" + orderNumber
}
