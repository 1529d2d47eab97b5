package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a membership level used for discounts.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Account is a driver's wallet and membership record.
type Account struct {
	UserID  int64           `db:"user_id" json:"user_id"`
	Balance decimal.Decimal `db:"balance" json:"balance"`
	Tier    Tier            `db:"tier" json:"tier"`
	VIP     bool            `db:"vip" json:"vip"`
	// CustomDiscountRate overrides the configured VIP rate when positive.
	CustomDiscountRate decimal.Decimal `db:"custom_discount_rate" json:"custom_discount_rate"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// WalletTxType classifies ledger rows.
type WalletTxType string

const (
	WalletTopUp  WalletTxType = "topup"
	WalletDebit  WalletTxType = "debit"
	WalletManual WalletTxType = "manual"
	WalletRefund WalletTxType = "refund"
)

// WalletTransaction is one append-only ledger row. Amount is signed.
type WalletTransaction struct {
	ID           string          `db:"id" json:"id"`
	UserID       int64           `db:"user_id" json:"user_id"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Type         WalletTxType    `db:"type" json:"type"`
	Description  string          `db:"description" json:"description"`
	ReferenceID  string          `db:"reference_id" json:"reference_id,omitempty"`
	BalanceAfter decimal.Decimal `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}
