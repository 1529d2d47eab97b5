// Package wallet is the append-only wallet ledger.
package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository"
)

// Entry describes one ledger movement. Amount must be positive; the sign comes from
// Credit or Debit.
type Entry struct {
	UserID      int64
	Amount      decimal.Decimal
	Type        models.WalletTxType
	Description string
	ReferenceID string
}

// Ledger applies credits and debits. Every mutation locks the account row, so two
// movements on one account are always applied one after the other.
type Ledger struct {
	store  repository.Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewLedger builds a ledger.
func NewLedger(store repository.Store, clk clock.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, clock: clk, logger: logger.Named("wallet")}
}

// GetBalance returns the cached balance.
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// Credit adds money in its own transaction.
func (l *Ledger) Credit(ctx context.Context, e Entry) (*models.WalletTransaction, error) {
	if e.Type == "" {
		e.Type = models.WalletTopUp
	}
	var out *models.WalletTransaction
	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = l.CreditTx(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet credited",
		zap.Int64("user_id", e.UserID), zap.String("amount", e.Amount.String()),
		zap.String("type", string(e.Type)), zap.String("balance_after", out.BalanceAfter.String()))
	return out, nil
}

// Debit removes money in its own transaction. It fails with ErrInsufficientFunds and
// changes nothing when the balance is short.
func (l *Ledger) Debit(ctx context.Context, e Entry) (*models.WalletTransaction, error) {
	if e.Type == "" {
		e.Type = models.WalletDebit
	}
	var out *models.WalletTransaction
	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = l.DebitTx(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet debited",
		zap.Int64("user_id", e.UserID), zap.String("amount", e.Amount.String()),
		zap.String("type", string(e.Type)), zap.String("balance_after", out.BalanceAfter.String()))
	return out, nil
}

// CreditTx credits inside the caller's transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx repository.Tx, e Entry) (*models.WalletTransaction, error) {
	if e.Type == "" {
		e.Type = models.WalletTopUp
	}
	return l.apply(ctx, tx, e, e.Amount)
}

// DebitTx debits inside the caller's transaction.
func (l *Ledger) DebitTx(ctx context.Context, tx repository.Tx, e Entry) (*models.WalletTransaction, error) {
	if e.Type == "" {
		e.Type = models.WalletDebit
	}
	return l.apply(ctx, tx, e, e.Amount.Neg())
}

func (l *Ledger) apply(ctx context.Context, tx repository.Tx, e Entry, signed decimal.Decimal) (*models.WalletTransaction, error) {
	if !e.Amount.IsPositive() {
		return nil, apperr.Invalid("wallet amount must be positive, got %s", e.Amount.String())
	}
	acc, err := tx.LockAccount(ctx, e.UserID)
	if err != nil {
		return nil, err
	}

	next := acc.Balance.Add(signed)
	if next.IsNegative() {
		return nil, fmt.Errorf("user %d balance %s, debit %s: %w",
			e.UserID, acc.Balance.String(), e.Amount.String(), apperr.ErrInsufficientFunds)
	}
	if err := tx.SetAccountBalance(ctx, e.UserID, next); err != nil {
		return nil, err
	}

	row := &models.WalletTransaction{
		ID:           uuid.NewString(),
		UserID:       e.UserID,
		Amount:       signed,
		Type:         e.Type,
		Description:  e.Description,
		ReferenceID:  e.ReferenceID,
		BalanceAfter: next,
		CreatedAt:    l.clock.Now(),
	}
	if err := tx.InsertWalletTransaction(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// History returns the newest ledger rows first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]models.WalletTransaction, error) {
	if _, err := l.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.WalletHistory(ctx, userID, limit)
}

// Audit is the result of replaying an account's ledger.
type Audit struct {
	UserID        int64           `json:"user_id"`
	Transactions  int             `json:"transactions"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	LedgerSum     decimal.Decimal `json:"ledger_sum"`
	Consistent    bool            `json:"consistent"`
	// BrokenAt is the id of the first row whose balance_after does not match the running sum.
	BrokenAt string `json:"broken_at,omitempty"`
}

// Verify replays the ledger and checks the balance_after chain against the cached balance.
// The chain starts from the balance the account held before its first recorded row.
func (l *Ledger) Verify(ctx context.Context, userID int64) (*Audit, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows, err := l.store.WalletLedger(ctx, userID)
	if err != nil {
		return nil, err
	}

	audit := &Audit{UserID: userID, Transactions: len(rows), CachedBalance: acc.Balance, LedgerSum: decimal.Zero, Consistent: true}
	if len(rows) == 0 {
		return audit, nil
	}

	running := rows[0].BalanceAfter.Sub(rows[0].Amount)
	for _, row := range rows {
		running = running.Add(row.Amount)
		audit.LedgerSum = audit.LedgerSum.Add(row.Amount)
		if !running.Equal(row.BalanceAfter) && audit.BrokenAt == "" {
			audit.BrokenAt = row.ID
			audit.Consistent = false
		}
	}
	if !running.Equal(acc.Balance) {
		audit.Consistent = false
	}
	if !audit.Consistent {
		l.logger.Error("wallet ledger inconsistent",
			zap.Int64("user_id", userID), zap.String("cached", acc.Balance.String()),
			zap.String("replayed", running.String()), zap.String("broken_at", audit.BrokenAt))
	}
	return audit, nil
}
