package postgres

import (
	"context"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/models"
)

const accountColumns = `user_id, balance, tier, vip, custom_discount_rate, updated_at`

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.UserID, &a.Balance, &a.Tier, &a.VIP, &a.CustomDiscountRate, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r queries) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	a, err := scanAccount(r.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, notFoundOr(err, "account", userID)
	}
	return a, nil
}

func (t *tx) LockAccount(ctx context.Context, userID int64) (*models.Account, error) {
	a, err := scanAccount(t.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, notFoundOr(err, "account", userID)
	}
	return a, nil
}

func (t *tx) SetAccountBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx, `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1`, userID, balance)
	if err != nil {
		return mapWriteErr(err, "set balance")
	}
	return expectOne(res, "account", userID)
}

const walletColumns = `id, user_id, amount, type, description, reference_id, balance_after, created_at`

func (t *tx) InsertWalletTransaction(ctx context.Context, wt *models.WalletTransaction) error {
	const query = `
		INSERT INTO wallet_transactions (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.q.ExecContext(ctx, query,
		wt.ID, wt.UserID, wt.Amount, wt.Type, wt.Description, wt.ReferenceID, wt.BalanceAfter, wt.CreatedAt)
	return mapWriteErr(err, "insert wallet transaction")
}

func (r queries) WalletHistory(ctx context.Context, userID int64, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + walletColumns + ` FROM wallet_transactions WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`
	return r.listWallet(ctx, query, userID, limit)
}

func (r queries) WalletLedger(ctx context.Context, userID int64) ([]models.WalletTransaction, error) {
	const query = `SELECT ` + walletColumns + ` FROM wallet_transactions WHERE user_id = $1 ORDER BY seq`
	return r.listWallet(ctx, query, userID)
}

func (r queries) listWallet(ctx context.Context, query string, args ...any) ([]models.WalletTransaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WalletTransaction
	for rows.Next() {
		var wt models.WalletTransaction
		if err := rows.Scan(&wt.ID, &wt.UserID, &wt.Amount, &wt.Type, &wt.Description, &wt.ReferenceID, &wt.BalanceAfter, &wt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

// UpsertAccount persists an account coming from the user directory.
func (s *Store) UpsertAccount(ctx context.Context, a *models.Account) error {
	const query = `
		INSERT INTO accounts (user_id, balance, tier, vip, custom_discount_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			tier = EXCLUDED.tier,
			vip = EXCLUDED.vip,
			custom_discount_rate = EXCLUDED.custom_discount_rate,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, a.UserID, a.Balance, a.Tier, a.VIP, a.CustomDiscountRate)
	return err
}
