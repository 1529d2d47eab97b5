// Package repository defines the storage contracts of the charging core.
//
// Every mutation runs inside Store.InTx. Lock* methods take an exclusive row lock that is
// held until the transaction ends, which is what serializes transitions on one session,
// one payment, or one wallet account. Implementations return apperr.ErrNotFound for
// missing rows and apperr.ErrConflict for uniqueness violations.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/models"
)

// Reader holds the read-only queries.
type Reader interface {
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	ListSessionsByDriver(ctx context.Context, driverID int64, limit int) ([]models.Session, error)
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	ListSessionLogs(ctx context.Context, sessionID int64) ([]models.SessionLog, error)
	LatestSessionLog(ctx context.Context, sessionID int64) (*models.SessionLog, error)

	GetPoint(ctx context.Context, id int64) (*models.ChargingPoint, error)
	GetAccount(ctx context.Context, userID int64) (*models.Account, error)

	// WalletHistory returns the newest rows first.
	WalletHistory(ctx context.Context, userID int64, limit int) ([]models.WalletTransaction, error)
	// WalletLedger returns every row in commit order.
	WalletLedger(ctx context.Context, userID int64) ([]models.WalletTransaction, error)

	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByOrderNumber(ctx context.Context, orderNumber string) (*models.Payment, error)
	ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error)
	GetInvoiceByPayment(ctx context.Context, paymentID string) (*models.Invoice, error)
}

// Tx is a unit of work.
type Tx interface {
	Reader

	LockSession(ctx context.Context, id int64) (*models.Session, error)
	// FindActiveSessionByDriver returns the driver's in_progress or paused session.
	FindActiveSessionByDriver(ctx context.Context, driverID int64) (*models.Session, error)
	InsertSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	InsertSessionLog(ctx context.Context, l *models.SessionLog) error

	LockPoint(ctx context.Context, id int64) (*models.ChargingPoint, error)
	SetPointStatus(ctx context.Context, id int64, status models.PointStatus) error
	UpdatePointPrice(ctx context.Context, id int64, price decimal.Decimal) error

	LockAccount(ctx context.Context, userID int64) (*models.Account, error)
	SetAccountBalance(ctx context.Context, userID int64, balance decimal.Decimal) error
	InsertWalletTransaction(ctx context.Context, t *models.WalletTransaction) error

	LockPayment(ctx context.Context, id string) (*models.Payment, error)
	// FindSuccessPayment returns the successful settlement of a session.
	FindSuccessPayment(ctx context.Context, sessionID int64) (*models.Payment, error)
	// FindDepositPayment returns the successful deposit of a reservation.
	FindDepositPayment(ctx context.Context, reservationID int64) (*models.Payment, error)
	InsertPayment(ctx context.Context, p *models.Payment) error
	// TransitionPayment moves a payment from one status to another and reports whether
	// the row was in the expected status.
	TransitionPayment(ctx context.Context, id string, from, to models.PaymentStatus, gatewayTxID string) (bool, error)
	SetPaymentRedirect(ctx context.Context, id, redirectURL string) error

	FindInvoiceByNumber(ctx context.Context, number string) (*models.Invoice, error)
	InsertInvoice(ctx context.Context, inv *models.Invoice) error
}

// Store is the transactional entry point.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Seeder upserts rows owned by external directories (stations, users).
type Seeder interface {
	UpsertPoint(ctx context.Context, p *models.ChargingPoint) error
	UpsertAccount(ctx context.Context, a *models.Account) error
}
