package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/wallet"
)

// WalletHandler serves balance, history and staff adjustments.
type WalletHandler struct {
	ledger *wallet.Ledger
	logger *zap.Logger
}

// NewWalletHandler builds handler set.
func NewWalletHandler(ledger *wallet.Ledger, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{ledger: ledger, logger: logger.Named("http.wallet")}
}

// HandleBalance handles GET /wallet/balance.
func (h *WalletHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), c.ID)
	if err != nil {
		writeAppError(w, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": c.ID, "balance": balance})
}

// HandleHistory handles GET /wallet/history.
func (h *WalletHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	list, err := h.ledger.History(r.Context(), c.ID, queryLimit(r, 50, 500))
	if err != nil {
		writeAppError(w, h.logger, "wallet history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": list})
}

// HandleVerify handles GET /admin/wallets/{user}/verify. Staff only.
func (h *WalletHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	userID, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	audit, err := h.ledger.Verify(r.Context(), userID)
	if err != nil {
		writeAppError(w, h.logger, "verify wallet", err)
		return
	}
	if !audit.Consistent {
		h.logger.Error("wallet ledger inconsistent", zap.Int64("user_id", userID), zap.String("broken_at", audit.BrokenAt))
	}
	writeJSON(w, http.StatusOK, audit)
}

type adjustRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// HandleCredit handles POST /admin/wallets/{user}/credit. Staff only.
func (h *WalletHandler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, true)
}

// HandleDebit handles POST /admin/wallets/{user}/debit. Staff only.
func (h *WalletHandler) HandleDebit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, false)
}

func (h *WalletHandler) adjust(w http.ResponseWriter, r *http.Request, credit bool) {
	c, ok := requireStaff(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry := wallet.Entry{
		UserID:      userID,
		Amount:      req.Amount,
		Type:        models.WalletManual,
		Description: req.Description,
	}
	var (
		wt  *models.WalletTransaction
		err error
	)
	if credit {
		wt, err = h.ledger.Credit(r.Context(), entry)
	} else {
		wt, err = h.ledger.Debit(r.Context(), entry)
	}
	if err != nil {
		writeAppError(w, h.logger, "manual wallet adjustment", err)
		return
	}
	h.logger.Info("manual wallet adjustment",
		zap.Int64("user_id", userID),
		zap.Int64("staff_id", c.ID),
		zap.Bool("credit", credit),
		zap.String("amount", req.Amount.String()),
	)
	writeJSON(w, http.StatusOK, wt)
}
