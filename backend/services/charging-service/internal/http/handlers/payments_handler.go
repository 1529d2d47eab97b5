package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/payment"
	"evpay/backend/services/charging-service/internal/payment/gateway"
)

// PaymentsHandler serves settlement, top-ups, deposits and provider callbacks.
type PaymentsHandler struct {
	orch   *payment.Orchestrator
	logger *zap.Logger
}

// NewPaymentsHandler builds handler set.
func NewPaymentsHandler(orch *payment.Orchestrator, logger *zap.Logger) *PaymentsHandler {
	return &PaymentsHandler{orch: orch, logger: logger.Named("http.payments")}
}

type payRequest struct {
	Method models.PaymentMethod `json:"method"`
}

// HandlePaySession handles POST /sessions/{id}/pay.
func (h *PaymentsHandler) HandlePaySession(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req payRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		res *payment.Result
		err error
	)
	switch method := normalizeMethod(req.Method); method {
	case models.MethodWallet:
		res, err = h.orch.SettleWallet(r.Context(), id, c.ID)
	case models.MethodCash:
		res, err = h.orch.SettleCash(r.Context(), id, c.ID)
	case "":
		writeError(w, http.StatusBadRequest, "method is required")
		return
	default:
		res, err = h.orch.InitiateGateway(r.Context(), payment.GatewayInput{
			SessionID: id,
			UserID:    c.ID,
			Method:    method,
			ClientIP:  clientIP(r),
		})
	}
	if err != nil {
		writeAppError(w, h.logger, "pay session", err)
		return
	}
	writeResult(w, res)
}

type amountRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Method models.PaymentMethod `json:"method"`
}

// HandleTopUp handles POST /wallet/topup.
func (h *PaymentsHandler) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.orch.InitiateTopUp(r.Context(), payment.TopUpInput{
		UserID:   c.ID,
		Amount:   req.Amount,
		Method:   normalizeMethod(req.Method),
		ClientIP: clientIP(r),
	})
	if err != nil {
		writeAppError(w, h.logger, "top up", err)
		return
	}
	writeResult(w, res)
}

// HandleDeposit handles POST /reservations/{id}/deposit.
func (h *PaymentsHandler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.orch.PayDeposit(r.Context(), payment.DepositInput{
		UserID:        c.ID,
		ReservationID: id,
		Amount:        req.Amount,
		Method:        normalizeMethod(req.Method),
		ClientIP:      clientIP(r),
	})
	if err != nil {
		writeAppError(w, h.logger, "pay deposit", err)
		return
	}
	writeResult(w, res)
}

// HandleGetPayment handles GET /payments/{id}.
func (h *PaymentsHandler) HandleGetPayment(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	p, err := h.orch.GetPayment(r.Context(), r.PathValue("id"), ownerFilter(c))
	if err != nil {
		writeAppError(w, h.logger, "get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleGetInvoice handles GET /payments/{id}/invoice.
func (h *PaymentsHandler) HandleGetInvoice(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	inv, err := h.orch.GetInvoice(r.Context(), r.PathValue("id"), ownerFilter(c))
	if err != nil {
		writeAppError(w, h.logger, "get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// HandleReturn handles GET /payments/{gateway}/return, the browser redirect leg.
func (h *PaymentsHandler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, gateway.KindReturn)
}

// HandleNotify handles POST|GET /payments/{gateway}/notify, the server-to-server leg.
func (h *PaymentsHandler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, gateway.KindNotify)
}

// callback is unauthenticated: the provider signature is the only credential.
func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request, kind gateway.CallbackKind) {
	method := normalizeMethod(models.PaymentMethod(r.PathValue("gateway")))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	out, err := h.orch.HandleCallback(r.Context(), method, gateway.Inbound{
		Kind:   kind,
		Query:  r.URL.Query(),
		Body:   body,
		Header: r.Header,
	})
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrInvalidSignature):
		h.logger.Warn("callback signature rejected", zap.String("gateway", string(method)), zap.String("remote", clientIP(r)))
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalidInput):
		h.logger.Warn("callback rejected", zap.String("gateway", string(method)), zap.Error(err))
	default:
		h.logger.Error("callback failed", zap.String("gateway", string(method)), zap.Error(err))
	}

	reply, rerr := h.orch.Acknowledge(method, out, err)
	if rerr != nil {
		writeAppError(w, h.logger, "acknowledge callback", rerr)
		return
	}
	if reply.ContentType != "" {
		w.Header().Set("Content-Type", reply.ContentType)
	}
	w.WriteHeader(reply.Status)
	if len(reply.Body) > 0 {
		_, _ = w.Write(reply.Body)
	}
}

func writeResult(w http.ResponseWriter, res *payment.Result) {
	status := http.StatusCreated
	switch {
	case res.AlreadyPaid:
		status = http.StatusOK
	case res.Payment != nil && res.Payment.Status == models.PaymentPending:
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func normalizeMethod(m models.PaymentMethod) models.PaymentMethod {
	return models.PaymentMethod(strings.ToLower(strings.TrimSpace(string(m))))
}

// ownerFilter lets staff read any payment.
func ownerFilter(c caller) int64 {
	if c.staff() {
		return 0
	}
	return c.ID
}
