package httpserver

import (
	"net/http"
	"strings"

	"evpay/backend/services/charging-service/internal/http/handlers"
)

// Routes groups handlers. Nil groups are not mounted.
type Routes struct {
	Sessions *handlers.SessionsHandler
	Payments *handlers.PaymentsHandler
	Wallet   *handlers.WalletHandler
	Points   *handlers.PointsHandler
	WS       http.HandlerFunc
	Health   http.HandlerFunc
}

// NewRouter registers endpoints.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	if h := routes.Sessions; h != nil {
		mux.Handle("/sessions", method(h.HandleStart, http.MethodPost))
		mux.Handle("/sessions/me", method(h.HandleListMine, http.MethodGet))
		mux.Handle("/sessions/active", method(h.HandleListActive, http.MethodGet))
		mux.Handle("/sessions/{id}", method(h.HandleGet, http.MethodGet))
		mux.Handle("/sessions/{id}/stop", method(h.HandleStop, http.MethodPost))
		mux.Handle("/sessions/{id}/pause", method(h.HandlePause, http.MethodPost))
		mux.Handle("/sessions/{id}/resume", method(h.HandleResume, http.MethodPost))
		mux.Handle("/sessions/{id}/emergency-stop", method(h.HandleEmergencyStop, http.MethodPost))
		mux.Handle("/sessions/{id}/telemetry", method(h.HandleIngest, http.MethodPost))
		mux.Handle("/sessions/{id}/estimate", method(h.HandleEstimate, http.MethodGet))
	}
	if h := routes.Payments; h != nil {
		mux.Handle("/sessions/{id}/pay", method(h.HandlePaySession, http.MethodPost))
		mux.Handle("/wallet/topup", method(h.HandleTopUp, http.MethodPost))
		mux.Handle("/reservations/{id}/deposit", method(h.HandleDeposit, http.MethodPost))
		mux.Handle("/payments/{id}", method(h.HandleGetPayment, http.MethodGet))
		mux.Handle("/payments/{id}/invoice", method(h.HandleGetInvoice, http.MethodGet))
		mux.Handle("/payments/{gateway}/return", method(h.HandleReturn, http.MethodGet))
		mux.Handle("/payments/{gateway}/notify", method(h.HandleNotify, http.MethodPost, http.MethodGet))
	}
	if h := routes.Wallet; h != nil {
		mux.Handle("/wallet/balance", method(h.HandleBalance, http.MethodGet))
		mux.Handle("/wallet/history", method(h.HandleHistory, http.MethodGet))
		mux.Handle("/admin/wallets/{user}/verify", method(h.HandleVerify, http.MethodGet))
		mux.Handle("/admin/wallets/{user}/credit", method(h.HandleCredit, http.MethodPost))
		mux.Handle("/admin/wallets/{user}/debit", method(h.HandleDebit, http.MethodPost))
	}
	if h := routes.Points; h != nil {
		mux.Handle("/points/{id}", method(h.HandleGet, http.MethodGet))
		mux.Handle("/points/{id}/price", method(h.HandleUpdatePrice, http.MethodPut))
		mux.Handle("/points/{id}/maintenance", method(h.HandleMaintenance, http.MethodPut))
	}
	if routes.WS != nil {
		mux.Handle("/ws/sessions", method(routes.WS, http.MethodGet))
	}
	if routes.Health != nil {
		mux.Handle("/health", method(routes.Health, http.MethodGet))
	}
	return mux
}

func method(handler http.HandlerFunc, allowed ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, m := range allowed {
			if r.Method == m {
				handler(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
