package httpserver

import (
	"net/http"
	"strings"

	"evpay/backend/services/api-gateway/internal/http/handlers"
	"evpay/backend/services/api-gateway/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Charging      *handlers.ChargingHandlers
	HealthHandler http.HandlerFunc
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps, authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", method(deps.HealthHandler, http.MethodGet))

	authenticated := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware)
	}
	staff := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware, middleware.RequireRole("staff", "admin"))
	}
	fwd := deps.Charging.Forward

	driverRoutes := []struct {
		pattern string
		methods []string
	}{
		{"/api/sessions", []string{http.MethodPost}},
		{"/api/sessions/me", []string{http.MethodGet}},
		{"/api/sessions/{id}", []string{http.MethodGet}},
		{"/api/sessions/{id}/stop", []string{http.MethodPost}},
		{"/api/sessions/{id}/estimate", []string{http.MethodGet}},
		{"/api/sessions/{id}/pay", []string{http.MethodPost}},
		{"/api/wallet/balance", []string{http.MethodGet}},
		{"/api/wallet/history", []string{http.MethodGet}},
		{"/api/wallet/topup", []string{http.MethodPost}},
		{"/api/reservations/{id}/deposit", []string{http.MethodPost}},
		{"/api/payments/{id}", []string{http.MethodGet}},
		{"/api/payments/{id}/invoice", []string{http.MethodGet}},
		{"/api/points/{id}", []string{http.MethodGet}},
	}
	for _, rt := range driverRoutes {
		mux.Handle(rt.pattern, method(authenticated(fwd).ServeHTTP, rt.methods...))
	}

	staffRoutes := []struct {
		pattern string
		methods []string
	}{
		{"/api/sessions/active", []string{http.MethodGet}},
		{"/api/sessions/{id}/pause", []string{http.MethodPost}},
		{"/api/sessions/{id}/resume", []string{http.MethodPost}},
		{"/api/sessions/{id}/emergency-stop", []string{http.MethodPost}},
		{"/api/admin/wallets/{user}/verify", []string{http.MethodGet}},
		{"/api/admin/wallets/{user}/credit", []string{http.MethodPost}},
		{"/api/admin/wallets/{user}/debit", []string{http.MethodPost}},
		{"/api/points/{id}/price", []string{http.MethodPut}},
		{"/api/points/{id}/maintenance", []string{http.MethodPut}},
	}
	for _, rt := range staffRoutes {
		mux.Handle(rt.pattern, method(staff(fwd).ServeHTTP, rt.methods...))
	}

	// Providers call these directly; the signature is their credential.
	mux.Handle("/api/payments/{gateway}/return", method(deps.Charging.Callback, http.MethodGet))
	mux.Handle("/api/payments/{gateway}/notify", method(deps.Charging.Callback, http.MethodPost, http.MethodGet))

	mux.Handle("/api/ws/sessions", method(authenticated(deps.Charging.Subscribe).ServeHTTP, http.MethodGet))

	return mux
}

func method(handler http.HandlerFunc, allowed ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range allowed {
			if r.Method == m {
				handler(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}
