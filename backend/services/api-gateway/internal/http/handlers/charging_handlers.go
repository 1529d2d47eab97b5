package handlers

import (
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"evpay/backend/services/api-gateway/internal/clients"
	"evpay/backend/services/api-gateway/internal/http/middleware"
)

const (
	apiPrefix    = "/api"
	maxBodyBytes = 1 << 20
)

// forwardedHeaders are copied from the client request to charging-service.
var forwardedHeaders = []string{"Content-Type", "Accept", "X-Request-ID", "Stripe-Signature"}

// ChargingHandlers proxies charging-service endpoints.
type ChargingHandlers struct {
	client *clients.ChargingClient
	ws     *httputil.ReverseProxy
	logger *zap.Logger
}

// NewChargingHandlers returns handler set. upstream is the charging-service base URL,
// used directly for websocket upgrades.
func NewChargingHandlers(client *clients.ChargingClient, upstream *url.URL, logger *zap.Logger) *ChargingHandlers {
	h := &ChargingHandlers{client: client, logger: logger}
	h.ws = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, apiPrefix)
			pr.Out.URL.RawPath = ""
			q := pr.Out.URL.Query()
			q.Del("access_token")
			pr.Out.URL.RawQuery = q.Encode()
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("X-User-ID")
			pr.Out.Header.Del("X-User-Role")
			if id, ok := middleware.UserIDFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set("X-User-ID", strconv.FormatInt(id, 10))
			}
			if role, ok := middleware.RoleFromContext(pr.In.Context()); ok && role != "" {
				pr.Out.Header.Set("X-User-Role", role)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("websocket proxy failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "charging service unavailable")
		},
	}
	return h
}

// Forward relays an authenticated call, replacing identity headers with the token's.
func (h *ChargingHandlers) Forward(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	role, _ := middleware.RoleFromContext(r.Context())

	req, ok := h.upstreamRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.client.Forward(r.Context(), clients.Identity{UserID: userID, Role: role}, req)
	if err != nil {
		h.logger.Error("charging proxy failed", zap.String("path", req.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "charging service unavailable")
		return
	}
	writeRaw(w, resp.Status, resp.ContentType, resp.Body)
}

// Callback relays unauthenticated payment provider callbacks with their raw body.
func (h *ChargingHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	req, ok := h.upstreamRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.client.Callback(r.Context(), req)
	if err != nil {
		h.logger.Error("callback proxy failed", zap.String("path", req.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "charging service unavailable")
		return
	}
	writeRaw(w, resp.Status, resp.ContentType, resp.Body)
}

// Subscribe upgrades /api/ws/sessions through to charging-service. The server-wide
// timeouts would otherwise cut the long-lived stream.
func (h *ChargingHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
	h.ws.ServeHTTP(w, r)
}

func (h *ChargingHandlers) upstreamRequest(w http.ResponseWriter, r *http.Request) (clients.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return clients.Request{}, false
	}
	headers := http.Header{}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			headers.Set(name, v)
		}
	}
	headers.Set("X-Forwarded-For", clientIP(r))
	return clients.Request{
		Method:  r.Method,
		Path:    strings.TrimPrefix(r.URL.Path, apiPrefix),
		Query:   r.URL.RawQuery,
		Body:    body,
		Headers: headers,
	}, true
}

// clientIP is the peer address. The gateway is the edge, so client-supplied
// X-Forwarded-For is ignored.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
