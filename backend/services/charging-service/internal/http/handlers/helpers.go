package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
)

const (
	userIDHeader   = "X-User-ID"
	userRoleHeader = "X-User-Role"

	maxBodyBytes = 64 << 10
)

// caller is the identity forwarded by the edge gateway.
type caller struct {
	ID   int64
	Role string
}

func (c caller) staff() bool {
	return c.Role == "staff" || c.Role == "admin"
}

// canSee reports whether the caller may read or act on a resource owned by ownerID.
func (c caller) canSee(ownerID int64) bool {
	return c.staff() || c.ID == ownerID
}

func requireCaller(w http.ResponseWriter, r *http.Request) (caller, bool) {
	raw := r.Header.Get(userIDHeader)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing user id header")
		return caller{}, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return caller{}, false
	}
	return caller{ID: id, Role: strings.ToLower(strings.TrimSpace(r.Header.Get(userRoleHeader)))}, true
}

func requireStaff(w http.ResponseWriter, r *http.Request) (caller, bool) {
	c, ok := requireCaller(w, r)
	if !ok {
		return caller{}, false
	}
	if !c.staff() {
		writeError(w, http.StatusForbidden, "staff role required")
		return caller{}, false
	}
	return c, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// decodeJSON reads a bounded JSON body. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// clientIP prefers the first X-Forwarded-For hop set by the edge gateway.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps the error taxonomy onto a response. Internal failures are logged
// and their text is not leaked.
func writeAppError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		logger.Error(op+" failed", zap.Error(err))
		writeJSON(w, status, map[string]string{"error": "internal error", "code": apperr.Code(err)})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": apperr.Code(err)})
}

// NewHealthHandler returns GET /health handler.
func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
