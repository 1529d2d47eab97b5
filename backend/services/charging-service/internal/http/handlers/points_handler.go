package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/points"
)

// PointsHandler serves charging point reads and staff updates.
type PointsHandler struct {
	svc    *points.Service
	logger *zap.Logger
}

// NewPointsHandler builds handler set.
func NewPointsHandler(svc *points.Service, logger *zap.Logger) *PointsHandler {
	return &PointsHandler{svc: svc, logger: logger.Named("http.points")}
}

// HandleGet handles GET /points/{id}.
func (h *PointsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger, "get point", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type priceRequest struct {
	PricePerKWh decimal.Decimal `json:"price_per_kwh"`
}

// HandleUpdatePrice handles PUT /points/{id}/price. Staff only.
func (h *PointsHandler) HandleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req priceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.svc.UpdatePrice(r.Context(), id, req.PricePerKWh)
	if err != nil {
		writeAppError(w, h.logger, "update price", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type maintenanceRequest struct {
	Maintenance bool `json:"maintenance"`
}

// HandleMaintenance handles PUT /points/{id}/maintenance. Staff only.
func (h *PointsHandler) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req maintenanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.svc.SetMaintenance(r.Context(), id, req.Maintenance)
	if err != nil {
		writeAppError(w, h.logger, "set maintenance", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
