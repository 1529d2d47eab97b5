package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/sessions"
	"evpay/backend/services/charging-service/internal/telemetry"
)

// SessionsHandler serves the session lifecycle endpoints.
type SessionsHandler struct {
	svc       *sessions.Service
	telemetry *telemetry.Service
	logger    *zap.Logger
}

// NewSessionsHandler builds handler set.
func NewSessionsHandler(svc *sessions.Service, tel *telemetry.Service, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{svc: svc, telemetry: tel, logger: logger.Named("http.sessions")}
}

type startRequest struct {
	PointID       int64      `json:"point_id"`
	InitialSOC    int        `json:"initial_soc"`
	TargetSOC     int        `json:"target_soc"`
	ReservationID *int64     `json:"reservation_id"`
	MaxEndTime    *time.Time `json:"max_end_time"`
}

// HandleStart handles POST /sessions. The caller is the driver.
func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PointID <= 0 {
		writeError(w, http.StatusBadRequest, "point_id is required")
		return
	}
	sess, err := h.svc.Start(r.Context(), sessions.StartInput{
		DriverID:      c.ID,
		PointID:       req.PointID,
		InitialSOC:    req.InitialSOC,
		TargetSOC:     req.TargetSOC,
		ReservationID: req.ReservationID,
		MaxEndTime:    req.MaxEndTime,
	})
	if err != nil {
		writeAppError(w, h.logger, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// HandleStop handles POST /sessions/{id}/stop.
func (h *SessionsHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req sessions.StopInput
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.svc.Stop(r.Context(), id, req)
	if err != nil {
		writeAppError(w, h.logger, "stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type pauseRequest struct {
	MaxPauseMinutes int `json:"max_pause_minutes"`
}

// HandlePause handles POST /sessions/{id}/pause. Staff only.
func (h *SessionsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req pauseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxPauseMinutes < 0 {
		writeError(w, http.StatusBadRequest, "max_pause_minutes must not be negative")
		return
	}
	sess, err := h.svc.Pause(r.Context(), id, time.Duration(req.MaxPauseMinutes)*time.Minute)
	if err != nil {
		writeAppError(w, h.logger, "pause session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleResume handles POST /sessions/{id}/resume. Staff only.
func (h *SessionsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sess, err := h.svc.Resume(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger, "resume session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

// HandleEmergencyStop handles POST /sessions/{id}/emergency-stop. Staff only.
func (h *SessionsHandler) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	c, ok := requireStaff(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req emergencyStopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.EmergencyStop(r.Context(), id, c.ID, req.Reason)
	if err != nil {
		writeAppError(w, h.logger, "emergency stop", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGet handles GET /sessions/{id}.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sess, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger, "get session", err)
		return
	}
	if !c.canSee(sess.DriverID) {
		writeError(w, http.StatusForbidden, "session belongs to another driver")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleListMine handles GET /sessions/me.
func (h *SessionsHandler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListByDriver(r.Context(), c.ID, queryLimit(r, 50, 200))
	if err != nil {
		writeAppError(w, h.logger, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

// HandleListActive handles GET /sessions/active. Staff only.
func (h *SessionsHandler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	list, err := h.svc.ListActive(r.Context())
	if err != nil {
		writeAppError(w, h.logger, "list active sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

// HandleIngest handles POST /sessions/{id}/telemetry, fed by the charge point link.
func (h *SessionsHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req telemetry.SampleInput
	if !decodeJSON(w, r, &req) {
		return
	}
	sample, err := h.telemetry.Ingest(r.Context(), id, req)
	if err != nil {
		writeAppError(w, h.logger, "ingest telemetry", err)
		return
	}
	writeJSON(w, http.StatusAccepted, sample)
}

// HandleEstimate handles GET /sessions/{id}/estimate.
func (h *SessionsHandler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	est, err := h.telemetry.Estimate(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger, "estimate session", err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// owned resolves {id} and checks the caller may act on it.
func (h *SessionsHandler) owned(w http.ResponseWriter, r *http.Request) (int64, bool) {
	c, ok := requireCaller(w, r)
	if !ok {
		return 0, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return 0, false
	}
	sess, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger, "get session", err)
		return 0, false
	}
	if !c.canSee(sess.DriverID) {
		writeError(w, http.StatusForbidden, "session belongs to another driver")
		return 0, false
	}
	return id, true
}
