// Package sessions owns the charging session lifecycle.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/pricing"
	"evpay/backend/services/charging-service/internal/repository"
	"evpay/backend/services/charging-service/internal/telemetry"
)

const (
	defaultMaxPause     = 15 * time.Minute
	notifyTimeout       = 10 * time.Second
	minSessionDuration  = time.Millisecond
	cancelReasonTimeout = "pause_timeout"
)

// Deps groups collaborators. Nil optional collaborators become no-ops.
type Deps struct {
	Store      repository.Store
	Pricing    *pricing.Engine
	Clock      clock.Clock
	Monitor    Monitor
	Notifier   Notifier
	Incidents  IncidentReporter
	Publisher  Publisher
	BatteryKWh float64
	// DefaultMaxPause applies when Pause is called without a limit.
	DefaultMaxPause time.Duration
}

// Service is the session state machine. Every transition locks the session row, so
// transitions on one session never interleave.
type Service struct {
	store      repository.Store
	pricing    *pricing.Engine
	clock      clock.Clock
	monitor    Monitor
	notifier   Notifier
	incidents  IncidentReporter
	publisher  Publisher
	batteryKWh float64
	maxPause   time.Duration
	logger     *zap.Logger
}

// NewService builds the state machine.
func NewService(deps Deps, logger *zap.Logger) *Service {
	s := &Service{
		store:      deps.Store,
		pricing:    deps.Pricing,
		clock:      deps.Clock,
		monitor:    deps.Monitor,
		notifier:   deps.Notifier,
		incidents:  deps.Incidents,
		publisher:  deps.Publisher,
		batteryKWh: deps.BatteryKWh,
		maxPause:   deps.DefaultMaxPause,
		logger:     logger.Named("sessions"),
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.monitor == nil {
		s.monitor = nopMonitor{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.incidents == nil {
		s.incidents = nopReporter{}
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.batteryKWh <= 0 {
		s.batteryKWh = telemetry.DefaultBatteryKWh
	}
	if s.maxPause <= 0 {
		s.maxPause = defaultMaxPause
	}
	return s
}

// StartInput describes a session start request.
type StartInput struct {
	DriverID      int64      `json:"driver_id"`
	PointID       int64      `json:"point_id"`
	InitialSOC    int        `json:"initial_soc"`
	TargetSOC     int        `json:"target_soc"`
	ReservationID *int64     `json:"reservation_id,omitempty"`
	MaxEndTime    *time.Time `json:"max_end_time,omitempty"`
}

// Start opens a session on an available point.
func (s *Service) Start(ctx context.Context, in StartInput) (*models.Session, error) {
	if err := validSOC(in.InitialSOC); err != nil {
		return nil, err
	}
	if in.TargetSOC == 0 {
		in.TargetSOC = models.DefaultTargetSOC
	}
	if err := validSOC(in.TargetSOC); err != nil {
		return nil, err
	}
	if in.TargetSOC <= in.InitialSOC {
		return nil, apperr.Invalid("target soc %d must exceed initial soc %d", in.TargetSOC, in.InitialSOC)
	}
	now := s.clock.Now().UTC()
	if in.MaxEndTime != nil && !in.MaxEndTime.After(now) {
		return nil, apperr.Invalid("max end time %s is in the past", in.MaxEndTime.Format(time.RFC3339))
	}

	var session *models.Session
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetAccount(ctx, in.DriverID); err != nil {
			return err
		}
		active, err := tx.FindActiveSessionByDriver(ctx, in.DriverID)
		switch {
		case err == nil:
			return apperr.Conflict("driver %d already has session %d %s", in.DriverID, active.ID, active.Status)
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		point, err := tx.LockPoint(ctx, in.PointID)
		if err != nil {
			return err
		}
		if !point.StationActive {
			return apperr.Conflict("station %d of point %d is not active", point.StationID, point.ID)
		}
		if point.Status != models.PointAvailable {
			return apperr.Conflict("point %d is %s", point.ID, point.Status)
		}

		session = &models.Session{
			DriverID:      in.DriverID,
			PointID:       in.PointID,
			ReservationID: in.ReservationID,
			Status:        models.SessionInProgress,
			StartTime:     now,
			MaxEndTime:    in.MaxEndTime,
			InitialSOC:    in.InitialSOC,
			TargetSOC:     in.TargetSOC,
			PricePerKWh:   point.PricePerKWh,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if in.ReservationID != nil {
			deposit, err := tx.FindDepositPayment(ctx, *in.ReservationID)
			switch {
			case err == nil:
				if deposit.UserID != in.DriverID {
					return fmt.Errorf("deposit for reservation %d belongs to another driver: %w", *in.ReservationID, apperr.ErrForbidden)
				}
				amount := deposit.Amount
				session.DepositAmount = &amount
			case !errors.Is(err, apperr.ErrNotFound):
				return err
			}
		}

		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		return tx.SetPointStatus(ctx, point.ID, models.PointInUse)
	})
	if err != nil {
		return nil, err
	}

	s.monitor.Watch(session.ID)
	s.logger.Info("session started",
		zap.Int64("session_id", session.ID), zap.Int64("driver_id", session.DriverID),
		zap.Int64("point_id", session.PointID), zap.Int("initial_soc", session.InitialSOC))
	return session, nil
}

// StopInput carries the readings at stop time. EnergyKWh overrides derived energy.
type StopInput struct {
	FinalSOC  int      `json:"final_soc"`
	EnergyKWh *float64 `json:"energy_kwh,omitempty"`
}

// Stop completes an in-progress session and prices it.
func (s *Service) Stop(ctx context.Context, sessionID int64, in StopInput) (*models.Session, error) {
	return s.complete(ctx, sessionID, in, "stopped")
}

// AutoComplete is the scheduler's completion path (target reached, cutoff passed).
// It loses cleanly to a concurrent Stop: the loser gets ErrConflict.
func (s *Service) AutoComplete(ctx context.Context, sessionID int64, in StopInput, reason string) (*models.Session, error) {
	return s.complete(ctx, sessionID, in, reason)
}

func (s *Service) complete(ctx context.Context, sessionID int64, in StopInput, reason string) (*models.Session, error) {
	if err := validSOC(in.FinalSOC); err != nil {
		return nil, err
	}
	if in.EnergyKWh != nil && *in.EnergyKWh < 0 {
		return nil, apperr.Invalid("energy %.3f must not be negative", *in.EnergyKWh)
	}

	var session *models.Session
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionInProgress {
			return apperr.Conflict("session %d is %s", sessionID, sess.Status)
		}
		point, err := tx.LockPoint(ctx, sess.PointID)
		if err != nil {
			return err
		}
		acc, err := tx.GetAccount(ctx, sess.DriverID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}

		end := s.endTime(sess)
		finalSOC := in.FinalSOC
		energy, err := s.energy(ctx, tx, sess, finalSOC, in.EnergyKWh)
		if err != nil {
			return err
		}

		input := pricing.Input{EnergyKWh: energy, PricePerKWh: point.PricePerKWh}
		if acc != nil {
			input.Tier = acc.Tier
			input.VIP = acc.VIP
			input.CustomDiscountRate = acc.CustomDiscountRate
		}
		cost := s.pricing.CalculateAt(input, end)
		final := cost.Final

		sess.Status = models.SessionCompleted
		sess.EndTime = &end
		sess.FinalSOC = &finalSOC
		sess.EnergyKWh = energy
		sess.DurationMinutes = telemetry.ElapsedMinutes(sess.StartTime, end)
		sess.PricePerKWh = point.PricePerKWh
		sess.CostBeforeDiscount = cost.Base
		sess.Surcharge = cost.Surcharge
		sess.Discount = cost.Discount()
		sess.FinalCost = &final
		sess.PausedAt = nil
		sess.UpdatedAt = end
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		if err := tx.SetPointStatus(ctx, point.ID, models.PointAvailable); err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.finish(session)
	s.async("session completed notification", session.ID, func(ctx context.Context) error {
		return s.notifier.NotifySessionCompleted(ctx, session)
	})
	s.logger.Info("session completed",
		zap.Int64("session_id", session.ID), zap.String("reason", reason),
		zap.Float64("energy_kwh", session.EnergyKWh), zap.String("final_cost", session.FinalCost.String()))
	return session, nil
}

// Pause suspends an in-progress session. maxPause <= 0 uses the configured default.
func (s *Service) Pause(ctx context.Context, sessionID int64, maxPause time.Duration) (*models.Session, error) {
	if maxPause <= 0 {
		maxPause = s.maxPause
	}
	session, err := s.transition(ctx, sessionID, func(sess *models.Session, now time.Time) error {
		if sess.Status != models.SessionInProgress {
			return apperr.Conflict("session %d is %s", sessionID, sess.Status)
		}
		sess.Status = models.SessionPaused
		sess.PausedAt = &now
		sess.MaxPauseDuration = maxPause
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The pause timeout is enforced by the monitor tick, so the session must be watched.
	s.monitor.Watch(session.ID)
	s.logger.Info("session paused", zap.Int64("session_id", sessionID), zap.Duration("max_pause", maxPause))
	return session, nil
}

// Resume continues a paused session.
func (s *Service) Resume(ctx context.Context, sessionID int64) (*models.Session, error) {
	session, err := s.transition(ctx, sessionID, func(sess *models.Session, _ time.Time) error {
		if sess.Status != models.SessionPaused {
			return apperr.Conflict("session %d is %s", sessionID, sess.Status)
		}
		sess.Status = models.SessionInProgress
		sess.PausedAt = nil
		sess.MaxPauseDuration = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.monitor.Watch(session.ID)
	s.logger.Info("session resumed", zap.Int64("session_id", sessionID))
	return session, nil
}

// AutoCancel cancels a paused session whose pause window has elapsed.
func (s *Service) AutoCancel(ctx context.Context, sessionID int64) (*models.Session, error) {
	session, err := s.cancel(ctx, sessionID, func(sess *models.Session, now time.Time) error {
		if !sess.PauseExpired(now) {
			return apperr.Conflict("session %d pause has not expired", sessionID)
		}
		sess.CancelReason = cancelReasonTimeout
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.async("pause timeout alert", session.ID, func(ctx context.Context) error {
		return s.notifier.NotifyAlert(ctx, models.Alert{
			SessionID: session.ID,
			DriverID:  session.DriverID,
			Kind:      models.AlertPauseTimeout,
			Message:   fmt.Sprintf("session cancelled after pause exceeded %s", session.MaxPauseDuration),
			At:        *session.EndTime,
		})
	})
	s.logger.Warn("session auto-cancelled", zap.Int64("session_id", sessionID), zap.String("reason", cancelReasonTimeout))
	return session, nil
}

// EmergencyStopResult reports the stop and whether the incident reached the incident service.
type EmergencyStopResult struct {
	Session          *models.Session `json:"session"`
	IncidentReported bool            `json:"incident_reported"`
}

// EmergencyStop cancels a session in any live state and files an incident. The stop
// takes effect even when the incident service is unavailable.
func (s *Service) EmergencyStop(ctx context.Context, sessionID, reportedBy int64, reason string) (*EmergencyStopResult, error) {
	if reason == "" {
		reason = "emergency stop"
	}
	session, err := s.cancel(ctx, sessionID, func(sess *models.Session, _ time.Time) error {
		sess.CancelReason = "emergency_stop: " + reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	incident := models.Incident{
		SessionID:  session.ID,
		PointID:    session.PointID,
		DriverID:   session.DriverID,
		ReportedBy: reportedBy,
		Reason:     reason,
		At:         *session.EndTime,
	}
	result := &EmergencyStopResult{Session: session, IncidentReported: true}
	if err := s.incidents.Report(context.WithoutCancel(ctx), incident); err != nil {
		result.IncidentReported = false
		s.logger.Error("incident report failed; session stopped without incident record",
			zap.Int64("session_id", session.ID), zap.Int64("point_id", session.PointID), zap.Error(err))
	}
	s.logger.Warn("session emergency-stopped",
		zap.Int64("session_id", session.ID), zap.Int64("reported_by", reportedBy), zap.String("reason", reason))
	return result, nil
}

// cancel moves any non-terminal session to cancelled and frees its point.
func (s *Service) cancel(ctx context.Context, sessionID int64, check func(*models.Session, time.Time) error) (*models.Session, error) {
	var session *models.Session
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return apperr.Conflict("session %d is %s", sessionID, sess.Status)
		}
		now := s.clock.Now().UTC()
		if err := check(sess, now); err != nil {
			return err
		}

		end := s.endTime(sess)
		energy := sess.EnergyKWh
		logs, err := tx.ListSessionLogs(ctx, sess.ID)
		if err != nil {
			return err
		}
		if kwh, ok := telemetry.EnergyFromSamples(logs); ok {
			energy = kwh
		}

		sess.Status = models.SessionCancelled
		sess.EndTime = &end
		sess.EnergyKWh = energy
		sess.DurationMinutes = telemetry.ElapsedMinutes(sess.StartTime, end)
		sess.UpdatedAt = end
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		if err := tx.SetPointStatus(ctx, sess.PointID, models.PointAvailable); err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.finish(session)
	return session, nil
}

func (s *Service) transition(ctx context.Context, sessionID int64, apply func(*models.Session, time.Time) error) (*models.Session, error) {
	var session *models.Session
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if err := apply(sess, now); err != nil {
			return err
		}
		sess.UpdatedAt = now
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		session = sess
		return nil
	})
	return session, err
}

// finish runs the post-commit side effects of reaching a terminal state.
func (s *Service) finish(session *models.Session) {
	s.monitor.Unwatch(session.ID)
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.publisher.PublishStatus(ctx, models.FinalStatusUpdate(session, *session.EndTime)); err != nil {
		s.logger.Warn("publish final status failed", zap.Int64("session_id", session.ID), zap.Error(err))
	}
	if err := s.publisher.ClearStatus(ctx, session.ID, session.DriverID); err != nil {
		s.logger.Warn("clear live status failed", zap.Int64("session_id", session.ID), zap.Error(err))
	}
}

func (s *Service) async(what string, sessionID int64, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn(what+" failed", zap.Int64("session_id", sessionID), zap.Error(err))
		}
	}()
}

// endTime is the clock reading, pushed past the start so end_time > start_time holds.
func (s *Service) endTime(sess *models.Session) time.Time {
	end := s.clock.Now().UTC()
	if !end.After(sess.StartTime) {
		end = sess.StartTime.Add(minSessionDuration)
	}
	return end
}

// energy resolves delivered kWh: explicit reading, then telemetry, then the SOC delta.
func (s *Service) energy(ctx context.Context, tx repository.Tx, sess *models.Session, finalSOC int, explicit *float64) (float64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	logs, err := tx.ListSessionLogs(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	if kwh, ok := telemetry.EnergyFromSamples(logs); ok {
		return kwh, nil
	}
	return telemetry.EnergyFromSOC(sess.InitialSOC, finalSOC, s.batteryKWh), nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, sessionID int64) (*models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListByDriver returns a driver's sessions, newest first.
func (s *Service) ListByDriver(ctx context.Context, driverID int64, limit int) ([]models.Session, error) {
	return s.store.ListSessionsByDriver(ctx, driverID, limit)
}

// ListActive returns in-progress and paused sessions.
func (s *Service) ListActive(ctx context.Context) ([]models.Session, error) {
	return s.store.ListActiveSessions(ctx)
}

func validSOC(soc int) error {
	if soc < 0 || soc > 100 {
		return apperr.Invalid("soc %d outside 0..100", soc)
	}
	return nil
}
