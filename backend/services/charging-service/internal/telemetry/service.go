package telemetry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository"
)

// SampleInput is one reading pushed by the charge point.
type SampleInput struct {
	SOC         int       `json:"soc"`
	PowerKW     float64   `json:"power_kw"`
	Voltage     float64   `json:"voltage"`
	Temperature float64   `json:"temperature"`
	EnergyKWh   *float64  `json:"energy_kwh,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Service stores samples and serves estimates.
type Service struct {
	store     repository.Store
	estimator *Estimator
	clock     clock.Clock
	logger    *zap.Logger
}

// NewService returns service instance.
func NewService(store repository.Store, estimator *Estimator, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		estimator: estimator,
		clock:     clk,
		logger:    logger.Named("telemetry"),
	}
}

// Estimator exposes the projection used by the service.
func (s *Service) Estimator() *Estimator { return s.estimator }

// Ingest appends a sample to an in-progress session. Samples must arrive in time order.
func (s *Service) Ingest(ctx context.Context, sessionID int64, in SampleInput) (*models.SessionLog, error) {
	if in.SOC < 0 || in.SOC > 100 {
		return nil, apperr.Invalid("soc %d outside 0..100", in.SOC)
	}
	if in.PowerKW < 0 {
		return nil, apperr.Invalid("power %.2f must not be negative", in.PowerKW)
	}
	if in.EnergyKWh != nil && *in.EnergyKWh < 0 {
		return nil, apperr.Invalid("energy %.3f must not be negative", *in.EnergyKWh)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = s.clock.Now()
	}

	entry := &models.SessionLog{
		SessionID:   sessionID,
		SOC:         in.SOC,
		PowerKW:     in.PowerKW,
		Voltage:     in.Voltage,
		Temperature: in.Temperature,
		EnergyKWh:   in.EnergyKWh,
		RecordedAt:  in.Timestamp.UTC(),
	}
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionInProgress {
			return apperr.Conflict("session %d is %s", sessionID, sess.Status)
		}
		if entry.RecordedAt.Before(sess.StartTime) {
			return apperr.Invalid("sample at %s precedes session start", entry.RecordedAt.Format(time.RFC3339))
		}
		latest, err := tx.LatestSessionLog(ctx, sessionID)
		switch {
		case err == nil:
			if !entry.RecordedAt.After(latest.RecordedAt) {
				return apperr.Invalid("sample at %s is not after %s",
					entry.RecordedAt.Format(time.RFC3339Nano), latest.RecordedAt.Format(time.RFC3339Nano))
			}
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		return tx.InsertSessionLog(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sample stored", zap.Int64("session_id", sessionID), zap.Int("soc", in.SOC), zap.Float64("power_kw", in.PowerKW))
	return entry, nil
}

// Estimate projects the live state of an active session.
func (s *Service) Estimate(ctx context.Context, sessionID int64) (*Estimate, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.EstimateSession(ctx, sess)
}

// EstimateSession projects an already loaded session.
func (s *Service) EstimateSession(ctx context.Context, sess *models.Session) (*Estimate, error) {
	if sess.Status.Terminal() {
		return nil, apperr.Conflict("session %d is %s", sess.ID, sess.Status)
	}
	point, err := s.store.GetPoint(ctx, sess.PointID)
	if err != nil {
		return nil, err
	}
	acc, err := s.store.GetAccount(ctx, sess.DriverID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	logs, err := s.store.ListSessionLogs(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	est := s.estimator.Estimate(sess, point, acc, logs, s.clock.Now())
	return &est, nil
}
