// Package monitor polls every live session on a fixed interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pond "github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/sessions"
	"evpay/backend/services/charging-service/internal/telemetry"
)

// Controller is the slice of the session state machine the scheduler drives.
type Controller interface {
	Get(ctx context.Context, sessionID int64) (*models.Session, error)
	ListActive(ctx context.Context) ([]models.Session, error)
	AutoComplete(ctx context.Context, sessionID int64, in sessions.StopInput, reason string) (*models.Session, error)
	AutoCancel(ctx context.Context, sessionID int64) (*models.Session, error)
}

// Estimator projects live session state.
type Estimator interface {
	EstimateSession(ctx context.Context, s *models.Session) (*telemetry.Estimate, error)
}

// AlertSink receives alerts.
type AlertSink interface {
	NotifyAlert(ctx context.Context, alert models.Alert) error
}

// Config tunes polling and alert thresholds.
type Config struct {
	Interval       time.Duration
	Workers        int
	MaxTemperature float64
	LowPowerKW     float64
	LowPowerFor    time.Duration
	MaxDuration    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxTemperature <= 0 {
		c.MaxTemperature = 60
	}
	if c.LowPowerKW <= 0 {
		c.LowPowerKW = 0.5
	}
	if c.LowPowerFor <= 0 {
		c.LowPowerFor = 10 * time.Minute
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 12 * time.Hour
	}
	return c
}

type entry struct {
	id       int64
	cancel   context.CancelFunc
	inFlight atomic.Bool

	// Fields below are touched only by the tick, which never overlaps itself.
	alerted       map[models.AlertKind]bool
	lowPowerSince time.Time
}

// Scheduler keeps one ticker per watched session. Ticks run on a bounded worker pool
// and re-read the session, so a tick that races an Unwatch is a no-op.
type Scheduler struct {
	cfg       Config
	estimates Estimator
	alerts    AlertSink
	publisher sessions.Publisher
	clock     clock.Clock
	pool      pond.Pool
	logger    *zap.Logger

	ctrlMu sync.RWMutex
	ctrl   Controller

	mu      sync.Mutex
	entries map[int64]*entry
	closed  bool

	baseCtx  context.Context
	stopAll  context.CancelFunc
	loops    sync.WaitGroup
	shutdown sync.Once
}

// NewScheduler builds an idle scheduler. SetController must be called before Run.
func NewScheduler(cfg Config, estimates Estimator, alerts AlertSink, publisher sessions.Publisher, clk clock.Clock, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		estimates: estimates,
		alerts:    alerts,
		publisher: publisher,
		clock:     clk,
		pool:      pond.NewPool(cfg.Workers),
		logger:    logger.Named("monitor"),
		entries:   make(map[int64]*entry),
		baseCtx:   ctx,
		stopAll:   cancel,
	}
}

// SetController wires the session state machine. It exists because the state machine
// itself depends on the scheduler.
func (s *Scheduler) SetController(ctrl Controller) {
	s.ctrlMu.Lock()
	s.ctrl = ctrl
	s.ctrlMu.Unlock()
}

func (s *Scheduler) controller() Controller {
	s.ctrlMu.RLock()
	defer s.ctrlMu.RUnlock()
	return s.ctrl
}

// Watch starts monitoring a session. It reports false when the session is already
// watched or the scheduler is shut down.
func (s *Scheduler) Watch(sessionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.entries[sessionID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	e := &entry{id: sessionID, cancel: cancel, alerted: make(map[models.AlertKind]bool)}
	s.entries[sessionID] = e

	s.loops.Add(1)
	go s.loop(ctx, e)
	s.logger.Debug("watching session", zap.Int64("session_id", sessionID))
	return true
}

// Unwatch stops monitoring a session and reports whether it was watched.
func (s *Scheduler) Unwatch(sessionID int64) bool {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if ok {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	s.logger.Debug("stopped watching session", zap.Int64("session_id", sessionID))
	return true
}

// Watching reports whether a session is registered.
func (s *Scheduler) Watching(sessionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[sessionID]
	return ok
}

// Count is the number of registered sessions.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run re-registers every live session from storage, then blocks until ctx ends and
// drains the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	ctrl := s.controller()
	if ctrl == nil {
		return errors.New("monitor: controller not set")
	}
	active, err := ctrl.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load active sessions: %w", err)
	}
	for _, sess := range active {
		s.Watch(sess.ID)
	}
	s.logger.Info("scheduler started", zap.Int("sessions", len(active)), zap.Duration("interval", s.cfg.Interval))

	<-ctx.Done()
	s.Shutdown()
	return nil
}

// Shutdown cancels every timer and waits for in-flight ticks.
func (s *Scheduler) Shutdown() {
	s.shutdown.Do(func() {
		s.mu.Lock()
		s.closed = true
		n := len(s.entries)
		s.entries = make(map[int64]*entry)
		s.mu.Unlock()

		s.stopAll()
		s.loops.Wait()
		s.pool.StopAndWait()
		s.logger.Info("scheduler stopped", zap.Int("dropped_sessions", n))
	})
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.inFlight.CompareAndSwap(false, true) {
				continue
			}
			s.pool.Submit(func() {
				defer e.inFlight.Store(false)
				s.tick(ctx, e)
			})
		}
	}
}

// drop removes e unless the id has since been re-registered with a new entry.
func (s *Scheduler) drop(e *entry) {
	s.mu.Lock()
	if cur, ok := s.entries[e.id]; ok && cur == e {
		delete(s.entries, e.id)
	}
	s.mu.Unlock()
	e.cancel()
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}
	ctrl := s.controller()
	if ctrl == nil {
		return
	}
	log := s.logger.With(zap.Int64("session_id", e.id))

	sess, err := ctrl.Get(ctx, e.id)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Warn("watched session vanished; deregistering")
			s.drop(e)
			return
		}
		log.Warn("tick: load session failed", zap.Error(err))
		return
	}
	if sess.Status.Terminal() {
		log.Info("session no longer active; deregistering", zap.String("status", string(sess.Status)))
		s.drop(e)
		return
	}

	now := s.clock.Now()
	if sess.Status == models.SessionPaused {
		if sess.PauseExpired(now) {
			if _, err := ctrl.AutoCancel(ctx, sess.ID); err != nil && ctx.Err() == nil && !errors.Is(err, apperr.ErrConflict) {
				log.Error("auto-cancel failed", zap.Error(err))
			}
			return
		}
		// A paused session keeps its last reading and draws no power.
		update := models.StatusUpdate{
			SessionID: sess.ID, DriverID: sess.DriverID, PointID: sess.PointID,
			Status: sess.Status, SOC: sess.InitialSOC, At: now,
		}
		est, err := s.estimates.EstimateSession(ctx, sess)
		switch {
		case err == nil:
			update.SOC, update.EnergyKWh, update.Cost = est.CurrentSOC, est.EnergyKWh, est.Cost.Final
		case !errors.Is(err, apperr.ErrConflict):
			log.Warn("tick: estimate failed", zap.Error(err))
		}
		s.publish(ctx, update)
		return
	}

	est, err := s.estimates.EstimateSession(ctx, sess)
	if err != nil {
		if !errors.Is(err, apperr.ErrConflict) {
			log.Warn("tick: estimate failed", zap.Error(err))
		}
		return
	}
	active := s.evaluateAlerts(ctx, e, sess, est, now)

	reason := ""
	switch {
	case est.TargetReached:
		reason = "target soc reached"
	case sess.PastMaxEnd(now):
		reason = "max end time reached"
	}
	if reason != "" {
		finalSOC := min(est.CurrentSOC, 100)
		_, err := ctrl.AutoComplete(ctx, sess.ID, sessions.StopInput{FinalSOC: finalSOC}, reason)
		if err != nil && ctx.Err() == nil && !errors.Is(err, apperr.ErrConflict) {
			log.Error("auto-complete failed", zap.String("reason", reason), zap.Error(err))
		}
		return
	}

	s.publish(ctx, models.StatusUpdate{
		SessionID:        sess.ID,
		DriverID:         sess.DriverID,
		PointID:          sess.PointID,
		Status:           sess.Status,
		SOC:              est.CurrentSOC,
		EnergyKWh:        est.EnergyKWh,
		PowerKW:          est.PowerKW,
		Cost:             est.Cost.Final,
		RemainingMinutes: est.RemainingMinutes,
		Alerts:           active,
		At:               now,
	})
}

// evaluateAlerts raises each alert kind at most once per session and returns the
// conditions currently holding.
func (s *Scheduler) evaluateAlerts(ctx context.Context, e *entry, sess *models.Session, est *telemetry.Estimate, now time.Time) []models.AlertKind {
	var active []models.AlertKind
	raise := func(kind models.AlertKind, msg string) {
		active = append(active, kind)
		if e.alerted[kind] {
			return
		}
		e.alerted[kind] = true
		alert := models.Alert{SessionID: sess.ID, DriverID: sess.DriverID, Kind: kind, Message: msg, At: now}
		s.logger.Warn("session alert", zap.Int64("session_id", sess.ID), zap.String("kind", string(kind)), zap.String("message", msg))
		if s.alerts != nil {
			if err := s.alerts.NotifyAlert(ctx, alert); err != nil {
				s.logger.Warn("alert delivery failed", zap.Int64("session_id", sess.ID), zap.Error(err))
			}
		}
	}

	if est.Temperature != nil && *est.Temperature > s.cfg.MaxTemperature {
		raise(models.AlertOverTemperature, fmt.Sprintf("temperature %.1f exceeds %.1f", *est.Temperature, s.cfg.MaxTemperature))
	}

	if !est.Projected {
		if est.PowerKW <= s.cfg.LowPowerKW {
			if e.lowPowerSince.IsZero() {
				e.lowPowerSince = now
			}
			if now.Sub(e.lowPowerSince) >= s.cfg.LowPowerFor {
				raise(models.AlertLowPower, fmt.Sprintf("power %.2f kW for %s", est.PowerKW, now.Sub(e.lowPowerSince).Truncate(time.Second)))
			}
		} else {
			e.lowPowerSince = time.Time{}
		}
	}

	if elapsed := now.Sub(sess.StartTime); elapsed > s.cfg.MaxDuration {
		raise(models.AlertOverDuration, fmt.Sprintf("running for %s, limit %s", elapsed.Truncate(time.Minute), s.cfg.MaxDuration))
	}
	return active
}

func (s *Scheduler) publish(ctx context.Context, update models.StatusUpdate) {
	// An Unwatch since the status check means the session has ended.
	if s.publisher == nil || ctx.Err() != nil {
		return
	}
	if err := s.publisher.PublishStatus(ctx, update); err != nil {
		s.logger.Warn("publish status failed", zap.Int64("session_id", update.SessionID), zap.Error(err))
	}
}
