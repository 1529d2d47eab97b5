package sessions

import (
	"context"

	"evpay/backend/services/charging-service/internal/models"
)

// Monitor registers sessions with the background scheduler.
type Monitor interface {
	Watch(sessionID int64) bool
	Unwatch(sessionID int64) bool
}

// Notifier delivers fire-and-forget events to the notification service.
type Notifier interface {
	NotifySessionCompleted(ctx context.Context, s *models.Session) error
	NotifyAlert(ctx context.Context, alert models.Alert) error
}

// IncidentReporter files emergency-stop incidents.
type IncidentReporter interface {
	Report(ctx context.Context, incident models.Incident) error
}

// Publisher pushes live status to subscribers and the status cache.
type Publisher interface {
	PublishStatus(ctx context.Context, update models.StatusUpdate) error
	ClearStatus(ctx context.Context, sessionID, driverID int64) error
}

type nopMonitor struct{}

func (nopMonitor) Watch(int64) bool   { return false }
func (nopMonitor) Unwatch(int64) bool { return false }

type nopNotifier struct{}

func (nopNotifier) NotifySessionCompleted(context.Context, *models.Session) error { return nil }
func (nopNotifier) NotifyAlert(context.Context, models.Alert) error               { return nil }

type nopReporter struct{}

func (nopReporter) Report(context.Context, models.Incident) error { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishStatus(context.Context, models.StatusUpdate) error { return nil }
func (nopPublisher) ClearStatus(context.Context, int64, int64) error          { return nil }
