package clients

import (
	"context"
	"time"

	"evpay/backend/services/charging-service/internal/models"
)

// NotificationClient posts session events to the notification service.
type NotificationClient struct {
	base *BaseClient
}

// NewNotificationClient returns client.
func NewNotificationClient(baseURL string, httpClient HTTPDoer, maxTries uint) *NotificationClient {
	return &NotificationClient{base: NewBaseClient(baseURL, httpClient, maxTries)}
}

type sessionCompletedEvent struct {
	Type        string    `json:"type"`
	SessionID   int64     `json:"session_id"`
	DriverID    int64     `json:"driver_id"`
	PointID     int64     `json:"point_id"`
	EnergyKWh   float64   `json:"energy_kwh"`
	FinalCost   string    `json:"final_cost"`
	CompletedAt time.Time `json:"completed_at"`
}

// NotifySessionCompleted announces a completed session.
func (c *NotificationClient) NotifySessionCompleted(ctx context.Context, s *models.Session) error {
	ev := sessionCompletedEvent{
		Type:      "session_completed",
		SessionID: s.ID,
		DriverID:  s.DriverID,
		PointID:   s.PointID,
		EnergyKWh: s.EnergyKWh,
	}
	if s.FinalCost != nil {
		ev.FinalCost = s.FinalCost.StringFixed(2)
	}
	if s.EndTime != nil {
		ev.CompletedAt = *s.EndTime
	}
	return c.base.PostJSON(ctx, "/notifications/events", ev)
}

type alertEvent struct {
	Type string `json:"type"`
	models.Alert
}

// NotifyAlert forwards a monitoring alert.
func (c *NotificationClient) NotifyAlert(ctx context.Context, alert models.Alert) error {
	return c.base.PostJSON(ctx, "/notifications/events", alertEvent{Type: "session_alert", Alert: alert})
}
