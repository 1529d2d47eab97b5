package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind names a monitoring alert.
type AlertKind string

const (
	AlertOverTemperature AlertKind = "over_temperature"
	AlertLowPower        AlertKind = "low_power"
	AlertOverDuration    AlertKind = "over_duration"
	AlertPauseTimeout    AlertKind = "pause_timeout"
)

// Alert is an anomaly raised for a session.
type Alert struct {
	SessionID int64     `json:"session_id"`
	DriverID  int64     `json:"driver_id"`
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// StatusUpdate is the lightweight live view pushed to subscribers.
type StatusUpdate struct {
	SessionID        int64           `json:"session_id"`
	DriverID         int64           `json:"driver_id"`
	PointID          int64           `json:"point_id"`
	Status           SessionStatus   `json:"status"`
	SOC              int             `json:"soc"`
	EnergyKWh        float64         `json:"energy_kwh"`
	PowerKW          float64         `json:"power_kw"`
	Cost             decimal.Decimal `json:"cost"`
	RemainingMinutes *float64        `json:"remaining_minutes"`
	Alerts           []AlertKind     `json:"alerts,omitempty"`
	At               time.Time       `json:"at"`
}

// FinalStatusUpdate describes a session that just reached a terminal state.
func FinalStatusUpdate(s *Session, at time.Time) StatusUpdate {
	u := StatusUpdate{
		SessionID: s.ID,
		DriverID:  s.DriverID,
		PointID:   s.PointID,
		Status:    s.Status,
		SOC:       s.InitialSOC,
		EnergyKWh: s.EnergyKWh,
		At:        at,
	}
	if s.FinalSOC != nil {
		u.SOC = *s.FinalSOC
	}
	if s.FinalCost != nil {
		u.Cost = *s.FinalCost
	}
	return u
}

// Incident is filed when a session is emergency-stopped.
type Incident struct {
	SessionID  int64     `json:"session_id"`
	PointID    int64     `json:"point_id"`
	DriverID   int64     `json:"driver_id"`
	ReportedBy int64     `json:"reported_by"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}
