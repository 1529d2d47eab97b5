package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a charging session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Active reports whether the session still holds its point and its driver slot.
func (s SessionStatus) Active() bool {
	return s == SessionInProgress || s == SessionPaused
}

// DefaultTargetSOC is used when a session is started without a target.
const DefaultTargetSOC = 100

// Session represents a charging session.
type Session struct {
	ID            int64         `db:"id" json:"id"`
	DriverID      int64         `db:"driver_id" json:"driver_id"`
	PointID       int64         `db:"point_id" json:"point_id"`
	ReservationID *int64        `db:"reservation_id" json:"reservation_id,omitempty"`
	Status        SessionStatus `db:"status" json:"status"`
	StartTime     time.Time     `db:"start_time" json:"start_time"`
	EndTime       *time.Time    `db:"end_time" json:"end_time,omitempty"`
	MaxEndTime    *time.Time    `db:"max_end_time" json:"max_end_time,omitempty"`

	InitialSOC int  `db:"initial_soc" json:"initial_soc"`
	FinalSOC   *int `db:"final_soc" json:"final_soc,omitempty"`
	TargetSOC  int  `db:"target_soc" json:"target_soc"`

	EnergyKWh       float64 `db:"energy_kwh" json:"energy_kwh"`
	DurationMinutes int     `db:"duration_minutes" json:"duration_minutes"`

	PricePerKWh        decimal.Decimal  `db:"price_per_kwh" json:"price_per_kwh"`
	CostBeforeDiscount decimal.Decimal  `db:"cost_before_discount" json:"cost_before_discount"`
	Surcharge          decimal.Decimal  `db:"surcharge" json:"surcharge"`
	Discount           decimal.Decimal  `db:"discount" json:"discount"`
	FinalCost          *decimal.Decimal `db:"final_cost" json:"final_cost,omitempty"`
	DepositAmount      *decimal.Decimal `db:"deposit_amount" json:"deposit_amount,omitempty"`

	PausedAt         *time.Time    `db:"paused_at" json:"paused_at,omitempty"`
	MaxPauseDuration time.Duration `db:"max_pause_seconds" json:"max_pause_seconds,omitempty"`
	CancelReason     string        `db:"cancel_reason" json:"cancel_reason,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PauseExpired reports whether a paused session has exceeded its allowed pause at now.
func (s *Session) PauseExpired(now time.Time) bool {
	if s.Status != SessionPaused || s.PausedAt == nil || s.MaxPauseDuration <= 0 {
		return false
	}
	return now.Sub(*s.PausedAt) > s.MaxPauseDuration
}

// PastMaxEnd reports whether the hard cutoff has been reached at now.
func (s *Session) PastMaxEnd(now time.Time) bool {
	return s.MaxEndTime != nil && !now.Before(*s.MaxEndTime)
}

// SessionLog is one telemetry sample.
type SessionLog struct {
	ID          int64     `db:"id" json:"id"`
	SessionID   int64     `db:"session_id" json:"session_id"`
	SOC         int       `db:"soc" json:"soc"`
	PowerKW     float64   `db:"power_kw" json:"power_kw"`
	Voltage     float64   `db:"voltage" json:"voltage"`
	Temperature float64   `db:"temperature" json:"temperature"`
	EnergyKWh   *float64  `db:"energy_kwh" json:"energy_kwh,omitempty"`
	RecordedAt  time.Time `db:"recorded_at" json:"recorded_at"`
}
