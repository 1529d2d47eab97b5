package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PointStatus is the operational state of a charging point.
type PointStatus string

const (
	PointAvailable   PointStatus = "available"
	PointInUse       PointStatus = "in_use"
	PointMaintenance PointStatus = "maintenance"
)

// ChargingPoint is the status view of a point joined with its station.
type ChargingPoint struct {
	ID            int64           `db:"id" json:"id"`
	StationID     int64           `db:"station_id" json:"station_id"`
	Status        PointStatus     `db:"status" json:"status"`
	PowerKW       float64         `db:"power_kw" json:"power_kw"`
	PricePerKWh   decimal.Decimal `db:"price_per_kwh" json:"price_per_kwh"`
	StationActive bool            `db:"station_active" json:"station_active"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}
