// Package telemetry ingests session samples and projects live charging state.
package telemetry

import (
	"math"
	"time"

	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/pricing"
)

// DefaultBatteryKWh is the battery size assumed when the vehicle does not report one.
const DefaultBatteryKWh = 60.0

// Estimate is a read-only projection of a running session.
type Estimate struct {
	SessionID        int64             `json:"session_id"`
	Status           string            `json:"status"`
	CurrentSOC       int               `json:"current_soc"`
	TargetSOC        int               `json:"target_soc"`
	EnergyKWh        float64           `json:"energy_kwh"`
	PowerKW          float64           `json:"power_kw"`
	ElapsedMinutes   int               `json:"elapsed_minutes"`
	RemainingMinutes *float64          `json:"remaining_minutes"`
	TargetReached    bool              `json:"target_reached"`
	Projected        bool              `json:"projected"`
	Temperature      *float64          `json:"temperature,omitempty"`
	Cost             pricing.Breakdown `json:"cost"`
	At               time.Time         `json:"at"`
}

// Estimator derives Estimates. It never writes.
type Estimator struct {
	pricing    *pricing.Engine
	batteryKWh float64
}

// NewEstimator builds an estimator.
func NewEstimator(engine *pricing.Engine, batteryKWh float64) *Estimator {
	if batteryKWh <= 0 {
		batteryKWh = DefaultBatteryKWh
	}
	return &Estimator{pricing: engine, batteryKWh: batteryKWh}
}

// BatteryKWh is the assumed battery capacity.
func (e *Estimator) BatteryKWh() float64 { return e.batteryKWh }

// Estimate projects s at now. Without samples the state of charge is extrapolated from
// the point's rated power.
func (e *Estimator) Estimate(s *models.Session, point *models.ChargingPoint, acc *models.Account, logs []models.SessionLog, now time.Time) Estimate {
	est := Estimate{
		SessionID:      s.ID,
		Status:         string(s.Status),
		CurrentSOC:     s.InitialSOC,
		TargetSOC:      s.TargetSOC,
		PowerKW:        point.PowerKW,
		ElapsedMinutes: ElapsedMinutes(s.StartTime, now),
		At:             now,
	}
	if est.TargetSOC <= 0 {
		est.TargetSOC = models.DefaultTargetSOC
	}

	if len(logs) > 0 {
		latest := logs[len(logs)-1]
		est.CurrentSOC = latest.SOC
		est.PowerKW = latest.PowerKW
		temp := latest.Temperature
		est.Temperature = &temp
		if kwh, ok := EnergyFromSamples(logs); ok {
			est.EnergyKWh = kwh
		} else {
			est.EnergyKWh = EnergyFromSOC(s.InitialSOC, latest.SOC, e.batteryKWh)
		}
	} else if s.Status == models.SessionInProgress {
		est.Projected = true
		hours := now.Sub(s.StartTime).Hours()
		maxKWh := EnergyFromSOC(s.InitialSOC, est.TargetSOC, e.batteryKWh)
		est.EnergyKWh = math.Min(math.Max(point.PowerKW*hours, 0), maxKWh)
		est.CurrentSOC = s.InitialSOC + int(math.Floor(est.EnergyKWh/e.batteryKWh*100+1e-9))
	}

	est.TargetReached = est.CurrentSOC >= est.TargetSOC
	est.RemainingMinutes = RemainingMinutes(est.CurrentSOC, est.TargetSOC, point.PowerKW, e.batteryKWh)

	in := pricing.Input{EnergyKWh: est.EnergyKWh, PricePerKWh: point.PricePerKWh}
	if acc != nil {
		in.Tier = acc.Tier
		in.VIP = acc.VIP
		in.CustomDiscountRate = acc.CustomDiscountRate
	}
	est.Cost = e.pricing.CalculateAt(in, now)
	return est
}
