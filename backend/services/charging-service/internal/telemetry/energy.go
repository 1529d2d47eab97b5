package telemetry

import (
	"math"
	"time"

	"evpay/backend/services/charging-service/internal/models"
)

// EnergyFromSamples derives delivered energy. The latest sample carrying a meter reading
// wins; otherwise power is integrated over time with the trapezoid rule.
func EnergyFromSamples(logs []models.SessionLog) (float64, bool) {
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].EnergyKWh != nil {
			return math.Max(*logs[i].EnergyKWh, 0), true
		}
	}
	if len(logs) < 2 {
		return 0, false
	}
	var kwh float64
	for i := 1; i < len(logs); i++ {
		hours := logs[i].RecordedAt.Sub(logs[i-1].RecordedAt).Hours()
		if hours <= 0 {
			continue
		}
		kwh += (logs[i].PowerKW + logs[i-1].PowerKW) / 2 * hours
	}
	return kwh, true
}

// EnergyFromSOC converts a state-of-charge delta into kWh for a battery of the given size.
func EnergyFromSOC(initialSOC, finalSOC int, batteryKWh float64) float64 {
	if finalSOC <= initialSOC || batteryKWh <= 0 {
		return 0
	}
	return float64(finalSOC-initialSOC) / 100 * batteryKWh
}

// RemainingMinutes estimates time to reach targetSOC with a linear charge model.
// It returns nil when the target is already reached or power is non-positive.
func RemainingMinutes(currentSOC, targetSOC int, powerKW, batteryKWh float64) *float64 {
	if currentSOC >= targetSOC || powerKW <= 0 || batteryKWh <= 0 {
		return nil
	}
	socPerHour := powerKW / batteryKWh * 100
	minutes := float64(targetSOC-currentSOC) / socPerHour * 60
	return &minutes
}

// ElapsedMinutes is whole minutes between start and end, never negative.
func ElapsedMinutes(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / time.Minute)
}
