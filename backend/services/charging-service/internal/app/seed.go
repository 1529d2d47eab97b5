package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository/memory"
)

// seedDemo fills memory storage for local runs: two stations, three points and
// one driver per tier.
func seedDemo(ctx context.Context, store *memory.Store, now time.Time) error {
	for _, p := range []models.ChargingPoint{
		{ID: 1, StationID: 1, Status: models.PointAvailable, PowerKW: 60, PricePerKWh: decimal.NewFromInt(3500), StationActive: true},
		{ID: 2, StationID: 1, Status: models.PointAvailable, PowerKW: 120, PricePerKWh: decimal.NewFromInt(4200), StationActive: true},
		{ID: 3, StationID: 2, Status: models.PointAvailable, PowerKW: 22, PricePerKWh: decimal.NewFromInt(3000), StationActive: true},
	} {
		p := p
		p.UpdatedAt = now
		if err := store.UpsertPoint(ctx, &p); err != nil {
			return err
		}
	}
	for i, tier := range []models.Tier{models.TierBasic, models.TierSilver, models.TierGold, models.TierPlatinum} {
		if err := store.UpsertAccount(ctx, &models.Account{
			UserID:  int64(i + 1),
			Tier:    tier,
			Balance: decimal.NewFromInt(1000000),
		}); err != nil {
			return err
		}
	}
	return nil
}
