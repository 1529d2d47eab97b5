package points

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	_ = store.UpsertPoint(ctx, &models.ChargingPoint{ID: 1, StationID: 1, Status: models.PointAvailable, PowerKW: 60, PricePerKWh: decimal.NewFromInt(3500), StationActive: true})
	_ = store.UpsertPoint(ctx, &models.ChargingPoint{ID: 2, StationID: 1, Status: models.PointInUse, PowerKW: 60, PricePerKWh: decimal.NewFromInt(3500), StationActive: true})
	return NewService(store, zap.NewNop()), store
}

func TestUpdatePrice(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := svc.UpdatePrice(ctx, 1, decimal.NewFromInt(4000)); err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	p, _ := store.GetPoint(ctx, 1)
	if !p.PricePerKWh.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("price = %s, want 4000", p.PricePerKWh)
	}

	for _, bad := range []decimal.Decimal{decimal.Zero, decimal.RequireFromString("0.01"), decimal.NewFromInt(100001)} {
		if _, err := svc.UpdatePrice(ctx, 1, bad); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("price %s: expected invalid input, got %v", bad, err)
		}
	}
	if _, err := svc.UpdatePrice(ctx, 99, decimal.NewFromInt(4000)); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetMaintenance(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	p, err := svc.SetMaintenance(ctx, 1, true)
	if err != nil || p.Status != models.PointMaintenance {
		t.Fatalf("SetMaintenance on: %+v %v", p, err)
	}
	p, err = svc.SetMaintenance(ctx, 1, false)
	if err != nil || p.Status != models.PointAvailable {
		t.Fatalf("SetMaintenance off: %+v %v", p, err)
	}
	if _, err := svc.SetMaintenance(ctx, 2, true); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for in-use point, got %v", err)
	}
}
