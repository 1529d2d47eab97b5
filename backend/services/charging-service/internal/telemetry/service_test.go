package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/repository"
	"evpay/backend/services/charging-service/internal/repository/memory"
)

func newTestService(t *testing.T, status models.SessionStatus) (*Service, *clock.Manual, int64) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	_ = store.UpsertPoint(ctx, &models.ChargingPoint{ID: 1, StationID: 1, Status: models.PointInUse, PowerKW: 60, PricePerKWh: decimal.NewFromInt(3500), StationActive: true})
	_ = store.UpsertAccount(ctx, &models.Account{UserID: 5, Tier: models.TierBasic})

	sess := &models.Session{DriverID: 5, PointID: 1, Status: status, StartTime: start, InitialSOC: 20, TargetSOC: 80}
	if err := store.InTx(ctx, func(tx repository.Tx) error { return tx.InsertSession(ctx, sess) }); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	clk := clock.NewManual(start.Add(time.Minute))
	svc := NewService(store, testEstimator(), clk, zap.NewNop())
	return svc, clk, sess.ID
}

func TestIngestRejectsOutOfOrderSamples(t *testing.T) {
	svc, _, id := newTestService(t, models.SessionInProgress)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, id, SampleInput{SOC: 30, PowerKW: 50, Timestamp: start.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("first sample: %v", err)
	}
	_, err := svc.Ingest(ctx, id, SampleInput{SOC: 29, PowerKW: 50, Timestamp: start.Add(time.Minute)})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("out-of-order sample: want ErrInvalidInput, got %v", err)
	}
	_, err = svc.Ingest(ctx, id, SampleInput{SOC: 120, PowerKW: 50, Timestamp: start.Add(3 * time.Minute)})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("soc 120: want ErrInvalidInput, got %v", err)
	}
}

func TestIngestDefaultsTimestampToClock(t *testing.T) {
	svc, clk, id := newTestService(t, models.SessionInProgress)

	entry, err := svc.Ingest(context.Background(), id, SampleInput{SOC: 25, PowerKW: 50})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !entry.RecordedAt.Equal(clk.Now()) {
		t.Fatalf("recorded_at = %s, want %s", entry.RecordedAt, clk.Now())
	}
}

func TestIngestRequiresInProgress(t *testing.T) {
	svc, _, id := newTestService(t, models.SessionPaused)

	_, err := svc.Ingest(context.Background(), id, SampleInput{SOC: 25, PowerKW: 50})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if _, err := svc.Ingest(context.Background(), 999, SampleInput{SOC: 25}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestServiceEstimate(t *testing.T) {
	svc, clk, id := newTestService(t, models.SessionInProgress)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, id, SampleInput{SOC: 50, PowerKW: 60, EnergyKWh: floatPtr(18), Timestamp: start.Add(18 * time.Minute)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	clk.Set(start.Add(18 * time.Minute))

	est, err := svc.Estimate(ctx, id)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.CurrentSOC != 50 || est.EnergyKWh != 18 || est.ElapsedMinutes != 18 {
		t.Fatalf("unexpected estimate %+v", est)
	}

	logs, _ := svc.store.ListSessionLogs(ctx, id)
	if len(logs) != 1 {
		t.Fatalf("estimate must not write, have %d logs", len(logs))
	}
}
