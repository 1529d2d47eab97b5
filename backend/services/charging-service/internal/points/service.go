// Package points manages the price and availability of charging points.
package points

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/pricing"
	"evpay/backend/services/charging-service/internal/repository"
)

// Service edits point rows. Price changes never touch sessions that already completed,
// since completed sessions carry their own price_per_kwh and final_cost.
type Service struct {
	store  repository.Store
	logger *zap.Logger
}

// NewService returns service instance.
func NewService(store repository.Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger.Named("points")}
}

// Get returns a point.
func (s *Service) Get(ctx context.Context, pointID int64) (*models.ChargingPoint, error) {
	return s.store.GetPoint(ctx, pointID)
}

// UpdatePrice sets the per-kWh price used by sessions completed after the change.
func (s *Service) UpdatePrice(ctx context.Context, pointID int64, price decimal.Decimal) (*models.ChargingPoint, error) {
	if err := pricing.ValidatePrice(price); err != nil {
		return nil, apperr.Invalid("%s", err.Error())
	}
	var point *models.ChargingPoint
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPoint(ctx, pointID)
		if err != nil {
			return err
		}
		if err := tx.UpdatePointPrice(ctx, pointID, price); err != nil {
			return err
		}
		p.PricePerKWh = price
		point = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("point price updated", zap.Int64("point_id", pointID), zap.String("price", price.String()))
	return point, nil
}

// SetMaintenance takes a point out of service or returns it. A point with a live session
// cannot enter maintenance.
func (s *Service) SetMaintenance(ctx context.Context, pointID int64, on bool) (*models.ChargingPoint, error) {
	var point *models.ChargingPoint
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPoint(ctx, pointID)
		if err != nil {
			return err
		}
		next := models.PointAvailable
		if on {
			next = models.PointMaintenance
		}
		switch {
		case p.Status == next:
			point = p
			return nil
		case p.Status == models.PointInUse:
			return apperr.Conflict("point %d is in use", pointID)
		}
		if err := tx.SetPointStatus(ctx, pointID, next); err != nil {
			return err
		}
		p.Status = next
		point = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("point status changed", zap.Int64("point_id", pointID), zap.String("status", string(point.Status)))
	return point, nil
}
