package postgres

import (
	"context"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/models"
)

const pointColumns = `id, station_id, status, power_kw, price_per_kwh, station_active, updated_at`

func scanPoint(row rowScanner) (*models.ChargingPoint, error) {
	var p models.ChargingPoint
	if err := row.Scan(&p.ID, &p.StationID, &p.Status, &p.PowerKW, &p.PricePerKWh, &p.StationActive, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r queries) GetPoint(ctx context.Context, id int64) (*models.ChargingPoint, error) {
	p, err := scanPoint(r.q.QueryRowContext(ctx, `SELECT `+pointColumns+` FROM charging_points WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "charging point", id)
	}
	return p, nil
}

func (t *tx) LockPoint(ctx context.Context, id int64) (*models.ChargingPoint, error) {
	p, err := scanPoint(t.q.QueryRowContext(ctx, `SELECT `+pointColumns+` FROM charging_points WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundOr(err, "charging point", id)
	}
	return p, nil
}

func (t *tx) SetPointStatus(ctx context.Context, id int64, status models.PointStatus) error {
	res, err := t.q.ExecContext(ctx, `UPDATE charging_points SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return mapWriteErr(err, "set point status")
	}
	return expectOne(res, "charging point", id)
}

func (t *tx) UpdatePointPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx, `UPDATE charging_points SET price_per_kwh = $2, updated_at = NOW() WHERE id = $1`, id, price)
	if err != nil {
		return mapWriteErr(err, "update point price")
	}
	return expectOne(res, "charging point", id)
}

// UpsertPoint persists a point coming from the station directory.
func (s *Store) UpsertPoint(ctx context.Context, p *models.ChargingPoint) error {
	const query = `
		INSERT INTO charging_points (id, station_id, status, power_kw, price_per_kwh, station_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			station_id = EXCLUDED.station_id,
			status = EXCLUDED.status,
			power_kw = EXCLUDED.power_kw,
			price_per_kwh = EXCLUDED.price_per_kwh,
			station_active = EXCLUDED.station_active,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.StationID, p.Status, p.PowerKW, p.PricePerKWh, p.StationActive)
	return err
}
