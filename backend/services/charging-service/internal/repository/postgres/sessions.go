package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/models"
)

const sessionColumns = `
	id, driver_id, point_id, reservation_id, status, start_time, end_time, max_end_time,
	initial_soc, final_soc, target_soc, energy_kwh, duration_minutes, price_per_kwh,
	cost_before_discount, surcharge, discount, final_cost, deposit_amount,
	paused_at, max_pause_seconds, cancel_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s             models.Session
		reservationID sql.NullInt64
		endTime       sql.NullTime
		maxEndTime    sql.NullTime
		finalSOC      sql.NullInt64
		finalCost     decimal.NullDecimal
		deposit       decimal.NullDecimal
		pausedAt      sql.NullTime
		maxPauseSecs  int64
	)
	err := row.Scan(
		&s.ID, &s.DriverID, &s.PointID, &reservationID, &s.Status, &s.StartTime, &endTime, &maxEndTime,
		&s.InitialSOC, &finalSOC, &s.TargetSOC, &s.EnergyKWh, &s.DurationMinutes, &s.PricePerKWh,
		&s.CostBeforeDiscount, &s.Surcharge, &s.Discount, &finalCost, &deposit,
		&pausedAt, &maxPauseSecs, &s.CancelReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reservationID.Valid {
		s.ReservationID = &reservationID.Int64
	}
	s.EndTime = nullTime(endTime)
	s.MaxEndTime = nullTime(maxEndTime)
	s.PausedAt = nullTime(pausedAt)
	if finalSOC.Valid {
		v := int(finalSOC.Int64)
		s.FinalSOC = &v
	}
	if finalCost.Valid {
		s.FinalCost = &finalCost.Decimal
	}
	if deposit.Valid {
		s.DepositAmount = &deposit.Decimal
	}
	s.MaxPauseDuration = time.Duration(maxPauseSecs) * time.Second
	return &s, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func (r queries) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM charging_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, notFoundOr(err, "session", id)
	}
	return s, nil
}

func (r queries) ListSessionsByDriver(ctx context.Context, driverID int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE driver_id = $1
		ORDER BY start_time DESC, id DESC
		LIMIT $2`
	return r.listSessions(ctx, query, driverID, limit)
}

func (r queries) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	const query = `SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE status IN ('in_progress', 'paused')
		ORDER BY id`
	return r.listSessions(ctx, query)
}

func (r queries) listSessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (t *tx) LockSession(ctx context.Context, id int64) (*models.Session, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM charging_sessions WHERE id = $1 FOR UPDATE`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, notFoundOr(err, "session", id)
	}
	return s, nil
}

func (t *tx) FindActiveSessionByDriver(ctx context.Context, driverID int64) (*models.Session, error) {
	const query = `SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE driver_id = $1 AND status IN ('in_progress', 'paused')
		FOR UPDATE`
	s, err := scanSession(t.q.QueryRowContext(ctx, query, driverID))
	if err != nil {
		return nil, notFoundOr(err, "active session for driver", driverID)
	}
	return s, nil
}

func (t *tx) InsertSession(ctx context.Context, s *models.Session) error {
	const query = `
		INSERT INTO charging_sessions (
			driver_id, point_id, reservation_id, status, start_time, max_end_time,
			initial_soc, target_soc, price_per_kwh, deposit_amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING id`
	err := t.q.QueryRowContext(ctx, query,
		s.DriverID, s.PointID, s.ReservationID, s.Status, s.StartTime, s.MaxEndTime,
		s.InitialSOC, s.TargetSOC, s.PricePerKWh, nullDecimal(s.DepositAmount), s.CreatedAt,
	).Scan(&s.ID)
	if err != nil {
		if isUnique(err, "uq_sessions_driver_active") {
			return apperr.Conflict("driver %d already has an active session", s.DriverID)
		}
		if isUnique(err, "uq_sessions_reservation") {
			return apperr.Conflict("reservation %d already used", *s.ReservationID)
		}
		return mapWriteErr(err, "insert session")
	}
	return nil
}

func (t *tx) UpdateSession(ctx context.Context, s *models.Session) error {
	const query = `
		UPDATE charging_sessions SET
			status = $2, end_time = $3, final_soc = $4, energy_kwh = $5, duration_minutes = $6,
			price_per_kwh = $7, cost_before_discount = $8, surcharge = $9, discount = $10,
			final_cost = $11, deposit_amount = $12, paused_at = $13, max_pause_seconds = $14,
			cancel_reason = $15, updated_at = $16
		WHERE id = $1`
	var finalSOC sql.NullInt64
	if s.FinalSOC != nil {
		finalSOC = sql.NullInt64{Int64: int64(*s.FinalSOC), Valid: true}
	}
	res, err := t.q.ExecContext(ctx, query,
		s.ID, s.Status, s.EndTime, finalSOC, s.EnergyKWh, s.DurationMinutes,
		s.PricePerKWh, s.CostBeforeDiscount, s.Surcharge, s.Discount,
		nullDecimal(s.FinalCost), nullDecimal(s.DepositAmount), s.PausedAt, int64(s.MaxPauseDuration/time.Second),
		s.CancelReason, s.UpdatedAt,
	)
	if err != nil {
		return mapWriteErr(err, "update session")
	}
	return expectOne(res, "session", s.ID)
}

func (r queries) ListSessionLogs(ctx context.Context, sessionID int64) ([]models.SessionLog, error) {
	const query = `
		SELECT id, session_id, soc, power_kw, voltage, temperature, energy_kwh, recorded_at
		FROM session_logs
		WHERE session_id = $1
		ORDER BY recorded_at, id`
	rows, err := r.q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SessionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

func (r queries) LatestSessionLog(ctx context.Context, sessionID int64) (*models.SessionLog, error) {
	const query = `
		SELECT id, session_id, soc, power_kw, voltage, temperature, energy_kwh, recorded_at
		FROM session_logs
		WHERE session_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`
	l, err := scanLog(r.q.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		return nil, notFoundOr(err, "session log", sessionID)
	}
	return l, nil
}

func scanLog(row rowScanner) (*models.SessionLog, error) {
	var (
		l      models.SessionLog
		energy sql.NullFloat64
	)
	if err := row.Scan(&l.ID, &l.SessionID, &l.SOC, &l.PowerKW, &l.Voltage, &l.Temperature, &energy, &l.RecordedAt); err != nil {
		return nil, err
	}
	if energy.Valid {
		l.EnergyKWh = &energy.Float64
	}
	return &l, nil
}

func (t *tx) InsertSessionLog(ctx context.Context, l *models.SessionLog) error {
	const query = `
		INSERT INTO session_logs (session_id, soc, power_kw, voltage, temperature, energy_kwh, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	err := t.q.QueryRowContext(ctx, query,
		l.SessionID, l.SOC, l.PowerKW, l.Voltage, l.Temperature, l.EnergyKWh, l.RecordedAt,
	).Scan(&l.ID)
	return mapWriteErr(err, "insert session log")
}

func expectOne(res sql.Result, entity string, id any) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}
