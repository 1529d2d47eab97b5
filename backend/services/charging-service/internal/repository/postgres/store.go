// Package postgres implements repository.Store on database/sql with the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	libdb "evpay/backend/libs/db"

	"evpay/backend/services/charging-service/internal/apperr"
	"evpay/backend/services/charging-service/internal/repository"
)

//go:embed schema.sql
var schema string

var (
	_ repository.Store  = (*Store)(nil)
	_ repository.Seeder = (*Store)(nil)
	_ repository.Tx     = (*tx)(nil)
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres-backed repository.
type Store struct {
	queries
	db *sql.DB
}

// NewStore returns a store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction; row locks taken through Lock* methods
// serialize competing writers.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	return libdb.RunInTx(ctx, s.db, opts, func(sqlTx *sql.Tx) error {
		return fn(&tx{queries: queries{q: sqlTx}})
	})
}

// tx adds the locking and write half of repository.Tx.
type tx struct {
	queries
}

// mapWriteErr turns constraint violations into the apperr taxonomy.
func mapWriteErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if libdb.IsUniqueViolation(err, "") {
		return apperr.Conflict("%s: duplicate", what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func notFoundOr(err error, entity string, id any) error {
	if err == sql.ErrNoRows {
		return apperr.NotFound(entity, id)
	}
	return err
}
