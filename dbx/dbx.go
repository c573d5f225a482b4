// Package dbx wires the Postgres connection pool and runs the embedded
// schema migrations for the shared tables (spec §6: tenants, jobs).
// Per-tenant tables are provisioned separately by the store package.
package dbx

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration for goose
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Open creates a pgx connection pool for the application's hot path and
// pings it. Migrations are applied separately by Migrate.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("dbx: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbx: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every pending migration under migrations/.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("dbx: open migration handle: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("dbx: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("dbx: migrate: %w", err)
	}
	return nil
}
