// Package postgres provides the PostgreSQL connection pool, migration runner
// and the run archive.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/runstream/internal/config"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// NewPool creates the archive's connection pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = "runstream"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// gooseMu serializes migrations; goose keeps its base FS and dialect in
// package state.
var gooseMu sync.Mutex

// withMigrationDB opens a database/sql handle for goose and runs fn on it.
func withMigrationDB(ctx context.Context, dsn string, fn func(*sql.DB) error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return fn(db)
}

// RunMigrations applies all pending migrations of the run archive.
func RunMigrations(ctx context.Context, dsn string) error {
	return withMigrationDB(ctx, dsn, func(db *sql.DB) error {
		before, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		after, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		if after != before {
			slog.InfoContext(ctx, "archive migrated", "from_version", before, "to_version", after)
		}
		return nil
	})
}

// RollbackMigrations rolls back the last steps migrations. Rolling back
// past version 0 stops without error.
func RollbackMigrations(ctx context.Context, dsn string, steps int) error {
	return withMigrationDB(ctx, dsn, func(db *sql.DB) error {
		for range steps {
			v, err := goose.GetDBVersionContext(ctx, db)
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			if v == 0 {
				return nil
			}
			if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
				return fmt.Errorf("rollback from %d: %w", v, err)
			}
			slog.InfoContext(ctx, "archive migration rolled back", "version", v)
		}
		return nil
	})
}

// MigrationVersion returns the archive's current schema version.
func MigrationVersion(ctx context.Context, dsn string) (int64, error) {
	var version int64
	err := withMigrationDB(ctx, dsn, func(db *sql.DB) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}
