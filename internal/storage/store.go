package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"sentinel-oracle/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS update_attempts (
    id           UUID PRIMARY KEY,
    asset        TEXT NOT NULL,
    asset_id     TEXT NOT NULL,
    price        NUMERIC,
    confidence   NUMERIC,
    source       TEXT NOT NULL DEFAULT '',
    anomalous    BOOLEAN NOT NULL DEFAULT FALSE,
    z_score      DOUBLE PRECISION,
    pct_change   DOUBLE PRECISION,
    reason       TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL,
    tx_hash      TEXT,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    error        TEXT,
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_update_attempts_started ON update_attempts (started_at DESC);
CREATE INDEX IF NOT EXISTS idx_update_attempts_asset ON update_attempts (asset, started_at DESC);

CREATE TABLE IF NOT EXISTS processed_events (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    asset_id      TEXT NOT NULL,
    tx_hash       TEXT NOT NULL,
    block_number  BIGINT NOT NULL,
    processed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS event_cursors (
    stream      TEXT PRIMARY KEY,
    block       BIGINT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// EnsureSchema creates the tables used by the pusher when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNotConfigured
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
