package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/pricefeed-pool/internal/config"
)

// Connect creates the archive connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Schema creates the price_updates table. Prices are NUMERIC because feed
// values are arbitrary-precision integers scaled by 10^exponent.
const Schema = `
CREATE TABLE IF NOT EXISTS price_updates (
	price_feed_id   BIGINT      NOT NULL,
	timestamp_us    BIGINT      NOT NULL,
	subscription_id BIGINT      NOT NULL,
	price           NUMERIC,
	best_bid_price  NUMERIC,
	best_ask_price  NUMERIC,
	confidence      NUMERIC,
	exponent        INTEGER     NOT NULL DEFAULT 0,
	publisher_count INTEGER     NOT NULL DEFAULT 0,
	received_at     BIGINT      NOT NULL,
	source          TEXT        NOT NULL,
	PRIMARY KEY (price_feed_id, timestamp_us)
)`

// EnsureSchema creates the archive table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create price_updates: %w", err)
	}
	return nil
}
