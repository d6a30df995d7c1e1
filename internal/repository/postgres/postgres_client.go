package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"waitlist-service/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS waitlist (
    id            uuid PRIMARY KEY,
    identity      text NOT NULL,
    name          text,
    referral_code text NOT NULL,
    referred_by   text,
    created_at    timestamptz NOT NULL DEFAULT now(),
    CONSTRAINT uq_waitlist_identity UNIQUE (identity),
    CONSTRAINT uq_waitlist_referral_code UNIQUE (referral_code)
)`

// NewPool builds a pgxpool from config and verifies connectivity. Outside
// production it also creates the waitlist table if missing.
func NewPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		pcfg.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns >= 0 {
		pcfg.MinConns = cfg.Postgres.MinConns
	}
	if cfg.Postgres.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if !cfg.IsProduction() {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply postgres schema: %w", err)
		}
	}

	logger.Info("Postgres pool initialized",
		zap.Int32("max_conns", pcfg.MaxConns),
		zap.String("database", pcfg.ConnConfig.Database))

	return pool, nil
}
