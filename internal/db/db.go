package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist. Statements are idempotent
// so every instance can run this at startup.
//
// The partial unique indexes on payment_records back the dedup guarantee:
// a second insert for the same external id fails with 23505 and is treated
// as a duplicate event, never as an error.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS user_accounts (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			billing_period_start TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_balances (
			user_id TEXT PRIMARY KEY,
			total_credits BIGINT NOT NULL DEFAULT 0,
			remaining_credits BIGINT NOT NULL DEFAULT 0 CHECK (remaining_credits >= 0),
			used_credits BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (remaining_credits = total_credits - used_credits)
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reason TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user
			ON credit_transactions (user_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS payment_records (
			id BIGSERIAL PRIMARY KEY,
			external_session_id TEXT,
			external_payment_intent_id TEXT,
			user_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			credits_granted BIGINT NOT NULL,
			status TEXT NOT NULL,
			refunded_cents BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (external_session_id IS NOT NULL OR external_payment_intent_id IS NOT NULL)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_records_session
			ON payment_records (external_session_id)
			WHERE external_session_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_records_intent
			ON payment_records (external_payment_intent_id)
			WHERE external_payment_intent_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS quota_windows (
			user_id TEXT PRIMARY KEY,
			window_start TIMESTAMPTZ NOT NULL,
			requests_used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id BIGSERIAL PRIMARY KEY,
			provider_family TEXT NOT NULL,
			position INTEGER NOT NULL,
			secret TEXT NOT NULL,
			health TEXT NOT NULL DEFAULT 'healthy',
			last_failure_at TIMESTAMPTZ,
			UNIQUE (provider_family, position)
		)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
