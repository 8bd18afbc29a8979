// Package postgres provides the PostgreSQL-backed implementation of the
// broker's persistent state: users, balances, and the append-only
// transaction log.
//
// All operations share a single [pgxpool.Pool]. Monetary columns are
// NUMERIC(20,6) and scanned into [decimal.Decimal]; the six-decimal MULE
// fixed point is enforced in Go by pkg/tokenomics, not by the database.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, engine)
//	if err != nil { … }
//	defer store.Close()
//
//	bal, _ := store.GetBalance(ctx, account)
//	_, _ = store.Settle(ctx, req)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL: users, balances, transactions
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id             TEXT         PRIMARY KEY,
    api_key        TEXT         NOT NULL UNIQUE,
    email_verified BOOLEAN      NOT NULL DEFAULT false,
    status         TEXT         NOT NULL DEFAULT 'active',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_users_api_key ON users (api_key);
`

const ddlBalances = `
CREATE TABLE IF NOT EXISTS balances (
    account      TEXT           PRIMARY KEY,
    amount       NUMERIC(20,6)  NOT NULL DEFAULT 0,
    last_updated TIMESTAMPTZ    NOT NULL DEFAULT now()
);
`

const ddlTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id                TEXT           PRIMARY KEY,
    timestamp         TIMESTAMPTZ    NOT NULL DEFAULT now(),
    kind              TEXT           NOT NULL,
    consumer          TEXT           NOT NULL,
    provider          TEXT           NOT NULL DEFAULT '',
    model             TEXT           NOT NULL DEFAULT '',
    tier              TEXT           NOT NULL DEFAULT '',
    prompt_tokens     BIGINT         NOT NULL DEFAULT 0,
    completion_tokens BIGINT         NOT NULL DEFAULT 0,
    total_tokens      BIGINT         NOT NULL DEFAULT 0,
    amount            NUMERIC(20,6)  NOT NULL DEFAULT 0,
    platform_fee      NUMERIC(20,6)  NOT NULL DEFAULT 0,
    duration_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
    tokens_per_second DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata          JSONB          NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_transactions_consumer
    ON transactions (consumer, timestamp);

CREATE INDEX IF NOT EXISTS idx_transactions_provider
    ON transactions (provider, timestamp);

CREATE INDEX IF NOT EXISTS idx_transactions_timestamp
    ON transactions (timestamp);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every broker start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlUsers,
		ddlBalances,
		ddlTransactions,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
