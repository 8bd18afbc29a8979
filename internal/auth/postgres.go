package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Resolver = (*PostgresResolver)(nil)

// PostgresResolver resolves API keys against the users table. The pool is
// shared with the ledger store; see pkg/ledger/postgres for the schema.
type PostgresResolver struct {
	pool *pgxpool.Pool
}

// NewPostgresResolver creates a resolver backed by pool.
func NewPostgresResolver(pool *pgxpool.Pool) *PostgresResolver {
	return &PostgresResolver{pool: pool}
}

// Resolve implements [Resolver].
func (r *PostgresResolver) Resolve(ctx context.Context, apiKey string) (*Account, error) {
	const q = `SELECT id, status, email_verified FROM users WHERE api_key = $1`

	var acct Account
	err := r.pool.QueryRow(ctx, q, apiKey).Scan(&acct.ID, &acct.Status, &acct.EmailVerified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("auth: resolve key: %w", err)
	}
	if !acct.Active() {
		return nil, fmt.Errorf("%w: %s", ErrInactiveAccount, acct.ID)
	}
	return &acct, nil
}
