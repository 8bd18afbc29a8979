package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/llmule/broker/pkg/ledger"
	"github.com/llmule/broker/pkg/model"
	"github.com/llmule/broker/pkg/tokenomics"
)

// Compile-time interface check.
var _ ledger.Gateway = (*Store)(nil)

// ensureRetries bounds the retry loop on unique-key collisions during
// concurrent first-sight balance creation.
const ensureRetries = 3

// Store is the PostgreSQL-backed [ledger.Gateway]. All methods are safe for
// concurrent use; atomicity is delegated to the database.
type Store struct {
	pool   *pgxpool.Pool
	engine *tokenomics.Engine
}

// NewStore connects to the database at dsn, verifies the connection, and
// runs [Migrate] so all required tables exist.
func NewStore(ctx context.Context, dsn string, engine *tokenomics.Engine) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger store: migrate: %w", err)
	}

	return &Store{pool: pool, engine: engine}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool so other stores sharing the
// same database, such as the API-key resolver, can reuse it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureBalance implements [ledger.Gateway]. The balance row and its
// welcome-bonus deposit are created in one database transaction; concurrent
// first-sight callers collide on the primary key and retry, converging to
// exactly one creation.
func (s *Store) EnsureBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	for attempt := 0; attempt < ensureRetries; attempt++ {
		bal, created, err := s.ensureOnce(ctx, account)
		if err == nil {
			if created {
				slog.Info("welcome bonus granted", "account", account, "amount", bal)
			}
			return bal, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique-key collision: another caller created the row first.
			continue
		}
		return decimal.Zero, fmt.Errorf("ledger store: ensure balance: %w", err)
	}
	// Retries exhausted; the row must exist now.
	return s.selectBalance(ctx, account)
}

func (s *Store) ensureOnce(ctx context.Context, account string) (bal decimal.Decimal, created bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, false, err
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO balances (account, amount)
		VALUES ($1, $2)
		ON CONFLICT (account) DO NOTHING`

	welcome := s.engine.WelcomeAmount()
	tag, err := tx.Exec(ctx, insert, account, welcome)
	if err != nil {
		return decimal.Zero, false, err
	}

	if tag.RowsAffected() == 0 {
		// Row already existed; read the current amount.
		const sel = `SELECT amount FROM balances WHERE account = $1`
		if err := tx.QueryRow(ctx, sel, account).Scan(&bal); err != nil {
			return decimal.Zero, false, err
		}
		return bal, false, tx.Commit(ctx)
	}

	if err := insertTransaction(ctx, tx, ledger.Transaction{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      ledger.KindDeposit,
		Consumer:  account,
		Amount:    welcome,
		Metadata:  map[string]string{"reason": ledger.MetadataWelcomeBonus},
	}); err != nil {
		return decimal.Zero, false, err
	}
	return welcome, true, tx.Commit(ctx)
}

// ensureInTx creates the balance row (with its welcome-bonus deposit) inside
// an already-open transaction if the account has never been seen.
func (s *Store) ensureInTx(ctx context.Context, dbtx pgx.Tx, account string) error {
	const insert = `
		INSERT INTO balances (account, amount)
		VALUES ($1, $2)
		ON CONFLICT (account) DO NOTHING`

	welcome := s.engine.WelcomeAmount()
	tag, err := dbtx.Exec(ctx, insert, account, welcome)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return insertTransaction(ctx, dbtx, ledger.Transaction{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      ledger.KindDeposit,
		Consumer:  account,
		Amount:    welcome,
		Metadata:  map[string]string{"reason": ledger.MetadataWelcomeBonus},
	})
}

func (s *Store) selectBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	const q = `SELECT amount FROM balances WHERE account = $1`
	if err := s.pool.QueryRow(ctx, q, account).Scan(&bal); err != nil {
		return decimal.Zero, fmt.Errorf("ledger store: select balance: %w", err)
	}
	return bal, nil
}

// GetBalance implements [ledger.Gateway].
func (s *Store) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return s.EnsureBalance(ctx, account)
}

// Credit implements [ledger.Gateway].
func (s *Store) Credit(ctx context.Context, account string, amount decimal.Decimal) error {
	return s.adjust(ctx, s.pool, account, amount)
}

// Debit implements [ledger.Gateway].
func (s *Store) Debit(ctx context.Context, account string, amount decimal.Decimal) error {
	return s.adjust(ctx, s.pool, account, amount.Neg())
}

// execer covers both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) adjust(ctx context.Context, db execer, account string, delta decimal.Decimal) error {
	const q = `
		UPDATE balances
		SET    amount = amount + $2, last_updated = now()
		WHERE  account = $1`

	tag, err := db.Exec(ctx, q, account, delta)
	if err != nil {
		return fmt.Errorf("ledger store: adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, account)
	}
	return nil
}

// RecordTransaction implements [ledger.Gateway].
func (s *Store) RecordTransaction(ctx context.Context, tx ledger.Transaction) error {
	if err := insertTransaction(ctx, s.pool, tx); err != nil {
		return fmt.Errorf("ledger store: record transaction: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, db execer, tx ledger.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]string{}
	}

	const q = `
		INSERT INTO transactions
		    (id, timestamp, kind, consumer, provider, model, tier,
		     prompt_tokens, completion_tokens, total_tokens,
		     amount, platform_fee, duration_seconds, tokens_per_second, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.Exec(ctx, q,
		tx.ID,
		tx.Timestamp,
		string(tx.Kind),
		tx.Consumer,
		tx.Provider,
		tx.Model,
		string(tx.Tier),
		tx.Usage.PromptTokens,
		tx.Usage.CompletionTokens,
		tx.Usage.TotalTokens,
		tx.Amount,
		tx.PlatformFee,
		tx.Performance.DurationSeconds,
		tx.Performance.TokensPerSecond,
		tx.Metadata,
	)
	return err
}

// Settle implements [ledger.Gateway]. Debit, credit, and the transaction
// record are committed as one database transaction; a commit failure after
// the provider already answered is logged as a reconciliation record and
// surfaced to the caller, never swallowed.
func (s *Store) Settle(ctx context.Context, req ledger.SettleRequest) (ledger.SettleResult, error) {
	res := ledger.ComputeSettlement(s.engine, req)

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.SettleResult{}, fmt.Errorf("ledger store: settle begin: %w", err)
	}
	defer dbtx.Rollback(ctx)

	if res.BalancesMoved {
		// Parties that raced past the pre-check ensure still get a row here,
		// inside the same transaction.
		if err := s.ensureInTx(ctx, dbtx, req.Consumer); err != nil {
			return ledger.SettleResult{}, s.reconcile(req, res, err)
		}
		if err := s.adjust(ctx, dbtx, req.Consumer, res.Amount.Neg()); err != nil {
			return ledger.SettleResult{}, s.reconcile(req, res, err)
		}
		if req.Provider != "" {
			if err := s.ensureInTx(ctx, dbtx, req.Provider); err != nil {
				return ledger.SettleResult{}, s.reconcile(req, res, err)
			}
			if err := s.adjust(ctx, dbtx, req.Provider, res.ProviderCredit); err != nil {
				return ledger.SettleResult{}, s.reconcile(req, res, err)
			}
		}
	}

	if err := insertTransaction(ctx, dbtx, ledger.Transaction{
		Kind:        res.Kind,
		Consumer:    req.Consumer,
		Provider:    req.Provider,
		Model:       req.Model,
		Tier:        req.Tier,
		Usage:       req.Usage,
		Amount:      res.Amount,
		PlatformFee: res.Fee,
		Performance: req.Performance,
	}); err != nil {
		return ledger.SettleResult{}, s.reconcile(req, res, err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return ledger.SettleResult{}, s.reconcile(req, res, err)
	}
	return res, nil
}

// reconcile records a settlement failure loudly enough for offline repair:
// the full intended mutation is logged before the error is returned.
func (s *Store) reconcile(req ledger.SettleRequest, res ledger.SettleResult, err error) error {
	slog.Error("settlement failed, reconciliation required",
		"consumer", req.Consumer,
		"provider", req.Provider,
		"model", req.Model,
		"tier", req.Tier,
		"total_tokens", req.Usage.Total(),
		"amount", res.Amount,
		"fee", res.Fee,
		"err", err,
	)
	return fmt.Errorf("ledger store: settle: %w", err)
}

// Transactions implements [ledger.Gateway].
func (s *Store) Transactions(ctx context.Context, f ledger.TxFilter) ([]ledger.Transaction, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"true"}
	if f.Consumer != "" {
		conditions = append(conditions, "consumer = "+next(f.Consumer))
	}
	if f.Provider != "" {
		conditions = append(conditions, "provider = "+next(f.Provider))
	}
	if f.Kind != "" {
		conditions = append(conditions, "kind = "+next(string(f.Kind)))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= "+next(f.Since))
	}

	q := "SELECT id, timestamp, kind, consumer, provider, model, tier,\n" +
		"       prompt_tokens, completion_tokens, total_tokens,\n" +
		"       amount, platform_fee, duration_seconds, tokens_per_second, metadata\n" +
		"FROM   transactions\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp DESC"

	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger store: transactions: %w", err)
	}
	return collectTransactions(rows)
}

// collectTransactions scans pgx rows into ledger entries.
func collectTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Transaction, error) {
		var (
			t    ledger.Transaction
			kind string
			tier string
		)
		if err := row.Scan(
			&t.ID,
			&t.Timestamp,
			&kind,
			&t.Consumer,
			&t.Provider,
			&t.Model,
			&tier,
			&t.Usage.PromptTokens,
			&t.Usage.CompletionTokens,
			&t.Usage.TotalTokens,
			&t.Amount,
			&t.PlatformFee,
			&t.Performance.DurationSeconds,
			&t.Performance.TokensPerSecond,
			&t.Metadata,
		); err != nil {
			return ledger.Transaction{}, err
		}
		t.Kind = ledger.TxKind(kind)
		t.Tier = model.Tier(tier)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger store: scan rows: %w", err)
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	return txs, nil
}

// ProviderStats implements [ledger.Gateway].
func (s *Store) ProviderStats(ctx context.Context, account string) (ledger.ProviderStats, error) {
	const q = `
		SELECT COALESCE(SUM(amount - platform_fee), 0),
		       COUNT(*),
		       COALESCE(SUM(GREATEST(total_tokens, prompt_tokens + completion_tokens)), 0),
		       COALESCE(MAX(timestamp), 'epoch'::timestamptz)
		FROM   transactions
		WHERE  provider = $1 AND kind = $2`

	stats := ledger.ProviderStats{Account: account}
	err := s.pool.QueryRow(ctx, q, account, string(ledger.KindConsumption)).Scan(
		&stats.TotalEarned,
		&stats.TotalRequests,
		&stats.TotalTokens,
		&stats.LastActive,
	)
	if err != nil {
		return ledger.ProviderStats{}, fmt.Errorf("ledger store: provider stats: %w", err)
	}
	return stats, nil
}

// ConsumerStats implements [ledger.Gateway].
func (s *Store) ConsumerStats(ctx context.Context, account string) (ledger.ConsumerStats, error) {
	const q = `
		SELECT COALESCE(SUM(amount), 0),
		       COUNT(*),
		       COALESCE(SUM(GREATEST(total_tokens, prompt_tokens + completion_tokens)), 0)
		FROM   transactions
		WHERE  consumer = $1 AND kind = $2`

	stats := ledger.ConsumerStats{Account: account}
	err := s.pool.QueryRow(ctx, q, account, string(ledger.KindConsumption)).Scan(
		&stats.TotalSpent,
		&stats.TotalRequests,
		&stats.TotalTokens,
	)
	if err != nil {
		return ledger.ConsumerStats{}, fmt.Errorf("ledger store: consumer stats: %w", err)
	}
	return stats, nil
}
