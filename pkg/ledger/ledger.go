// Package ledger defines the broker's accounting gateway: atomic balance
// mutations and an append-only transaction log, expressed in MULE.
//
// The interface is storage-agnostic. The postgres subpackage implements it
// against PostgreSQL via pgx; the mock subpackage provides an in-memory
// implementation for tests and the broker's database-less dev mode.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llmule/broker/pkg/model"
	"github.com/llmule/broker/pkg/tokenomics"
)

// TxKind enumerates transaction kinds.
type TxKind string

const (
	KindConsumption TxKind = "consumption"
	KindSelfService TxKind = "self_service"
	KindDeposit     TxKind = "deposit"
	KindWithdrawal  TxKind = "withdrawal"
)

// MetadataWelcomeBonus tags the deposit emitted on first sight of an account.
const MetadataWelcomeBonus = "welcome_bonus"

// ErrUnknownAccount is returned by balance mutations on accounts that were
// never seen by [Gateway.EnsureBalance].
var ErrUnknownAccount = errors.New("ledger: unknown account")

// Usage is the raw token accounting reported for a completed request.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Total returns the reported total, recomputing it from the parts when the
// provider reported zero alongside non-zero prompt/completion counts.
func (u Usage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// Performance is the observed throughput sample attached to a transaction.
type Performance struct {
	DurationSeconds float64
	TokensPerSecond float64
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID        string
	Timestamp time.Time
	Kind      TxKind

	// Consumer is the paying account. Provider is the earning account;
	// empty for deposits, withdrawals, and anonymous providers.
	Consumer string
	Provider string

	Model string
	Tier  model.Tier
	Usage Usage

	// Amount is the MULE value of the work; PlatformFee the broker's cut.
	Amount      decimal.Decimal
	PlatformFee decimal.Decimal

	Performance Performance
	Metadata    map[string]string
}

// Balance is an account's current MULE balance.
type Balance struct {
	Account   string
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// SettleRequest asks the gateway to account one completed inference.
type SettleRequest struct {
	Consumer string

	// Provider is empty when the serving provider has no resolved account;
	// the consumer is still debited but nobody is credited.
	Provider string

	Model       string
	Tier        model.Tier
	Usage       Usage
	Performance Performance
}

// SettleResult reports what a settlement did.
type SettleResult struct {
	Kind   TxKind
	Amount decimal.Decimal
	Fee    decimal.Decimal

	// ProviderCredit is Amount − Fee for consumption, zero otherwise.
	ProviderCredit decimal.Decimal

	// BalancesMoved is false for self-service and zero-amount settlements.
	BalancesMoved bool
}

// TxFilter selects transactions for read-only views.
type TxFilter struct {
	Consumer string
	Provider string
	Kind     TxKind
	Since    time.Time
	Limit    int
}

// ProviderStats aggregates a provider account's earnings.
type ProviderStats struct {
	Account       string
	TotalEarned   decimal.Decimal
	TotalRequests int64
	TotalTokens   int64
	LastActive    time.Time
}

// ConsumerStats aggregates a consumer account's spending.
type ConsumerStats struct {
	Account       string
	TotalSpent    decimal.Decimal
	TotalRequests int64
	TotalTokens   int64
}

// Gateway is the accounting interface the dispatcher and HTTP surface use.
// Implementations must make each operation atomic at the record level.
type Gateway interface {
	// EnsureBalance idempotently creates the account's balance row with the
	// welcome amount on first sight and returns the current balance.
	// Concurrent callers converge to exactly one creation and one
	// welcome-bonus deposit transaction.
	EnsureBalance(ctx context.Context, account string) (decimal.Decimal, error)

	// GetBalance returns the account's balance, creating it on miss.
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)

	// Credit and Debit atomically adjust the balance and refresh its
	// last-updated timestamp.
	Credit(ctx context.Context, account string, amount decimal.Decimal) error
	Debit(ctx context.Context, account string, amount decimal.Decimal) error

	// RecordTransaction appends tx to the log. No update, no delete.
	RecordTransaction(ctx context.Context, tx Transaction) error

	// Settle accounts one completed inference per the consumption rules:
	// debit consumer, credit provider minus fee, and append the transaction
	// as one atomic group where the store supports it. Self-service and
	// zero-amount settlements record the transaction without moving money.
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)

	// Transactions returns ledger entries matching f, newest first.
	Transactions(ctx context.Context, f TxFilter) ([]Transaction, error)

	// ProviderStats and ConsumerStats aggregate an account's ledger history.
	ProviderStats(ctx context.Context, account string) (ProviderStats, error)
	ConsumerStats(ctx context.Context, account string) (ConsumerStats, error)
}

// ComputeSettlement applies the pure pricing rules to req. Both gateway
// implementations delegate here so the arithmetic cannot drift.
func ComputeSettlement(e *tokenomics.Engine, req SettleRequest) SettleResult {
	amount := e.TokensToMules(req.Usage.Total(), req.Tier)

	if req.Provider != "" && req.Provider == req.Consumer {
		// Self-service: record the value of the work, move nothing.
		return SettleResult{Kind: KindSelfService, Amount: amount}
	}

	fee := e.PlatformFee(amount)
	res := SettleResult{
		Kind:           KindConsumption,
		Amount:         amount,
		Fee:            fee,
		ProviderCredit: amount.Sub(fee),
		BalancesMoved:  amount.IsPositive(),
	}
	if req.Provider == "" {
		// Anonymous provider: the consumer is still debited, but there is
		// no provider account to credit.
		res.ProviderCredit = decimal.Zero
	}
	return res
}
