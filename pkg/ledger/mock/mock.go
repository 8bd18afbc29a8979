// Package mock provides an in-memory [ledger.Gateway] for tests and for the
// broker's database-less dev mode.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llmule/broker/pkg/ledger"
	"github.com/llmule/broker/pkg/tokenomics"
)

var _ ledger.Gateway = (*Gateway)(nil)

// Gateway is an in-memory ledger. All methods are safe for concurrent use.
type Gateway struct {
	engine *tokenomics.Engine

	mu       sync.Mutex
	balances map[string]*ledger.Balance
	log      []ledger.Transaction

	// FailSettles forces Settle to return an error; used to exercise the
	// dispatcher's settlement-failure path.
	FailSettles bool
}

// New creates an empty in-memory gateway priced by engine.
func New(engine *tokenomics.Engine) *Gateway {
	return &Gateway{
		engine:   engine,
		balances: make(map[string]*ledger.Balance),
	}
}

// Ping reports the in-memory store as always reachable, satisfying the
// readiness prober in dev mode.
func (g *Gateway) Ping(ctx context.Context) error { return nil }

// EnsureBalance implements [ledger.Gateway].
func (g *Gateway) EnsureBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureLocked(account), nil
}

func (g *Gateway) ensureLocked(account string) decimal.Decimal {
	if b, ok := g.balances[account]; ok {
		return b.Amount
	}
	welcome := g.engine.WelcomeAmount()
	g.balances[account] = &ledger.Balance{
		Account:   account,
		Amount:    welcome,
		UpdatedAt: time.Now().UTC(),
	}
	g.log = append(g.log, ledger.Transaction{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      ledger.KindDeposit,
		Consumer:  account,
		Amount:    welcome,
		Metadata:  map[string]string{"reason": ledger.MetadataWelcomeBonus},
	})
	return welcome
}

// GetBalance implements [ledger.Gateway].
func (g *Gateway) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return g.EnsureBalance(ctx, account)
}

// Credit implements [ledger.Gateway].
func (g *Gateway) Credit(ctx context.Context, account string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adjustLocked(account, amount)
}

// Debit implements [ledger.Gateway].
func (g *Gateway) Debit(ctx context.Context, account string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adjustLocked(account, amount.Neg())
}

func (g *Gateway) adjustLocked(account string, delta decimal.Decimal) error {
	b, ok := g.balances[account]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, account)
	}
	b.Amount = b.Amount.Add(delta)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordTransaction implements [ledger.Gateway].
func (g *Gateway) RecordTransaction(ctx context.Context, tx ledger.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordLocked(tx)
	return nil
}

func (g *Gateway) recordLocked(tx ledger.Transaction) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	g.log = append(g.log, tx)
}

// Settle implements [ledger.Gateway].
func (g *Gateway) Settle(ctx context.Context, req ledger.SettleRequest) (ledger.SettleResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailSettles {
		return ledger.SettleResult{}, fmt.Errorf("mock ledger: settle failure injected")
	}

	res := ledger.ComputeSettlement(g.engine, req)

	if res.BalancesMoved {
		g.ensureLocked(req.Consumer)
		if err := g.adjustLocked(req.Consumer, res.Amount.Neg()); err != nil {
			return ledger.SettleResult{}, err
		}
		if req.Provider != "" {
			g.ensureLocked(req.Provider)
			if err := g.adjustLocked(req.Provider, res.ProviderCredit); err != nil {
				return ledger.SettleResult{}, err
			}
		}
	}

	g.recordLocked(ledger.Transaction{
		Kind:        res.Kind,
		Consumer:    req.Consumer,
		Provider:    req.Provider,
		Model:       req.Model,
		Tier:        req.Tier,
		Usage:       req.Usage,
		Amount:      res.Amount,
		PlatformFee: res.Fee,
		Performance: req.Performance,
	})
	return res, nil
}

// Transactions implements [ledger.Gateway].
func (g *Gateway) Transactions(ctx context.Context, f ledger.TxFilter) ([]ledger.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []ledger.Transaction
	for _, tx := range g.log {
		if f.Consumer != "" && tx.Consumer != f.Consumer {
			continue
		}
		if f.Provider != "" && tx.Provider != f.Provider {
			continue
		}
		if f.Kind != "" && tx.Kind != f.Kind {
			continue
		}
		if !f.Since.IsZero() && tx.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ProviderStats implements [ledger.Gateway].
func (g *Gateway) ProviderStats(ctx context.Context, account string) (ledger.ProviderStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := ledger.ProviderStats{Account: account, TotalEarned: decimal.Zero}
	for _, tx := range g.log {
		if tx.Provider != account || tx.Kind != ledger.KindConsumption {
			continue
		}
		stats.TotalEarned = stats.TotalEarned.Add(tx.Amount.Sub(tx.PlatformFee))
		stats.TotalRequests++
		stats.TotalTokens += tx.Usage.Total()
		if tx.Timestamp.After(stats.LastActive) {
			stats.LastActive = tx.Timestamp
		}
	}
	return stats, nil
}

// ConsumerStats implements [ledger.Gateway].
func (g *Gateway) ConsumerStats(ctx context.Context, account string) (ledger.ConsumerStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := ledger.ConsumerStats{Account: account, TotalSpent: decimal.Zero}
	for _, tx := range g.log {
		if tx.Consumer != account || tx.Kind != ledger.KindConsumption {
			continue
		}
		stats.TotalSpent = stats.TotalSpent.Add(tx.Amount)
		stats.TotalRequests++
		stats.TotalTokens += tx.Usage.Total()
	}
	return stats, nil
}

// WelcomeTransactions returns how many welcome-bonus deposits account has
// received. Test helper for the idempotence property.
func (g *Gateway) WelcomeTransactions(account string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, tx := range g.log {
		if tx.Kind == ledger.KindDeposit && tx.Consumer == account && tx.Metadata["reason"] == ledger.MetadataWelcomeBonus {
			n++
		}
	}
	return n
}
