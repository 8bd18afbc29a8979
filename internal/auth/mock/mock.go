// Package mock provides an in-memory [auth.Resolver] for tests and dev mode.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/llmule/broker/internal/auth"
)

var (
	_ auth.Resolver = (*Resolver)(nil)
	_ auth.Resolver = OpenResolver{}
)

// Resolver is an in-memory API-key table. Safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	accounts map[string]auth.Account
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{accounts: make(map[string]auth.Account)}
}

// Add registers an active account under apiKey and returns its id.
func (r *Resolver) Add(apiKey, accountID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[apiKey] = auth.Account{ID: accountID, Status: auth.StatusActive, EmailVerified: true}
	return accountID
}

// Suspend marks the account behind apiKey as suspended.
func (r *Resolver) Suspend(apiKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acct, ok := r.accounts[apiKey]; ok {
		acct.Status = auth.StatusSuspended
		r.accounts[apiKey] = acct
	}
}

// OpenResolver accepts any non-empty API key and maps it to a stable account
// derived from the key. Dev mode only; never use in production.
type OpenResolver struct{}

// Resolve implements [auth.Resolver].
func (OpenResolver) Resolve(ctx context.Context, apiKey string) (*auth.Account, error) {
	if apiKey == "" {
		return nil, auth.ErrUnknownKey
	}
	sum := sha256.Sum256([]byte(apiKey))
	return &auth.Account{
		ID:            "dev-" + hex.EncodeToString(sum[:6]),
		Status:        auth.StatusActive,
		EmailVerified: true,
	}, nil
}

// Resolve implements [auth.Resolver].
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (*auth.Account, error) {
	r.mu.RLock()
	acct, ok := r.accounts[apiKey]
	r.mu.RUnlock()

	if !ok {
		return nil, auth.ErrUnknownKey
	}
	if !acct.Active() {
		return nil, auth.ErrInactiveAccount
	}
	out := acct
	return &out, nil
}
