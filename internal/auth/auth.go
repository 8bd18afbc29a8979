// Package auth resolves presented API keys to broker accounts. It backs both
// the client-facing HTTP authentication and the provider registration
// handshake.
package auth

import (
	"context"
	"errors"
)

// Account statuses stored in the users collection.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

var (
	// ErrUnknownKey is returned when no account matches the presented key.
	ErrUnknownKey = errors.New("auth: unknown api key")

	// ErrInactiveAccount is returned when the account exists but is not in
	// active status.
	ErrInactiveAccount = errors.New("auth: account is not active")
)

// Account is a resolved broker account.
type Account struct {
	// ID is the stable account identifier.
	ID string

	// Status is the account lifecycle state.
	Status string

	// EmailVerified reports whether the signup email was confirmed.
	EmailVerified bool
}

// Active reports whether the account may consume or provide.
func (a *Account) Active() bool {
	return a != nil && a.Status == StatusActive
}

// Resolver maps API keys to accounts.
type Resolver interface {
	// Resolve returns the account owning apiKey. It returns
	// [ErrUnknownKey] for unknown keys and [ErrInactiveAccount] for
	// accounts that exist but may not transact.
	Resolve(ctx context.Context, apiKey string) (*Account, error)
}
