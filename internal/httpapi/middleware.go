package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/llmule/broker/internal/auth"
)

// ctxKey namespaces request-context values set by the auth middleware.
type ctxKey int

const accountKey ctxKey = iota

// accountFrom returns the authenticated account id stored by
// [Server.authenticated].
func accountFrom(ctx context.Context) string {
	id, _ := ctx.Value(accountKey).(string)
	return id
}

// apiKeyFrom extracts the credential from Authorization: Bearer or the
// x-api-key header.
func apiKeyFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if key, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// authenticated resolves the caller's API key, applies the per-key rate
// limit, and stores the account id in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing_api_key",
				"provide an API key via Authorization: Bearer or x-api-key")
			return
		}

		acct, err := s.resolver.Resolve(r.Context(), key)
		switch {
		case errors.Is(err, auth.ErrUnknownKey):
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key",
				"unknown API key")
			return
		case errors.Is(err, auth.ErrInactiveAccount):
			writeError(w, http.StatusForbidden, "invalid_request_error", "account_inactive",
				"account is not active")
			return
		case err != nil:
			s.log.Error("api key resolution failed", "error", err)
			writeError(w, http.StatusInternalServerError, "api_error", "internal_error",
				"authentication unavailable")
			return
		}

		if s.limiter != nil && !s.limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, "invalid_request_error", "rate_limit_exceeded",
				"request rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), accountKey, acct.ID)
		next(w, r.WithContext(ctx))
	})
}

// keyLimiter holds one token bucket per API key.
type keyLimiter struct {
	rps   rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func newKeyLimiter(rps float64, burst int) *keyLimiter {
	return &keyLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		m:     make(map[string]*rate.Limiter),
	}
}

func (l *keyLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.m[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.m[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
