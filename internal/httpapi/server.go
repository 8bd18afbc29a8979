// Package httpapi serves the broker's client-facing HTTP surface: the
// OpenAI-compatible completion endpoint, the model catalog, and the
// accounting views.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmule/broker/internal/auth"
	"github.com/llmule/broker/internal/dispatch"
	"github.com/llmule/broker/internal/health"
	"github.com/llmule/broker/internal/registry"
	"github.com/llmule/broker/pkg/api"
	"github.com/llmule/broker/pkg/ledger"
)

// Config bounds client requests.
type Config struct {
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64

	// RateLimitRPS and RateLimitBurst configure the per-API-key limiter.
	// RPS <= 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP surface. It implements http.Handler.
type Server struct {
	cfg Config
	mux *http.ServeMux
	log *slog.Logger

	disp     *dispatch.Dispatcher
	reg      *registry.Registry
	gw       ledger.Gateway
	resolver auth.Resolver
	limiter  *keyLimiter
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New assembles the route table. providerWS is the session layer's websocket
// attach point; hc serves the health probes.
func New(cfg Config, disp *dispatch.Dispatcher, reg *registry.Registry, gw ledger.Gateway, resolver auth.Resolver, hc *health.Handler, providerWS http.Handler, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		log:      slog.Default(),
		disp:     disp,
		reg:      reg,
		gw:       gw,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	s.mux.Handle("POST /v1/chat/completions", s.authenticated(s.handleCompletions))
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.Handle("GET /v1/balance", s.authenticated(s.handleBalance))
	s.mux.Handle("GET /v1/transactions", s.authenticated(s.handleTransactions))
	s.mux.Handle("GET /v1/provider/stats", s.authenticated(s.handleProviderStats))
	s.mux.Handle("GET /v1/consumer/stats", s.authenticated(s.handleConsumerStats))
	if providerWS != nil {
		s.mux.Handle("GET /v1/provider/ws", providerWS)
	}
	if hc != nil {
		hc.Register(s.mux)
	}
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// writeJSON encodes v with the given status. Encoding failures fall back to
// a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"message":"encoding failure","type":"api_error"}}`, http.StatusInternalServerError)
	}
}

// writeError emits the structured error envelope.
func writeError(w http.ResponseWriter, status int, typ, code, message string) {
	writeJSON(w, status, api.ErrorBody{Error: api.ErrorDetail{
		Message: message,
		Type:    typ,
		Code:    code,
	}})
}

// writeDispatchError maps a routing failure onto the wire taxonomy.
func writeDispatchError(w http.ResponseWriter, err *dispatch.Error) {
	writeError(w, err.HTTPStatus(), err.APIType(), err.APICode(), err.Message)
}
