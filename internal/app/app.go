// Package app wires the broker subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithGateway, WithResolver). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/llmule/broker/internal/auth"
	authmock "github.com/llmule/broker/internal/auth/mock"
	"github.com/llmule/broker/internal/config"
	"github.com/llmule/broker/internal/dispatch"
	"github.com/llmule/broker/internal/health"
	"github.com/llmule/broker/internal/httpapi"
	"github.com/llmule/broker/internal/observe"
	"github.com/llmule/broker/internal/registry"
	"github.com/llmule/broker/internal/session"
	"github.com/llmule/broker/pkg/ledger"
	ledgermock "github.com/llmule/broker/pkg/ledger/mock"
	ledgerpg "github.com/llmule/broker/pkg/ledger/postgres"
	"github.com/llmule/broker/pkg/tokenomics"
)

// shutdownGrace bounds how long Run waits for in-flight requests after the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	gw       ledger.Gateway
	resolver auth.Resolver
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	srv      *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGateway injects a ledger gateway instead of creating one from config.
func WithGateway(gw ledger.Gateway) Option {
	return func(a *App) { a.gw = gw }
}

// WithResolver injects an API-key resolver instead of creating one from
// config.
func WithResolver(r auth.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: telemetry, stores,
// the provider registry, the dispatcher, the provider session layer, and the
// HTTP surface. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	engine, err := cfg.TokenomicsEngine()
	if err != nil {
		return nil, fmt.Errorf("app: tokenomics engine: %w", err)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	obsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, obsShutdown)

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	// ── 2. Ledger + auth stores ──────────────────────────────────────────
	if err := a.initStores(ctx, engine); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Registry + dispatcher ─────────────────────────────────────────
	// The registry's removal hook needs the dispatcher, which needs the
	// registry; bind the hook late through the closure.
	var disp *dispatch.Dispatcher
	a.reg = registry.New(
		registry.Config{
			LoadThreshold:    cfg.Routing.LoadThreshold,
			PingInterval:     cfg.Routing.PingInterval.Std(),
			HeartbeatTimeout: cfg.Routing.HeartbeatTimeout.Std(),
		},
		registry.WithLogger(a.log),
		registry.WithOnRemove(func(sessionID, reason string) {
			disp.CancelSession(sessionID, reason)
		}),
		registry.WithActiveProvidersGauge(registry.GaugeFunc(func(ctx context.Context, delta int64) {
			metrics.ActiveProviders.Add(ctx, delta)
		})),
	)
	disp = dispatch.New(
		dispatch.Config{
			LoadThreshold:  cfg.Routing.LoadThreshold,
			DefaultTimeout: cfg.Routing.RequestTimeout.Std(),
			MaxTimeout:     cfg.Routing.MaxRequestTimeout.Std(),
		},
		a.reg, a.gw, engine,
		dispatch.WithLogger(a.log),
		dispatch.WithMetrics(metrics),
	)
	a.disp = disp

	// ── 4. Provider session layer ────────────────────────────────────────
	providerWS := session.NewHandler(a.reg, a.disp, a.resolver, a.gw,
		session.WithLogger(a.log),
		session.WithMetrics(metrics),
	)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	var checkers []health.Checker
	if p, ok := a.gw.(health.Pinger); ok {
		checkers = append(checkers, health.Database(p))
	}
	hc := health.New(checkers...)

	api := httpapi.New(
		httpapi.Config{
			MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
			RateLimitRPS:   cfg.Limits.RateLimitRPS,
			RateLimitBurst: cfg.Limits.RateLimitBurst,
		},
		a.disp, a.reg, a.gw, a.resolver, hc, providerWS,
		httpapi.WithLogger(a.log),
	)

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStores sets up the ledger gateway and API-key resolver, or keeps
// injected doubles. Dev mode runs fully in memory and accepts any API key.
func (a *App) initStores(ctx context.Context, engine *tokenomics.Engine) error {
	if a.gw != nil && a.resolver != nil {
		return nil // both injected
	}

	if a.cfg.Database.DevMode {
		a.log.Warn("dev mode: in-memory ledger, any API key accepted")
		if a.gw == nil {
			a.gw = ledgermock.New(engine)
		}
		if a.resolver == nil {
			a.resolver = authmock.OpenResolver{}
		}
		return nil
	}

	store, err := ledgerpg.NewStore(ctx, a.cfg.Database.PostgresDSN, engine)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})

	if a.gw == nil {
		a.gw = store
	}
	if a.resolver == nil {
		a.resolver = auth.NewPostgresResolver(store.Pool())
	}
	return nil
}

// Handler exposes the composed HTTP surface. Tests drive it through
// httptest instead of binding a real listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and the provider heartbeat monitor until ctx is cancelled,
// then drains and returns. The returned error is nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.reg.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.log.Info("listening",
			slog.String("addr", a.cfg.Server.ListenAddr),
			slog.Bool("tls", a.cfg.Server.TLS != nil),
		)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, then tears down stores and telemetry in
// order. It respects the context deadline; safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if err := a.srv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
