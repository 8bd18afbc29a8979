// Package registry maintains the broker's in-memory catalog of live provider
// sessions: advertised models, health, load, and rolling performance.
//
// The registry exclusively owns provider entries. All mutation goes through
// its methods under a single table guard, so a lookup, an in-flight
// reservation, and the write-handle read always observe one consistent entry.
package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Provider session status values.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
)

var (
	// ErrUnknownSession is returned for operations on sessions the registry
	// does not know about.
	ErrUnknownSession = errors.New("registry: unknown session")

	// ErrHandleUnusable rejects a registration whose write handle is nil or
	// already closed.
	ErrHandleUnusable = errors.New("registry: write handle unusable")

	// ErrNoModels rejects a registration advertising an empty model list.
	ErrNoModels = errors.New("registry: no models advertised")

	// ErrOverloaded is returned by Reserve when the entry is at its
	// in-flight cap or no longer eligible.
	ErrOverloaded = errors.New("registry: provider not eligible")
)

// WriteHandle is the outbound side of a provider session. The session layer
// implements it on top of the websocket connection.
type WriteHandle interface {
	// Send writes one structured message to the provider.
	Send(ctx context.Context, v any) error

	// Ping sends a keep-alive probe.
	Ping(ctx context.Context) error

	// Close terminates the session with a reason. Safe to call repeatedly.
	Close(reason string) error

	// Open reports whether the session can still be written to.
	Open() bool
}

// View is a read-only snapshot of one provider entry, taken under the table
// guard. The write handle inside a View stays valid to call; sends to a
// removed session fail at the handle rather than racing the registry.
type View struct {
	SessionID string
	AccountID string
	Handle    string
	Models    []string

	Status        Status
	Ready         bool
	LastHeartbeat time.Time
	InFlight      int

	// Seq is the registration sequence number; lower means registered
	// earlier. Used as the stable selection tie-break.
	Seq uint64

	TotalRequests int64
	SuccessRate   float64
	AvgTPS        float64
	MaxTPS        float64

	Write WriteHandle
}

type entry struct {
	sessionID string
	accountID string
	handle    string
	models    []string
	write     WriteHandle

	status        Status
	ready         bool
	lastHeartbeat time.Time
	inFlight      int
	seq           uint64

	totalRequests int64
	ring          perfRing
}

// Config holds the registry tunables.
type Config struct {
	// LoadThreshold is the per-provider in-flight cap.
	LoadThreshold int

	// PingInterval is the monitor tick period.
	PingInterval time.Duration

	// HeartbeatTimeout removes sessions silent for longer than this. A
	// session silent past HeartbeatTimeout/3 is demoted to inactive first.
	HeartbeatTimeout time.Duration
}

// Gauge is an increment/decrement counter hook, satisfied by the OTel
// up-down counters in internal/observe via [GaugeFunc].
type Gauge interface {
	Add(ctx context.Context, delta int64)
}

// GaugeFunc adapts a function to the [Gauge] interface.
type GaugeFunc func(ctx context.Context, delta int64)

// Add implements [Gauge].
func (f GaugeFunc) Add(ctx context.Context, delta int64) { f(ctx, delta) }

// Registry is the provider table. Safe for concurrent use.
type Registry struct {
	cfg Config
	log *slog.Logger

	onRemove        func(sessionID, reason string)
	activeProviders Gauge

	mu      sync.RWMutex
	entries map[string]*entry
	// byAccount indexes session ids by owning account, for stats and
	// administrative lookups. Anonymous sessions are not indexed.
	byAccount map[string][]string
	nextSeq   uint64
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithOnRemove registers a hook invoked after a session is purged. The
// dispatcher uses it to reject the session's pending requests with a
// provider-lost error. The hook runs outside the table guard.
func WithOnRemove(fn func(sessionID, reason string)) Option {
	return func(r *Registry) { r.onRemove = fn }
}

// WithActiveProvidersGauge wires the live-session gauge.
func WithActiveProvidersGauge(g Gauge) Option {
	return func(r *Registry) { r.activeProviders = g }
}

// New creates an empty registry with the given tunables.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		log:       slog.Default(),
		entries:   make(map[string]*entry),
		byAccount: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle derives the stable public handle for an account id: the first four
// bytes of the id's byte form, big-endian, reduced modulo 1 000 000. Total
// for any input, including ids shorter than four bytes.
func Handle(accountID string) string {
	var b [4]byte
	copy(b[:], accountID)
	return fmt.Sprintf("user_%d", binary.BigEndian.Uint32(b[:])%1_000_000)
}

// anonHandle identifies a provider without a resolved account by its session
// id alone.
func anonHandle(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "anon_" + sessionID
}

// Register stores a provider entry for sessionID. accountID may be empty for
// anonymous providers. The advertised model list is de-duplicated preserving
// order. Re-registering an already-known session is an idempotent ack: the
// existing entry is returned unchanged.
func (r *Registry) Register(ctx context.Context, sessionID, accountID string, models []string, wh WriteHandle) (View, error) {
	if wh == nil || !wh.Open() {
		return View{}, ErrHandleUnusable
	}
	models = dedupe(models)
	if len(models) == 0 {
		return View{}, ErrNoModels
	}

	r.mu.Lock()
	if e, ok := r.entries[sessionID]; ok {
		v := e.view()
		r.mu.Unlock()
		return v, nil
	}

	handle := anonHandle(sessionID)
	if accountID != "" {
		handle = Handle(accountID)
	}
	e := &entry{
		sessionID:     sessionID,
		accountID:     accountID,
		handle:        handle,
		models:        models,
		write:         wh,
		status:        StatusActive,
		ready:         true,
		lastHeartbeat: time.Now(),
		seq:           r.nextSeq,
	}
	r.nextSeq++
	r.entries[sessionID] = e
	if accountID != "" {
		r.byAccount[accountID] = append(r.byAccount[accountID], sessionID)
	}
	v := e.view()
	r.mu.Unlock()

	if r.activeProviders != nil {
		r.activeProviders.Add(ctx, 1)
	}
	r.log.Info("provider registered",
		slog.String("session_id", sessionID),
		slog.String("handle", handle),
		slog.Int("models", len(models)),
		slog.Bool("anonymous", accountID == ""))
	return v, nil
}

// Heartbeat refreshes the session's last-seen timestamp and promotes an
// inactive session back to active.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	e.lastHeartbeat = time.Now()
	if e.status == StatusInactive {
		e.status = StatusActive
	}
	return nil
}

// Remove closes the session's write handle, purges the entry, and fires the
// removal hook so bound pending requests can be rejected. Removing an unknown
// session is a no-op.
func (r *Registry) Remove(sessionID, reason string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, sessionID)
	if e.accountID != "" {
		ids := r.byAccount[e.accountID]
		for i, id := range ids {
			if id == sessionID {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(r.byAccount, e.accountID)
		} else {
			r.byAccount[e.accountID] = ids
		}
	}
	r.mu.Unlock()

	if err := e.write.Close(reason); err != nil {
		r.log.Debug("provider close", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	if r.activeProviders != nil {
		r.activeProviders.Add(context.Background(), -1)
	}
	r.log.Info("provider removed",
		slog.String("session_id", sessionID),
		slog.String("handle", e.handle),
		slog.String("reason", reason))

	if r.onRemove != nil {
		r.onRemove(sessionID, reason)
	}
}

// ListActive returns a snapshot of entries eligible for selection: active,
// ready, and with a usable write handle. Order follows registration sequence.
func (r *Registry) ListActive() []View {
	return r.snapshot(func(e *entry) bool {
		return e.status == StatusActive && e.ready && e.write.Open()
	})
}

// Snapshot returns all live entries regardless of status, for the model
// catalog and stats views.
func (r *Registry) Snapshot() []View {
	return r.snapshot(func(*entry) bool { return true })
}

func (r *Registry) snapshot(keep func(*entry) bool) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]View, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e.view())
		}
	}
	// Map iteration order is random; restore registration order so callers
	// get the stable tie-break for free.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Seq < out[j-1].Seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Reserve atomically claims one in-flight slot on the session. It fails when
// the session is gone, not active, or already at the load threshold, so a
// racing selection simply moves on to the next candidate.
func (r *Registry) Reserve(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if e.status != StatusActive || !e.ready || !e.write.Open() || e.inFlight >= r.cfg.LoadThreshold {
		return ErrOverloaded
	}
	e.inFlight++
	e.totalRequests++
	return nil
}

// Release returns an in-flight slot claimed by [Reserve]. Releasing a removed
// session is a no-op; its counters died with the entry.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok && e.inFlight > 0 {
		e.inFlight--
	}
}

// RecordSample pushes a performance sample into the session's rolling window.
// A response is also a life sign, so the heartbeat is refreshed.
func (r *Registry) RecordSample(sessionID string, s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	e.ring.push(s)
	e.lastHeartbeat = s.At
}

// InFlight reports the session's current in-flight count, for tests and
// stats. Unknown sessions report 0.
func (r *Registry) InFlight(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[sessionID]; ok {
		return e.inFlight
	}
	return 0
}

// Run drives the heartbeat monitor until ctx is cancelled. Every
// PingInterval it removes sessions silent past HeartbeatTimeout, demotes
// sessions silent past HeartbeatTimeout/3, and probes the rest. A session
// whose probe write fails is removed immediately.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Registry) tick(ctx context.Context) {
	now := time.Now()

	type probe struct {
		sessionID string
		write     WriteHandle
	}
	var expired []string
	var probes []probe

	r.mu.Lock()
	for id, e := range r.entries {
		silent := now.Sub(e.lastHeartbeat)
		switch {
		case silent > r.cfg.HeartbeatTimeout:
			expired = append(expired, id)
		case silent > r.cfg.HeartbeatTimeout/3 && e.status == StatusActive:
			e.status = StatusInactive
			probes = append(probes, probe{id, e.write})
		default:
			probes = append(probes, probe{id, e.write})
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.Remove(id, "heartbeat timeout")
	}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.PingInterval)
		err := p.write.Ping(pctx)
		cancel()
		if err != nil {
			r.Remove(p.sessionID, "ping failed")
		}
	}
}

// AccountSessions returns the session ids registered by account, newest last.
func (r *Registry) AccountSessions(account string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byAccount[account]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func (e *entry) view() View {
	models := make([]string, len(e.models))
	copy(models, e.models)
	succ, avg, max := e.ring.stats()
	return View{
		SessionID:     e.sessionID,
		AccountID:     e.accountID,
		Handle:        e.handle,
		Models:        models,
		Status:        e.status,
		Ready:         e.ready,
		LastHeartbeat: e.lastHeartbeat,
		InFlight:      e.inFlight,
		Seq:           e.seq,
		TotalRequests: e.totalRequests,
		SuccessRate:   succ,
		AvgTPS:        avg,
		MaxTPS:        max,
		Write:         e.write,
	}
}

// dedupe removes duplicate and empty model names, preserving first-seen
// order.
func dedupe(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
