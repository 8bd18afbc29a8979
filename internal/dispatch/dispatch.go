// Package dispatch implements the broker's request router: it matches a
// requested model against the live provider table, forwards the request over
// the selected session, awaits the correlated response, and settles the
// reported usage through the ledger.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/llmule/broker/internal/observe"
	"github.com/llmule/broker/internal/registry"
	"github.com/llmule/broker/internal/resilience"
	"github.com/llmule/broker/pkg/api"
	"github.com/llmule/broker/pkg/ledger"
	"github.com/llmule/broker/pkg/model"
	"github.com/llmule/broker/pkg/tokenomics"
)

// sendTimeout bounds the write of a completion_request frame. A provider
// that cannot accept a frame this long is effectively gone.
const sendTimeout = 10 * time.Second

// Config holds the dispatcher tunables.
type Config struct {
	// LoadThreshold is the per-provider in-flight cap.
	LoadThreshold int

	// DefaultTimeout is the per-request deadline when the client supplies
	// none. MaxTimeout caps client-supplied overrides.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Dispatcher routes completion requests. Safe for concurrent use; one Route
// call corresponds to one client request.
type Dispatcher struct {
	cfg Config
	reg *registry.Registry
	gw  ledger.Gateway
	eng *tokenomics.Engine

	log      *slog.Logger
	metrics  *observe.Metrics
	pendings *pendingTable

	// settleBreaker keeps a failing ledger from adding a doomed round trip
	// to every request; while open, settlements go straight to the computed
	// fallback.
	settleBreaker *resilience.Breaker
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics wires the OTel instruments. Without it the dispatcher runs
// unmetered, which tests rely on.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher over the given registry, ledger, and pricing
// engine.
func New(cfg Config, reg *registry.Registry, gw ledger.Gateway, eng *tokenomics.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		gw:       gw,
		eng:      eng,
		log:      slog.Default(),
		pendings: newPendingTable(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.settleBreaker = resilience.New(resilience.Config{Name: "ledger-settle"}, resilience.WithLogger(d.log))
	return d
}

// Route handles one completion request for consumer. The returned error, if
// any, is always a [*Error] carrying its taxonomy code.
func (d *Dispatcher) Route(ctx context.Context, consumer string, req api.ChatRequest) (*api.ChatCompletion, error) {
	start := time.Now()
	cap := model.Classify(req.Model)

	if d.metrics != nil {
		d.metrics.InFlightRequests.Add(ctx, 1)
	}
	resp, rerr := d.route(ctx, consumer, req, cap)

	status := "ok"
	if rerr != nil {
		status = rerr.APICode()
	}
	if d.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("tier", string(cap.Tier)),
			attribute.String("status", status),
		)
		d.metrics.InFlightRequests.Add(ctx, -1)
		d.metrics.CompletionRequests.Add(ctx, 1, attrs)
		d.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if rerr != nil {
		return nil, rerr
	}
	return resp, nil
}

func (d *Dispatcher) route(ctx context.Context, consumer string, req api.ChatRequest, cap model.Capability) (*api.ChatCompletion, *Error) {
	// 1. Classify. Only a combined selector naming an unknown tier is
	// unresolvable; everything else classifies to some tier.
	sel := model.ParseSelector(req.Model)
	if sel.Kind == model.SelectorInvalid {
		return nil, errf(CodeInvalidModel, "invalid model selector %q", req.Model)
	}

	// 2. Pre-check balance against the worst-case estimate.
	bal, err := d.gw.GetBalance(ctx, consumer)
	if err != nil {
		d.log.Error("balance lookup failed", slog.String("consumer", consumer), slog.String("error", err.Error()))
		return nil, errf(CodeInternal, "balance lookup failed")
	}
	estTokens := req.MaxTokens
	if estTokens <= 0 {
		estTokens = cap.Context
	}
	est := d.eng.TokensToMules(estTokens, cap.Tier)
	if bal.LessThan(est) {
		return nil, errf(CodeInsufficientBalance,
			"insufficient balance: required %s MULE, available %s MULE",
			est.StringFixed(tokenomics.Decimals), bal.StringFixed(tokenomics.Decimals))
	}

	// 3-4. Filter the live snapshot by load and model compatibility.
	type candidate struct {
		view     registry.View
		resolved string
		score    float64
	}
	var eligible []candidate
	for _, v := range d.reg.ListActive() {
		if v.InFlight >= d.cfg.LoadThreshold {
			continue
		}
		resolved, ok := resolveModel(sel, v)
		if !ok {
			continue
		}
		eligible = append(eligible, candidate{view: v, resolved: resolved, score: score(v, d.cfg.LoadThreshold)})
	}
	if len(eligible) == 0 {
		return nil, errf(CodeNoProvider, "no provider available for model %q", req.Model)
	}

	// 5-6. Pick the best score and reserve it. The snapshot is in
	// registration order and the comparison is strict, so exact ties go to
	// the earliest-registered provider. A reservation lost to a concurrent
	// route falls through to the next candidate.
	for len(eligible) > 0 {
		best := 0
		for i := range eligible {
			if eligible[i].score > eligible[best].score {
				best = i
			}
		}
		c := eligible[best]
		if err := d.reg.Reserve(c.view.SessionID); err != nil {
			eligible = append(eligible[:best], eligible[best+1:]...)
			continue
		}
		return d.forward(ctx, consumer, req, cap, c.view, c.resolved)
	}
	return nil, errf(CodeNoProvider, "no provider available for model %q", req.Model)
}

// forward executes steps 7-10 against the reserved provider: send, await,
// account, enrich. The in-flight slot, the pending record, and a performance
// sample are released/recorded on every terminal path, including panics.
func (d *Dispatcher) forward(ctx context.Context, consumer string, req api.ChatRequest, cap model.Capability, view registry.View, resolved string) (resp *api.ChatCompletion, rerr *Error) {
	corr := uuid.NewString()
	p := &pending{
		id:        corr,
		sessionID: view.SessionID,
		consumer:  consumer,
		start:     time.Now(),
		ch:        make(chan outcome, 1),
	}
	d.pendings.add(p)

	var (
		success bool
		tps     float64
	)
	defer func() {
		d.pendings.remove(corr)
		d.reg.Release(view.SessionID)
		d.reg.RecordSample(view.SessionID, registry.Sample{
			TokensPerSecond: tps,
			DurationSeconds: time.Since(p.start).Seconds(),
			Success:         success,
		})
		if r := recover(); r != nil {
			d.log.Error("dispatch panic",
				slog.String("correlation_id", corr),
				slog.Any("panic", r))
			resp, rerr = nil, errf(CodeInternal, "internal error")
		}
	}()

	// 7. Forward one correlated message on the chosen write handle.
	msg := api.CompletionRequestMessage{
		Op:          api.OpCompletionRequest,
		ID:          corr,
		Model:       resolved,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := view.Write.Send(sendCtx, msg)
	cancel()
	if err != nil {
		return nil, errf(CodeProviderTransport, "provider write failed: %v", err)
	}

	// 8. Await the correlated response, the deadline, or client cancel.
	timeout := d.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > d.cfg.MaxTimeout {
			timeout = d.cfg.MaxTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var comp *api.ChatCompletion
	select {
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		comp = out.resp
	case <-timer.C:
		return nil, errf(CodeProviderTimeout, "provider did not respond within %s", timeout)
	case <-ctx.Done():
		return nil, errf(CodeInternal, "request cancelled: %v", ctx.Err())
	}

	if comp.FirstContent() == "" {
		return nil, errf(CodeProviderBadResponse, "provider response has no usable choice")
	}
	success = true

	// 9. Account. The total is recomputed when the provider reported zero
	// alongside non-zero parts.
	usage := ledger.Usage{
		PromptTokens:     comp.Usage.PromptTokens,
		CompletionTokens: comp.Usage.CompletionTokens,
		TotalTokens:      comp.Usage.TotalTokens,
	}
	total := usage.Total()
	duration := time.Since(p.start).Seconds()
	if duration > 0 {
		gen := comp.Usage.CompletionTokens
		if gen == 0 {
			gen = total
		}
		tps = float64(gen) / duration
	}

	sreq := ledger.SettleRequest{
		Consumer:    consumer,
		Provider:    view.AccountID,
		Model:       resolved,
		Tier:        cap.Tier,
		Usage:       usage,
		Performance: ledger.Performance{DurationSeconds: duration, TokensPerSecond: tps},
	}
	settleStart := time.Now()
	var res ledger.SettleResult
	err = d.settleBreaker.Do(func() error {
		var serr error
		res, serr = d.gw.Settle(ctx, sreq)
		return serr
	})
	if err != nil {
		// The client already has its answer; log for reconciliation and
		// report the computed values anyway.
		d.log.Error("settlement failed, queued for reconciliation",
			slog.String("correlation_id", corr),
			slog.String("consumer", consumer),
			slog.String("provider", view.AccountID),
			slog.String("model", resolved),
			slog.Int64("total_tokens", total),
			slog.String("error", err.Error()))
		if d.metrics != nil {
			d.metrics.SettlementErrors.Add(ctx, 1)
		}
		res = ledger.ComputeSettlement(d.eng, sreq)
	} else if d.metrics != nil {
		d.metrics.SettleDuration.Record(ctx, time.Since(settleStart).Seconds())
	}

	// 10. Enrich the response with tier, provider, and MULE accounting.
	comp.ModelTier = string(cap.Tier)
	comp.ProviderID = view.Handle
	comp.Usage.TotalTokens = total
	comp.Usage.MuleAmount = res.Amount.StringFixed(tokenomics.Decimals)
	comp.Usage.DurationSeconds = duration
	comp.Usage.TokensPerSecond = tps
	cost := res.Amount
	if res.Kind == ledger.KindSelfService {
		cost = decimal.Zero
	}
	comp.Usage.TransactionMuleCost = cost.StringFixed(tokenomics.Decimals)

	return comp, nil
}

// HandleResponse demuxes one completion_response frame from sessionID to its
// waiting route. Unknown or cross-session correlation ids are logged and
// dropped.
func (d *Dispatcher) HandleResponse(sessionID string, msg api.CompletionResponseMessage) {
	p := d.pendings.lookup(msg.ID)
	if p == nil || p.sessionID != sessionID {
		d.log.Warn("dropping response with unknown correlation id",
			slog.String("correlation_id", msg.ID),
			slog.String("session_id", sessionID))
		return
	}
	switch {
	case msg.Error != "":
		p.terminate(outcome{err: errf(CodeProviderBadResponse, "provider error: %s", msg.Error)})
	case msg.Response == nil:
		p.terminate(outcome{err: errf(CodeProviderBadResponse, "provider response missing body")})
	default:
		p.terminate(outcome{resp: msg.Response})
	}
}

// CancelSession rejects every pending request bound to sessionID with a
// provider-lost error. The registry invokes it through its removal hook.
func (d *Dispatcher) CancelSession(sessionID, reason string) {
	for _, p := range d.pendings.drainSession(sessionID) {
		p.terminate(outcome{err: errf(CodeProviderTransport, "provider disconnected: %s", reason)})
	}
}

// Pending reports the number of outstanding forwards, for tests and stats.
func (d *Dispatcher) Pending() int {
	return d.pendings.size()
}
