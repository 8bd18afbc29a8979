// Package observe provides broker-wide observability primitives:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. Tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all broker metrics.
const meterName = "github.com/llmule/broker"

// Metrics holds all OpenTelemetry metric instruments for the broker.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RequestDuration tracks end-to-end completion routing latency. Use
	// with attributes:
	//   attribute.String("tier", ...), attribute.String("status", ...)
	RequestDuration metric.Float64Histogram

	// SettleDuration tracks ledger settlement latency.
	SettleDuration metric.Float64Histogram

	// --- Counters ---

	// CompletionRequests counts routed completion requests. Use with
	// attributes:
	//   attribute.String("tier", ...), attribute.String("status", ...)
	CompletionRequests metric.Int64Counter

	// SettlementErrors counts settlements queued for reconciliation.
	SettlementErrors metric.Int64Counter

	// ProviderMessages counts inbound provider protocol messages. Use with
	// attribute: attribute.String("op", ...)
	ProviderMessages metric.Int64Counter

	// --- Gauges ---

	// ActiveProviders tracks the number of live provider sessions.
	ActiveProviders metric.Int64UpDownCounter

	// InFlightRequests tracks requests currently awaiting a provider.
	InFlightRequests metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM inference latencies: sub-second selection up to multi-minute
// generations.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("llmule.request.duration",
		metric.WithDescription("End-to-end completion routing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SettleDuration, err = m.Float64Histogram("llmule.settle.duration",
		metric.WithDescription("Ledger settlement latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("llmule.http.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CompletionRequests, err = m.Int64Counter("llmule.completions.requests",
		metric.WithDescription("Routed completion requests by tier and status."),
	); err != nil {
		return nil, err
	}
	if met.SettlementErrors, err = m.Int64Counter("llmule.settle.errors",
		metric.WithDescription("Settlements that failed and were queued for reconciliation."),
	); err != nil {
		return nil, err
	}
	if met.ProviderMessages, err = m.Int64Counter("llmule.provider.messages",
		metric.WithDescription("Inbound provider protocol messages by op."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveProviders, err = m.Int64UpDownCounter("llmule.providers.active",
		metric.WithDescription("Live provider sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlightRequests, err = m.Int64UpDownCounter("llmule.requests.in_flight",
		metric.WithDescription("Requests currently awaiting a provider response."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
