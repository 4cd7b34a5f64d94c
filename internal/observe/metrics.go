// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, tracing, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/cacheclaw/cacheclaw"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SpeechRequests counts speech requests. Use with attributes:
	//   attribute.String("cache", "hit"|"miss"), attribute.String("match_type", ...)
	SpeechRequests metric.Int64Counter

	// ProviderRequests counts upstream synthesis calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts upstream synthesis failures by provider.
	ProviderErrors metric.Int64Counter

	// Evictions counts cache entries removed by the evictor.
	Evictions metric.Int64Counter

	// SynthesisDuration tracks end-to-end synthesis latency on cache
	// misses, including failover.
	SynthesisDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// CacheEntries gauges the number of distinct cached phrases. Wire the
	// reader with [Metrics.ObserveCacheEntries].
	CacheEntries metric.Int64ObservableGauge

	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// synthesis latencies: sub-10ms cache hits up to multi-second provider calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.SpeechRequests, err = m.Int64Counter("cacheclaw.speech.requests",
		metric.WithDescription("Total speech requests by cache outcome and match type."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("cacheclaw.provider.requests",
		metric.WithDescription("Total upstream synthesis requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("cacheclaw.provider.errors",
		metric.WithDescription("Total upstream synthesis failures by provider."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("cacheclaw.cache.evictions",
		metric.WithDescription("Total cache entries removed by eviction."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("cacheclaw.synthesis.duration",
		metric.WithDescription("Latency of cache-miss synthesis including failover."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cacheclaw.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.CacheEntries, err = m.Int64ObservableGauge("cacheclaw.cache.entries",
		metric.WithDescription("Distinct phrases currently in the hot index."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveCacheEntries registers fn as the reader behind [Metrics.CacheEntries].
// Call once at startup with a closure over the cache store.
func (m *Metrics) ObserveCacheEntries(fn func() int64) error {
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.CacheEntries, fn())
		return nil
	}, m.CacheEntries)
	return err
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSpeechRequest records one speech request with its cache outcome
// ("hit" or "miss") and match type ("exact", "fuzzy", or "none").
func (m *Metrics) RecordSpeechRequest(ctx context.Context, cacheStatus, matchType string) {
	m.SpeechRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache", cacheStatus),
			attribute.String("match_type", matchType),
		),
	)
}

// RecordProviderRequest records one upstream call with its outcome status
// ("ok" or "error"); errors additionally bump [Metrics.ProviderErrors].
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	if status != "ok" {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("provider", provider)))
	}
}
