// Package observe provides application-wide observability primitives for
// Vigil: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vigil metrics.
const meterName = "github.com/MrWong99/vigil"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EmbeddingDuration tracks embedding backend latency. Use with attributes:
	//   attribute.String("op", "extract"|"batch")
	EmbeddingDuration metric.Float64Histogram

	// RetrainDuration tracks the snapshot/compute/swap latency of a retrain.
	RetrainDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts backend calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// VADFrames counts analysed frames. Use with attribute:
	//   attribute.Bool("speech", ...)
	VADFrames metric.Int64Counter

	// VADFallbacks counts frames scored by the energy proxy because the
	// neural model failed. Use with attribute:
	//   attribute.String("reason", ...)
	VADFallbacks metric.Int64Counter

	// Classifications counts speaker decisions. Use with attribute:
	//   attribute.Bool("owner", ...)
	Classifications metric.Int64Counter

	// CacheLookups counts centroid cache reads. Use with attribute:
	//   attribute.String("result", "hit"|"miss"|"expired")
	CacheLookups metric.Int64Counter

	// Retrains counts retrain attempts. Use with attributes:
	//   attribute.String("reason", ...), attribute.String("status", ...)
	Retrains metric.Int64Counter

	// Rollbacks counts profile rollbacks. Use with attribute:
	//   attribute.String("status", ...)
	Rollbacks metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SessionErrors counts error events emitted by listening sessions. Use
	// with attribute:
	//   attribute.String("code", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live listening sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speaker-embedding latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EmbeddingDuration, err = m.Float64Histogram("vigil.embedding.duration",
		metric.WithDescription("Latency of speaker embedding extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrainDuration, err = m.Float64Histogram("vigil.retrain.duration",
		metric.WithDescription("Latency of profile retraining."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("vigil.provider.requests",
		metric.WithDescription("Total backend requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.VADFrames, err = m.Int64Counter("vigil.vad.frames",
		metric.WithDescription("Total analysed audio frames by speech decision."),
	); err != nil {
		return nil, err
	}
	if met.VADFallbacks, err = m.Int64Counter("vigil.vad.fallbacks",
		metric.WithDescription("Total frames scored by the energy proxy after a model failure."),
	); err != nil {
		return nil, err
	}
	if met.Classifications, err = m.Int64Counter("vigil.classifications",
		metric.WithDescription("Total speaker classifications by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("vigil.cache.lookups",
		metric.WithDescription("Total centroid cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.Retrains, err = m.Int64Counter("vigil.retrains",
		metric.WithDescription("Total profile retrains by reason and status."),
	); err != nil {
		return nil, err
	}
	if met.Rollbacks, err = m.Int64Counter("vigil.rollbacks",
		metric.WithDescription("Total profile rollbacks by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("vigil.provider.errors",
		metric.WithDescription("Total backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("vigil.session.errors",
		metric.WithDescription("Total listening session error events by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vigil.active_sessions",
		metric.WithDescription("Number of live listening sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vigil.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps an error to the "ok"/"error" status attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordProviderRequest records a backend request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a backend error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordEmbedding records the latency of one embedding operation.
func (m *Metrics) RecordEmbedding(ctx context.Context, op string, d time.Duration) {
	m.EmbeddingDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordVADFrame records one analysed frame.
func (m *Metrics) RecordVADFrame(ctx context.Context, speech bool) {
	m.VADFrames.Add(ctx, 1, metric.WithAttributes(attribute.Bool("speech", speech)))
}

// RecordVADFallback records one frame scored by the energy proxy.
func (m *Metrics) RecordVADFallback(ctx context.Context, reason string) {
	m.VADFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordClassification records one speaker decision.
func (m *Metrics) RecordClassification(ctx context.Context, owner bool) {
	m.Classifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("owner", owner)))
}

// RecordCacheLookup records one centroid cache read.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRetrain records a retrain attempt and, on success, its duration.
func (m *Metrics) RecordRetrain(ctx context.Context, reason string, d time.Duration, err error) {
	m.Retrains.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("status", Status(err)),
		),
	)
	if err == nil {
		m.RetrainDuration.Record(ctx, d.Seconds())
	}
}

// RecordRollback records a rollback attempt.
func (m *Metrics) RecordRollback(ctx context.Context, err error) {
	m.Rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", Status(err))))
}

// RecordSessionError records one error event emitted by a listening session.
func (m *Metrics) RecordSessionError(ctx context.Context, code string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
