// Package observe provides application-wide observability primitives for
// Credo: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Credo metrics.
const meterName = "github.com/credo-hq/credo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks ASR transcription latency per utterance.
	TranscribeDuration metric.Float64Histogram

	// EmbedDuration tracks embedding latency per batch.
	EmbedDuration metric.Float64Histogram

	// AdjudicateDuration tracks LLM adjudication latency per claim.
	AdjudicateDuration metric.Float64Histogram

	// IngestDuration tracks document ingestion latency end to end.
	IngestDuration metric.Float64Histogram

	// --- Counters ---

	// AdapterRequests counts inference adapter calls. Use with attributes:
	//   attribute.String("adapter", ...), attribute.String("status", ...)
	AdapterRequests metric.Int64Counter

	// Jobs counts finished queue jobs. Use with attributes:
	//   attribute.String("class", ...), attribute.String("phase", ...)
	Jobs metric.Int64Counter

	// Verdicts counts validation outcomes. Use with attribute:
	//   attribute.String("status", ...)
	Verdicts metric.Int64Counter

	// Claims counts extracted claims. Use with attribute:
	//   attribute.String("kind", ...)
	Claims metric.Int64Counter

	// --- Error counters ---

	// AdapterErrors counts adapter failures. Use with attributes:
	//   attribute.String("adapter", ...), attribute.String("kind", ...)
	AdapterErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveDevices tracks the number of known edge recorders.
	ActiveDevices metric.Int64UpDownCounter

	// ActiveSessions tracks the number of open recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks the number of queued (not yet running) jobs.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The
// upper buckets accommodate whole-document ingestion and long utterances
// on CPU-only hosts.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("credo.transcribe.duration",
		metric.WithDescription("Latency of utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("credo.embed.duration",
		metric.WithDescription("Latency of embedding calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdjudicateDuration, err = m.Float64Histogram("credo.adjudicate.duration",
		metric.WithDescription("Latency of per-claim LLM adjudication."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IngestDuration, err = m.Float64Histogram("credo.ingest.duration",
		metric.WithDescription("Latency of document ingestion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AdapterRequests, err = m.Int64Counter("credo.adapter.requests",
		metric.WithDescription("Total inference adapter requests by adapter and status."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("credo.queue.jobs",
		metric.WithDescription("Total finished jobs by resource class and terminal phase."),
	); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("credo.validation.verdicts",
		metric.WithDescription("Total validation verdicts by status."),
	); err != nil {
		return nil, err
	}
	if met.Claims, err = m.Int64Counter("credo.claims.extracted",
		metric.WithDescription("Total extracted claims by kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.AdapterErrors, err = m.Int64Counter("credo.adapter.errors",
		metric.WithDescription("Total adapter errors by adapter and fault kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveDevices, err = m.Int64UpDownCounter("credo.active_devices",
		metric.WithDescription("Number of known edge recorders."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("credo.active_sessions",
		metric.WithDescription("Number of open recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("credo.queue.depth",
		metric.WithDescription("Number of queued jobs awaiting dispatch."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("credo.http.request.duration",
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

// RecordAdapterRequest records an adapter request counter increment with
// the standard attribute set.
func (m *Metrics) RecordAdapterRequest(ctx context.Context, adapter, status string) {
	m.AdapterRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("adapter", adapter),
			attribute.String("status", status),
		),
	)
}

// RecordAdapterError records an adapter error counter increment.
func (m *Metrics) RecordAdapterError(ctx context.Context, adapter, kind string) {
	m.AdapterErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("adapter", adapter),
			attribute.String("kind", kind),
		),
	)
}

// RecordVerdict records a validation verdict counter increment.
func (m *Metrics) RecordVerdict(ctx context.Context, status string) {
	m.Verdicts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordJob records a finished job counter increment.
func (m *Metrics) RecordJob(ctx context.Context, class, phase string) {
	m.Jobs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("phase", phase),
		),
	)
}

// RecordClaim records an extracted claim counter increment.
func (m *Metrics) RecordClaim(ctx context.Context, kind string) {
	m.Claims.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
