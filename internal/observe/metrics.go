// Package observe provides application-wide observability primitives for
// proctorlive: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all proctorlive metrics.
const meterName = "github.com/MrWong99/proctorlive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks the wall-clock length of ended interview sessions.
	SessionDuration metric.Float64Histogram

	// AgentConnectDuration tracks how long the remote agent takes to
	// acknowledge a new stream.
	AgentConnectDuration metric.Float64Histogram

	// DownlinkScheduled tracks the duration of every scheduled downlink buffer.
	DownlinkScheduled metric.Float64Histogram

	// --- Counters ---

	// Violations counts integrity events. Use with attribute:
	//   attribute.String("kind", ...)
	Violations metric.Int64Counter

	// UplinkDropped counts captured blocks or frames dropped because the
	// uplink queue was full. Use with attribute:
	//   attribute.String("media", "audio"|"video")
	UplinkDropped metric.Int64Counter

	// DecodeFailures counts downlink audio payloads that could not be decoded.
	DecodeFailures metric.Int64Counter

	// Interruptions counts agent-side barge-in interruptions.
	Interruptions metric.Int64Counter

	// AgentErrors counts remote agent failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	AgentErrors metric.Int64Counter

	// SessionsEnded counts session teardowns. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsEnded metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the active state.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and buffer latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers interview lengths from a minute to two hours.
var sessionBuckets = []float64{
	60, 300, 600, 900, 1800, 2700, 3600, 5400, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("proctorlive.session.duration",
		metric.WithDescription("Length of ended interview sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentConnectDuration, err = m.Float64Histogram("proctorlive.agent.connect.duration",
		metric.WithDescription("Time until the remote agent acknowledged the stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DownlinkScheduled, err = m.Float64Histogram("proctorlive.downlink.scheduled",
		metric.WithDescription("Duration of scheduled downlink audio buffers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Violations, err = m.Int64Counter("proctorlive.integrity.violations",
		metric.WithDescription("Total integrity events by kind."),
	); err != nil {
		return nil, err
	}
	if met.UplinkDropped, err = m.Int64Counter("proctorlive.uplink.dropped",
		metric.WithDescription("Total uplink media dropped on a full queue."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("proctorlive.downlink.decode_failures",
		metric.WithDescription("Total downlink payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("proctorlive.agent.interruptions",
		metric.WithDescription("Total agent interruptions."),
	); err != nil {
		return nil, err
	}
	if met.AgentErrors, err = m.Int64Counter("proctorlive.agent.errors",
		metric.WithDescription("Total remote agent errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("proctorlive.sessions.ended",
		metric.WithDescription("Total ended sessions by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("proctorlive.active_sessions",
		metric.WithDescription("Number of sessions in the active state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("proctorlive.http.request.duration",
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

// RecordViolation records one integrity event of the given kind.
func (m *Metrics) RecordViolation(ctx context.Context, kind string) {
	m.Violations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUplinkDrop records one dropped uplink item for the given media type.
func (m *Metrics) RecordUplinkDrop(ctx context.Context, media string) {
	m.UplinkDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("media", media)))
}

// RecordAgentError records a remote agent failure.
func (m *Metrics) RecordAgentError(ctx context.Context, provider, kind string) {
	m.AgentErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionEnd records a session teardown and its duration.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string, seconds float64) {
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SessionDuration.Record(ctx, seconds)
}
