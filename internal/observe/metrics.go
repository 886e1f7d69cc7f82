// Package observe provides application-wide observability primitives for
// SoundStage: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] and served by [Handler] so
// that metrics can be scraped via the standard /metrics endpoint. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all SoundStage metrics.
const meterName = "github.com/MrWong99/soundstage"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use: the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// AnalysisDuration tracks classifier latency per window.
	AnalysisDuration metric.Float64Histogram

	// GenerationDuration tracks sound-effect generation latency. Use with
	// attribute.String("status", ...).
	GenerationDuration metric.Float64Histogram

	// --- Counters ---

	// WindowsAnalyzed counts analysed windows. Use with attribute:
	//   attribute.Bool("degraded", ...)
	WindowsAnalyzed metric.Int64Counter

	// DroppedFrames counts frames dropped from the full capture queue.
	DroppedFrames metric.Int64Counter

	// AnalysisErrors counts windows whose classification failed or overran.
	// Use with attribute: attribute.String("kind", ...)
	AnalysisErrors metric.Int64Counter

	// Triggers counts dispatched effects. Use with attributes:
	//   attribute.String("source", ...), attribute.String("rule", ...), attribute.String("status", ...)
	Triggers metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running analysis sessions.
	ActiveSessions metric.Int64UpDownCounter

	// EventSubscribers tracks connected event stream clients.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning a
// fast acoustic classifier up to a slow cloud generation request.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("soundstage.analysis.duration",
		metric.WithDescription("Latency of window classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("soundstage.generation.duration",
		metric.WithDescription("Latency of sound-effect generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WindowsAnalyzed, err = m.Int64Counter("soundstage.windows.analyzed",
		metric.WithDescription("Total analysed windows by degraded flag."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("soundstage.frames.dropped",
		metric.WithDescription("Total capture frames dropped from the full frame queue."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisErrors, err = m.Int64Counter("soundstage.analysis.errors",
		metric.WithDescription("Total windows whose analysis failed, by kind."),
	); err != nil {
		return nil, err
	}
	if met.Triggers, err = m.Int64Counter("soundstage.triggers",
		metric.WithDescription("Total dispatched effects by source, rule, and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("soundstage.active_sessions",
		metric.WithDescription("Number of running analysis sessions."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("soundstage.event_subscribers",
		metric.WithDescription("Number of connected event stream clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("soundstage.http.request.duration",
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

// RecordWindow records one analysed window and its classification latency.
func (m *Metrics) RecordWindow(ctx context.Context, degraded bool, d time.Duration) {
	m.WindowsAnalyzed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("degraded", degraded)))
	m.AnalysisDuration.Record(ctx, d.Seconds())
}

// RecordAnalysisError records a failed window. kind is "error", "panic", or
// "overrun".
func (m *Metrics) RecordAnalysisError(ctx context.Context, kind string) {
	m.AnalysisErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTrigger records one dispatched effect with the standard attribute set.
func (m *Metrics) RecordTrigger(ctx context.Context, source, rule, status string) {
	m.Triggers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("rule", rule),
			attribute.String("status", status),
		),
	)
}

// RecordGeneration records one generation request.
func (m *Metrics) RecordGeneration(ctx context.Context, status string, d time.Duration) {
	m.GenerationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}
