// Package observe provides application-wide observability primitives for
// voxcap: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxcap metrics.
const meterName = "github.com/MrWong99/voxcap"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture counters ---

	// Frames counts PCM frames read from capture devices.
	Frames metric.Int64Counter

	// Bytes counts PCM bytes read from capture devices.
	Bytes metric.Int64Counter

	// VoicedFrames counts frames the detector classified as voice.
	VoicedFrames metric.Int64Counter

	// Utterances counts closed utterances. Use with attribute:
	//   attribute.String("reason", "silence"|"max_length"|"dismissed")
	Utterances metric.Int64Counter

	// --- Error counters ---

	// ReadErrors counts failed device reads.
	ReadErrors metric.Int64Counter

	// WriteErrors counts failed temp-stream writes.
	WriteErrors metric.Int64Counter

	// --- Latency histograms ---

	// FinalizeDuration tracks how long WAV finalization takes.
	FinalizeDuration metric.Float64Histogram

	// SessionDuration tracks the wall-clock length of capture sessions.
	SessionDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time, including the whole
	// lifetime of upgraded /live connections. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// file-system bound operations.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// recording lengths.
var sessionBuckets = []float64{
	1, 5, 10, 30, 60, 300, 900, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.Frames, err = m.Int64Counter("voxcap.capture.frames",
		metric.WithDescription("Total PCM frames read from capture devices."),
	); err != nil {
		return nil, err
	}
	if met.Bytes, err = m.Int64Counter("voxcap.capture.bytes",
		metric.WithDescription("Total PCM bytes read from capture devices."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.VoicedFrames, err = m.Int64Counter("voxcap.capture.voiced_frames",
		metric.WithDescription("Total frames classified as voice."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voxcap.capture.utterances",
		metric.WithDescription("Total closed utterances by end reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ReadErrors, err = m.Int64Counter("voxcap.capture.read_errors",
		metric.WithDescription("Total failed capture device reads."),
	); err != nil {
		return nil, err
	}
	if met.WriteErrors, err = m.Int64Counter("voxcap.capture.write_errors",
		metric.WithDescription("Total failed temp stream writes."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.FinalizeDuration, err = m.Float64Histogram("voxcap.capture.finalize.duration",
		metric.WithDescription("Latency of WAV finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxcap.capture.session.duration",
		metric.WithDescription("Wall-clock length of capture sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxcap.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("voxcap.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxcap.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// RecordFrame records one frame read from a device at the given rate.
func (m *Metrics) RecordFrame(ctx context.Context, n int, sampleRate int, voiced bool) {
	rate := metric.WithAttributes(attribute.Int("sample_rate", sampleRate))
	m.Frames.Add(ctx, 1, rate)
	m.Bytes.Add(ctx, int64(n), rate)
	if voiced {
		m.VoicedFrames.Add(ctx, 1, rate)
	}
}

// RecordUtterance is a convenience method that records a closed utterance with
// its end reason.
func (m *Metrics) RecordUtterance(ctx context.Context, reason string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTransition records a circuit breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("name", name), attribute.String("to", to)),
	)
}
