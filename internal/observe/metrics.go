// Package observe provides application-wide observability primitives for
// coachpad: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all coachpad metrics.
const meterName = "github.com/MrWong99/coachpad"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture pipeline ---

	// ChunksSent counts PCM chunks written to the audio transport.
	ChunksSent metric.Int64Counter

	// ChunksDropped counts chunks shed from a full send queue.
	ChunksDropped metric.Int64Counter

	// BlocksEvicted counts sample blocks evicted from jitter buffers on
	// overflow. Use with attribute:
	//   attribute.String("kind", ...)
	BlocksEvicted metric.Int64Counter

	// SendDuration tracks the latency of a single chunk send.
	SendDuration metric.Float64Histogram

	// SourceFailures counts capture sources that failed to open or start.
	// Use with attributes:
	//   attribute.String("kind", ...), attribute.String("class", ...)
	SourceFailures metric.Int64Counter

	// PipelineStarts counts pipeline start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"degraded"|"error")
	PipelineStarts metric.Int64Counter

	// ActivePipelines tracks the number of running capture pipelines.
	ActivePipelines metric.Int64UpDownCounter

	// --- Detection ---

	// DetectionTriggers counts meeting detections. Use with attribute:
	//   attribute.String("signal", "window"|"process"|"audio_session")
	DetectionTriggers metric.Int64Counter

	// DetectionQueryErrors counts swallowed probe failures. Use with attribute:
	//   attribute.String("probe", ...)
	DetectionQueryErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sendBuckets defines histogram bucket boundaries (in seconds) for chunk
// sends, which should finish well inside one 100 ms chunk period.
var sendBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.ChunksSent, err = m.Int64Counter("coachpad.capture.chunks_sent",
		metric.WithDescription("Total PCM chunks sent to the backend."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("coachpad.capture.chunks_dropped",
		metric.WithDescription("Total PCM chunks dropped from a full send queue."),
	); err != nil {
		return nil, err
	}
	if met.BlocksEvicted, err = m.Int64Counter("coachpad.capture.blocks_evicted",
		metric.WithDescription("Total sample blocks evicted from jitter buffers by source kind."),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("coachpad.capture.send.duration",
		metric.WithDescription("Latency of sending one PCM chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sendBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SourceFailures, err = m.Int64Counter("coachpad.capture.source_failures",
		metric.WithDescription("Total capture source failures by kind and error class."),
	); err != nil {
		return nil, err
	}
	if met.PipelineStarts, err = m.Int64Counter("coachpad.capture.starts",
		metric.WithDescription("Total capture pipeline starts by status."),
	); err != nil {
		return nil, err
	}
	if met.ActivePipelines, err = m.Int64UpDownCounter("coachpad.active_pipelines",
		metric.WithDescription("Number of running capture pipelines."),
	); err != nil {
		return nil, err
	}

	// Detection.
	if met.DetectionTriggers, err = m.Int64Counter("coachpad.detection.triggers",
		metric.WithDescription("Total meeting detections by matching signal."),
	); err != nil {
		return nil, err
	}
	if met.DetectionQueryErrors, err = m.Int64Counter("coachpad.detection.query_errors",
		metric.WithDescription("Total OS probe failures swallowed by the detector."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("coachpad.http.request.duration",
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

// RecordSourceFailure records a capture source failure with the standard
// attribute set.
func (m *Metrics) RecordSourceFailure(ctx context.Context, kind, class string) {
	m.SourceFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("class", class),
		),
	)
}

// RecordPipelineStart records a pipeline start attempt.
func (m *Metrics) RecordPipelineStart(ctx context.Context, status string) {
	m.PipelineStarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEvictions records n jitter-buffer evictions for a source kind.
func (m *Metrics) RecordEvictions(ctx context.Context, kind string, n int) {
	if n <= 0 {
		return
	}
	m.BlocksEvicted.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDetection records a meeting detection by the signal that matched.
func (m *Metrics) RecordDetection(ctx context.Context, signal string) {
	m.DetectionTriggers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("signal", signal)),
	)
}

// RecordQueryError records a swallowed detection probe failure.
func (m *Metrics) RecordQueryError(ctx context.Context, probe string) {
	m.DetectionQueryErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("probe", probe)),
	)
}
