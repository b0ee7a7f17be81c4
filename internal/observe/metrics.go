// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Flush reasons used with [Metrics.RecordFlush].
const (
	FlushSilence = "silence"
	FlushStop    = "stop"
	FlushMaxLen  = "max_length"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks transcription latency per segment.
	STTDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of flushed segments.
	SegmentDuration metric.Float64Histogram

	// RestartDuration tracks how long a flush-triggered capture restart took.
	RestartDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentFlushes counts segment flushes. Use with attribute:
	//   attribute.String("reason", ...)
	SegmentFlushes metric.Int64Counter

	// SegmentsSilent counts dispatched segments in which no frame crossed
	// the energy threshold.
	SegmentsSilent metric.Int64Counter

	// ProviderRequests counts transcriber calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// STTErrors counts segments whose transcription failed.
	STTErrors metric.Int64Counter

	// TranscribeRejected counts segments refused because too many were
	// already pending.
	TranscribeRejected metric.Int64Counter

	// CaptureWarnings counts non-fatal capture status reports.
	CaptureWarnings metric.Int64Counter

	// CaptureRestartFailures counts sessions that ended because capture could
	// not be reopened.
	CaptureRestartFailures metric.Int64Counter

	// ArchiveDropped counts transcript entries the archive recorder dropped
	// because its queue was full or a batch write failed.
	ArchiveDropped metric.Int64Counter

	// --- Gauges ---

	// TranscribeInflight tracks transcription jobs submitted but not yet
	// released to the sink.
	TranscribeInflight metric.Int64UpDownCounter

	// ActiveSessions tracks the number of listening sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription and restart latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// segmentBuckets defines histogram bucket boundaries (in seconds) for
// utterance lengths.
var segmentBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("earshot.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("earshot.segment.duration",
		metric.WithDescription("Audio length of flushed segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RestartDuration, err = m.Float64Histogram("earshot.capture.restart.duration",
		metric.WithDescription("Time to stop, drain and reopen capture on a flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentFlushes, err = m.Int64Counter("earshot.segment.flushes",
		metric.WithDescription("Total segment flushes by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsSilent, err = m.Int64Counter("earshot.segment.silent",
		metric.WithDescription("Total dispatched segments without a frame above the energy threshold."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("earshot.provider.requests",
		metric.WithDescription("Total transcriber requests by provider and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.STTErrors, err = m.Int64Counter("earshot.stt.errors",
		metric.WithDescription("Total segments whose transcription failed."),
	); err != nil {
		return nil, err
	}
	if met.TranscribeRejected, err = m.Int64Counter("earshot.transcribe.rejected",
		metric.WithDescription("Total segments refused because the transcription backlog was full."),
	); err != nil {
		return nil, err
	}
	if met.CaptureWarnings, err = m.Int64Counter("earshot.capture.warnings",
		metric.WithDescription("Total non-fatal capture status reports."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRestartFailures, err = m.Int64Counter("earshot.capture.restart_failures",
		metric.WithDescription("Total listening sessions ended by a failed capture restart."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveDropped, err = m.Int64Counter("earshot.archive.dropped",
		metric.WithDescription("Total transcript entries not written to the archive."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.TranscribeInflight, err = m.Int64UpDownCounter("earshot.transcribe.inflight",
		metric.WithDescription("Transcription jobs submitted but not yet released."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of listening sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordProviderRequest records a transcriber request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordFlush records one segment flush and the audio length it carried.
func (m *Metrics) RecordFlush(ctx context.Context, reason string, audioSeconds float64) {
	m.SegmentFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SegmentDuration.Record(ctx, audioSeconds)
}

// RecordTranscription records the latency and outcome of one segment's
// transcription.
func (m *Metrics) RecordTranscription(ctx context.Context, seconds float64, err error) {
	m.STTDuration.Record(ctx, seconds)
	if err != nil {
		m.STTErrors.Add(ctx, 1)
	}
}
