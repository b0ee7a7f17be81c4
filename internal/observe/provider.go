package observe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing the capture and transcription setup of
// an earshot process.
const (
	AttrCaptureBackend    = attribute.Key("earshot.capture.backend")
	AttrCaptureDevice     = attribute.Key("earshot.capture.device")
	AttrCaptureSampleRate = attribute.Key("earshot.capture.sample_rate")
	AttrSTTProvider       = attribute.Key("earshot.stt.provider")
	AttrSTTModel          = attribute.Key("earshot.stt.model")
	AttrSTTFallbacks      = attribute.Key("earshot.stt.fallbacks")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "earshot".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// CaptureBackend and CaptureDevice identify the audio input. Empty values
	// are omitted from the resource.
	CaptureBackend string
	CaptureDevice  string

	// CaptureSampleRate is the configured capture rate in Hz. Zero is omitted.
	CaptureSampleRate int

	// Transcriber names the primary STT provider and Model its model. A
	// model path is reported by its file name only.
	Transcriber string
	Model       string

	// Fallbacks lists the fallback STT providers in order.
	Fallbacks []string

	// Registerer receives the Prometheus collector. Default:
	// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the telemetry resource for cfg: the SDK defaults plus the
// service identity and the earshot capture and transcriber attributes.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "earshot"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.CaptureBackend != "" {
		attrs = append(attrs, AttrCaptureBackend.String(cfg.CaptureBackend))
	}
	if cfg.CaptureDevice != "" {
		attrs = append(attrs, AttrCaptureDevice.String(cfg.CaptureDevice))
	}
	if cfg.CaptureSampleRate > 0 {
		attrs = append(attrs, AttrCaptureSampleRate.Int(cfg.CaptureSampleRate))
	}
	if cfg.Transcriber != "" {
		attrs = append(attrs, AttrSTTProvider.String(cfg.Transcriber))
	}
	if cfg.Model != "" {
		attrs = append(attrs, AttrSTTModel.String(filepath.Base(cfg.Model)))
	}
	if len(cfg.Fallbacks) > 0 {
		attrs = append(attrs, AttrSTTFallbacks.StringSlice(cfg.Fallbacks))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// InitProvider initialises the OTel SDK with the given config. It sets up:
//
//   - A [sdkmetric.MeterProvider] with a Prometheus exporter registered on
//     cfg.Registerer, so /metrics carries every earshot instrument together
//     with a target_info series for the resource.
//   - A [sdktrace.TracerProvider] with the configured exporter, if any.
//
// Both providers are registered as the global OTel providers. The returned
// function flushes and closes them; call it in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}

	promOpts := []promexporter.Option{}
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
