package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span exporters accepted by NewTracing.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	ExporterZipkin = "zipkin"
)

// TracingOptions selects where task and question spans go.
type TracingOptions struct {
	Exporter       string
	Endpoint       string
	SampleRate     float64
	ServiceName    string
	ServiceVersion string
	// Output receives stdout exporter spans. Defaults to os.Stdout.
	Output io.Writer
	// Global also installs the provider as the otel global.
	Global bool
}

// Tracing owns a tracer provider.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// ValidExporter reports whether name is a known exporter. Empty means none.
func ValidExporter(name string) bool {
	switch strings.ToLower(name) {
	case "", ExporterNone, ExporterStdout, ExporterOTLP, ExporterZipkin:
		return true
	}
	return false
}

// NewTracing builds a provider for opts. The none exporter yields a no-op
// tracer.
func NewTracing(ctx context.Context, opts TracingOptions) (*Tracing, error) {
	name := opts.ServiceName
	if name == "" {
		name = "cadence"
	}

	exporter, err := newExporter(ctx, opts)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		return &Tracing{tracer: noop.NewTracerProvider().Tracer(name)}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(opts.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	rate := opts.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	if opts.Global {
		otel.SetTracerProvider(provider)
	}
	return &Tracing{provider: provider, tracer: provider.Tracer(name)}, nil
}

func newExporter(ctx context.Context, opts TracingOptions) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch strings.ToLower(opts.Exporter) {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		out := opts.Output
		if out == nil {
			out = os.Stdout
		}
		exp, err = stdouttrace.New(stdouttrace.WithWriter(out))
	case ExporterOTLP:
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterZipkin:
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exp, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", opts.Exporter, err)
	}
	return exp, nil
}

// Tracer returns the tracer handed to coordinators.
func (t *Tracing) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
