// Package telemetry wires the process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is reported as service.name on every exported span.
	ServiceName = "procwatch"
	// DefaultEnvironment is used when no environment variable is set.
	DefaultEnvironment = "dev"
	// BatchTimeout is the batch span processor flush interval and the shutdown budget.
	BatchTimeout = 5 * time.Second
	// BatchSize is the batch span processor max export batch size.
	BatchSize = 512
)

const (
	envEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envCertificate = "OTEL_EXPORTER_OTLP_CERTIFICATE"
)

var exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv(envCertificate)); certPath != "" {
		tlsConfig, err := tlsConfigFromCertificate(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Options configures Init.
type Options struct {
	// Endpoint is the OTLP HTTP endpoint. Empty leaves tracing disabled.
	Endpoint string
	// Version is reported as service.version.
	Version string
	// Fallback receives a one-line summary per span when the OTLP exporter
	// cannot be built. Defaults to os.Stderr.
	Fallback io.Writer
}

// Endpoint picks the OTLP endpoint: the explicit value (a CLI flag) first,
// then OTEL_EXPORTER_OTLP_ENDPOINT, then the configured value.
func Endpoint(explicit, configured string) string {
	for _, candidate := range []string{explicit, os.Getenv(envEndpoint), configured} {
		if value := strings.TrimSpace(candidate); value != "" {
			return value
		}
	}
	return ""
}

// Init installs a batching tracer provider exporting to opts.Endpoint and
// returns its shutdown func. With no endpoint it installs nothing and the
// global no-op provider stays in place.
func Init(ctx context.Context, opts Options) (func(), error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return func() {}, nil
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = os.Stderr
	}

	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(fallback, "warning: OTLP exporter unavailable for %s (%v); writing spans here instead\n", endpoint, err)
		exporter = &consoleExporter{out: fallback}
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", serviceVersion(opts.Version)),
			attribute.String("environment", resolveEnvironment()),
			attribute.Int("process.pid", os.Getpid()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func resolveEnvironment() string {
	for _, key := range []string{"PROCWATCH_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func serviceVersion(version string) string {
	if version = strings.TrimSpace(version); version == "" {
		return "dev"
	}
	return version
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTLP certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("parse OTLP certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// consoleExporter prints span summaries, with their attributes and events,
// when no collector is reachable.
type consoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		elapsed := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		line := fmt.Sprintf("[span] %s %s %s", span.Name(), elapsed, span.Status().Code)
		for _, attr := range span.Attributes() {
			line += fmt.Sprintf(" %s=%s", attr.Key, attr.Value.Emit())
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  [event] %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error {
	return nil
}
