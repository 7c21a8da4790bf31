// Package observability provides OpenTelemetry trace export.
//
// Traces are exported to a local OTLP collector over HTTP (default
// localhost:4318). The collector handles authentication, buffering,
// and forwarding to whatever backend it is configured for, so the
// application never holds backend credentials.
//
// Genkit instruments every model call, embedding, and flow with spans
// on its own TracerProvider; SetupTracing attaches an exporter to that
// provider rather than installing a global one.
//
// Configuration (~/.corpusqa/config.yaml):
//
//	otel:
//	  enabled: true
//	  endpoint: "localhost:4318"
//	  environment: "dev"
//	  service_name: "corpusqa"
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the OTLP HTTP collector endpoint (default: localhost:4318)
	Endpoint string
	// Environment is the deployment environment (dev, staging, prod)
	Environment string
	// ServiceName is the service name reported on spans
	ServiceName string
}

// DefaultEndpoint is the default OTLP HTTP collector endpoint.
const DefaultEndpoint = "localhost:4318"

// SetupTracing registers an OTLP exporter with Genkit's TracerProvider.
// Spans are batched and sent to the collector over OTLP HTTP.
//
// Returns a shutdown function that flushes pending spans.
// If Endpoint is empty, uses DefaultEndpoint (localhost:4318).
func SetupTracing(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Genkit's TracerProvider reads OTEL_SERVICE_NAME and
	// OTEL_RESOURCE_ATTRIBUTES when building its resource.
	// SAFETY: os.Setenv is not concurrent-safe, but SetupTracing runs
	// exactly once during startup before goroutines are spawned.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(), // local collector, no TLS
	)
	if err != nil {
		slog.Warn("failed to create OTLP exporter, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	slog.Debug("trace export enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
