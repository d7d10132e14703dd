package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ExporterConfig selects the span exporter a process installs before
// constructing its first Telemetry. The zero value installs nothing and
// leaves the ambient global TracerProvider (a no-op, unless some other
// part of the process already set one) in place.
type ExporterConfig struct {
	// Kind is "stdout" to pretty-print spans to stdout as they complete,
	// or "" for no exporter.
	//
	// The teacher's go.mod also carries exporters for OTLP-over-gRPC and
	// for Jaeger's native collector protocol; neither is wired here. See
	// DESIGN.md's "Dropped teacher packages" entry for why.
	Kind string
}

// InstallExporter builds a batching TracerProvider around the configured
// exporter and registers it as the process-wide otel TracerProvider, so
// every Telemetry constructed by New afterward exports through it. The
// returned shutdown func flushes and closes the exporter; callers defer it.
func InstallExporter(cfg ExporterConfig) (shutdown func(context.Context) error, err error) {
	switch cfg.Kind {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: construct stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter kind %q", cfg.Kind)
	}
}
