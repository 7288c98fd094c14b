// Package telemetry installs the OpenTelemetry tracer provider used by the
// webhook client spans.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const ServiceName = "hookbeam"

type Config struct {
	Enabled bool
	// Output is "stdout", "stderr" or a file path. Empty means stdout.
	Output      string
	SampleRatio float64
}

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs a global tracer provider exporting spans as JSON. When
// disabled the global no-op provider stays in place.
func Setup(cfg Config, version string) (Shutdown, error) {
	if !cfg.Enabled {
		return noop, nil
	}

	w, closeW, err := openOutput(cfg.Output)
	if err != nil {
		return noop, err
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		_ = closeW()
		return noop, fmt.Errorf("telemetry exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		)),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		err := provider.Shutdown(ctx)
		if cerr := closeW(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

func openOutput(out string) (io.Writer, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "", "stdout":
		return os.Stdout, noopClose, nil
	case "stderr":
		return os.Stderr, noopClose, nil
	}
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry output: %w", err)
	}
	return f, f.Close, nil
}

func noopClose() error { return nil }
