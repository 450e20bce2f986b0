// Package tracing sets up the OpenTelemetry tracer provider used by the
// call tracing middleware.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configure Setup.
type Options struct {
	// Exporter is "stdout", "none" or empty (none).
	Exporter string

	// ServiceName is recorded as service.name. Default: "bridge".
	ServiceName string

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Setup builds a tracer provider for opts, installs it as the global
// provider and returns it with its shutdown function. The "none" exporter
// installs a noop provider.
func Setup(ctx context.Context, opts Options) (trace.TracerProvider, ShutdownFunc, error) {
	noopShutdown := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	switch opts.Exporter {
	case "", "none":
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, noopShutdown, nil
	case "stdout":
		exOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if opts.Writer != nil {
			exOpts = append(exOpts, stdouttrace.WithWriter(opts.Writer))
		}
		var err error
		exporter, err = stdouttrace.New(exOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("tracing: stdout exporter: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("tracing: unsupported exporter %q", opts.Exporter)
	}

	name := opts.ServiceName
	if name == "" {
		name = "bridge"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
