package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/bridge/pkg/dispatch"
	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

// Default tracer name for bridge applications.
const defaultTracerName = "bridge"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "bridge").
	TracerName string

	// TracerProvider overrides the global provider.
	TracerProvider trace.TracerProvider

	// IncludeClientID includes the client connection ID in spans.
	// Enabled by default.
	IncludeClientID bool

	// Filter determines which calls to trace.
	// Return true to trace the call, false to skip.
	// If nil, all calls are traced.
	Filter func(call *registry.Call) bool

	// AttributeExtractor adds custom attributes for each traced call.
	AttributeExtractor func(call *registry.Call) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeClientID enables/disables including the client ID in spans.
func WithIncludeClientID(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeClientID = include
	}
}

// WithCallFilter sets a filter function for calls.
func WithCallFilter(filter func(call *registry.Call) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(call *registry.Call) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName:      defaultTracerName,
		IncludeClientID: true,
	}
}

// OpenTelemetry creates middleware that traces every bound function call.
//
// Each span carries the window ID, function name, correlation ID and
// argument count. The span context is placed on the handler's context, so
// outgoing requests made by the handler join the trace.
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracerProvider is given. See internal/tracing for provider setup.
func OpenTelemetry(opts ...OTelOption) dispatch.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(config.TracerName)

	return func(next registry.Handler) registry.Handler {
		return func(ctx context.Context, call *registry.Call) (any, error) {
			if config.Filter != nil && !config.Filter(call) {
				return next(ctx, call)
			}

			attrs := []attribute.KeyValue{
				attribute.Int64("bridge.window_id", int64(call.WindowID)),
				attribute.String("bridge.function", call.Name),
				attribute.Int64("bridge.correlation_id", int64(call.CorrelationID)),
				attribute.Int("bridge.arg_count", len(call.Args)),
			}
			if config.IncludeClientID && call.ClientID != "" {
				attrs = append(attrs, attribute.String("bridge.client_id", call.ClientID))
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(call)...)
			}

			spanCtx, span := tracer.Start(ctx, SpanName(call),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()
			defer func() {
				if r := recover(); r != nil {
					span.SetAttributes(attribute.String("bridge.error_code", protocol.ErrHandler.String()))
					span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", r))
					panic(r)
				}
			}()

			v, err := next(spanCtx, call)
			if err != nil {
				ep := dispatch.ErrorPayloadFor(&dispatch.HandlerError{Name: call.Name, Err: err})
				span.RecordError(err)
				span.SetAttributes(attribute.String("bridge.error_code", ep.Code.String()))
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return v, err
		}
	}
}

// SpanName returns the span name used for call.
func SpanName(call *registry.Call) string {
	return fmt.Sprintf("bridge.call %s", call.Name)
}
