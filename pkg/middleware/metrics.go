package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-go/bridge/pkg/dispatch"
	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
	"github.com/vango-go/bridge/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "bridge").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "bridge",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

func newMetricsConfig(opts []MetricsOption) MetricsConfig {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// CallMetrics holds the per-call Prometheus metrics.
type CallMetrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	callErrors   *prometheus.CounterVec
	inFlight     prometheus.Gauge
}

// NewCallMetrics registers the call metrics with the configured registry.
// It fails with a prometheus.AlreadyRegisteredError when the registry already
// holds call metrics with the same names.
func NewCallMetrics(opts ...MetricsOption) (*CallMetrics, error) {
	config := newMetricsConfig(opts)

	m := &CallMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Total number of bound function calls handled",
			ConstLabels: config.ConstLabels,
		}, []string{"function", "status"}),

		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Bound function call duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"function"}),

		callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_errors_total",
			Help:        "Total number of failed calls by error type",
			ConstLabels: config.ConstLabels,
		}, []string{"function", "error_type"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_in_flight",
			Help:        "Number of calls currently executing",
			ConstLabels: config.ConstLabels,
		}),
	}

	collectors := []prometheus.Collector{m.callsTotal, m.callDuration, m.callErrors, m.inFlight}
	for i, c := range collectors {
		if err := config.Registry.Register(c); err != nil {
			for _, done := range collectors[:i] {
				config.Registry.Unregister(done)
			}
			return nil, err
		}
	}
	return m, nil
}

// Middleware returns a dispatch middleware recording into m.
//
// Only calls that reach a bound handler are recorded. Calls rejected by the
// dispatcher for an unknown name or a wrong argument count never enter the
// middleware chain.
func (m *CallMetrics) Middleware() dispatch.Middleware {
	return func(next registry.Handler) registry.Handler {
		return func(ctx context.Context, call *registry.Call) (v any, err error) {
			m.inFlight.Inc()
			start := time.Now()

			defer func() {
				r := recover()
				m.inFlight.Dec()
				m.callDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())

				status := "success"
				switch {
				case r != nil:
					status = "error"
					m.callErrors.WithLabelValues(call.Name, "panic").Inc()
				case err != nil:
					status = "error"
					m.callErrors.WithLabelValues(call.Name, errorType(ctx, err)).Inc()
				}
				m.callsTotal.WithLabelValues(call.Name, status).Inc()

				// The dispatcher turns the panic into a Handler error.
				if r != nil {
					panic(r)
				}
			}()

			return next(ctx, call)
		}
	}
}

// Prometheus creates middleware that collects Prometheus metrics for calls.
// It panics if the metrics cannot be registered; use NewCallMetrics to get
// the error instead.
//
// Metrics collected:
//   - bridge_calls_total: Counter of calls by function and status
//   - bridge_call_duration_seconds: Histogram of call duration
//   - bridge_call_errors_total: Counter of failed calls by function and error
//     type ("panic" for handlers that panicked)
//   - bridge_calls_in_flight: Gauge of executing calls
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	d := dispatch.New(registry, dispatch.WithMiddleware(
//	    middleware.Prometheus(middleware.WithRegistry(reg)),
//	))
func Prometheus(opts ...MetricsOption) dispatch.Middleware {
	m, err := NewCallMetrics(opts...)
	if err != nil {
		panic(err)
	}
	return m.Middleware()
}

// errorType returns a low-cardinality label for err. "not_found" comes from
// handlers that return a NotFound protocol error themselves.
func errorType(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "timeout"
		}
		return "cancelled"
	}
	switch dispatch.ErrorPayloadFor(&dispatch.HandlerError{Err: err}).Code {
	case protocol.ErrInvalidArguments:
		return "invalid_arguments"
	case protocol.ErrRateLimited:
		return "rate_limited"
	case protocol.ErrTimeout:
		return "timeout"
	case protocol.ErrNotFound:
		return "not_found"
	default:
		return "handler"
	}
}

// MetricsSource is implemented by *server.Server.
type MetricsSource interface {
	Metrics() *server.ServerMetrics
}

// ServerCollector exports server metric snapshots to Prometheus. Values are
// read at scrape time.
type ServerCollector struct {
	source MetricsSource
	descs  []serverDesc
}

type serverDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(*server.ServerMetrics) int64
}

// NewServerCollector creates a collector over source. Register it with
// prometheus.Registerer.MustRegister.
func NewServerCollector(source MetricsSource, opts ...MetricsOption) *ServerCollector {
	config := newMetricsConfig(opts)
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(config.Namespace, config.Subsystem, name),
			help, nil, config.ConstLabels)
	}
	counter := func(name, help string, fn func(*server.ServerMetrics) int64) serverDesc {
		return serverDesc{desc: desc(name, help), valueType: prometheus.CounterValue, value: fn}
	}
	gauge := func(name, help string, fn func(*server.ServerMetrics) int64) serverDesc {
		return serverDesc{desc: desc(name, help), valueType: prometheus.GaugeValue, value: fn}
	}

	return &ServerCollector{
		source: source,
		descs: []serverDesc{
			gauge("active_connections", "Number of active client connections",
				func(m *server.ServerMetrics) int64 { return m.ActiveConnections }),
			gauge("peak_connections", "Highest number of simultaneous connections",
				func(m *server.ServerMetrics) int64 { return m.PeakConnections }),
			gauge("windows", "Number of open windows",
				func(m *server.ServerMetrics) int64 { return m.Windows }),
			counter("connections_total", "Total client connections accepted",
				func(m *server.ServerMetrics) int64 { return m.TotalConnections }),
			counter("frames_received_total", "Total frames received",
				func(m *server.ServerMetrics) int64 { return m.FramesReceived }),
			counter("frames_sent_total", "Total frames sent",
				func(m *server.ServerMetrics) int64 { return m.FramesSent }),
			counter("bytes_received_total", "Total bytes received",
				func(m *server.ServerMetrics) int64 { return m.BytesReceived }),
			counter("bytes_sent_total", "Total bytes sent",
				func(m *server.ServerMetrics) int64 { return m.BytesSent }),
			counter("events_received_total", "Total events received from clients",
				func(m *server.ServerMetrics) int64 { return m.EventsReceived }),
			counter("events_dropped_total", "Total events dropped by rate limiting or full queues",
				func(m *server.ServerMetrics) int64 { return m.EventsDropped }),
			counter("outbound_calls_total", "Total calls made from the server to clients",
				func(m *server.ServerMetrics) int64 { return m.OutboundCalls }),
			counter("protocol_errors_total", "Total connections closed for protocol violations",
				func(m *server.ServerMetrics) int64 { return m.ProtocolErrors }),
			counter("handshake_failures_total", "Total rejected handshakes",
				func(m *server.ServerMetrics) int64 { return m.HandshakeFailures }),
			counter("rate_limited_total", "Total calls rejected by rate limiting",
				func(m *server.ServerMetrics) int64 { return m.RateLimited }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *ServerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *ServerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Metrics()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, float64(d.value(snap)))
	}
}
