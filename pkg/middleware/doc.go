// Package middleware provides observability middleware for bridge
// dispatchers.
//
// # Prometheus
//
// Prometheus records per-call metrics:
//   - bridge_calls_total{function,status}
//   - bridge_call_duration_seconds{function}
//   - bridge_call_errors_total{function,error_type}
//   - bridge_calls_in_flight
//
// ServerCollector exports server.ServerMetrics snapshots (connections,
// windows, frames, bytes, protocol errors) at scrape time.
//
//	reg := prometheus.NewRegistry()
//	d := dispatch.New(windows, dispatch.WithMiddleware(
//	    middleware.Prometheus(middleware.WithRegistry(reg)),
//	))
//	srv := server.New(windows, d, cfg)
//	reg.MustRegister(middleware.NewServerCollector(srv))
//	srv.Mount("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # OpenTelemetry
//
// OpenTelemetry opens one server span per call, named "bridge.call <name>",
// with window, client, function and correlation attributes. Failed calls
// record the error and the wire error code.
//
//	d.Use(middleware.OpenTelemetry(middleware.WithTracerProvider(tp)))
//
// Middleware runs inside the dispatcher's panic recovery and call timeout,
// in the order given.
package middleware
