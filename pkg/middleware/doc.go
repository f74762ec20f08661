// Package middleware provides observability for a server.Gate.
//
// This package includes:
//   - OpenTelemetry tracing of session starts, refreshes and events
//   - Prometheus metrics for invocations, session lifecycle and commands
//
// # OpenTelemetry
//
// OpenTelemetry returns an interceptor. Every unit of work on a session
// strand gets a span with the session id, and for events the target
// component and event name. The span travels in the handler's context:
//
//	gate.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("my-app"),
//	    middleware.WithFilter(func(inv *server.Invocation) bool {
//	        return inv.Op != server.OpEvent || inv.Event.Name != "keepalive"
//	    }),
//	))
//
// # Prometheus Metrics
//
// Prometheus builds a metrics set that is interceptor and observer at once.
// Install wires both into a gate and adds gauges for live sessions and
// registered upload tokens:
//
//	m := middleware.Prometheus(middleware.WithRegistry(reg))
//	m.Install(gate)
//
// Then expose the registry:
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package middleware
