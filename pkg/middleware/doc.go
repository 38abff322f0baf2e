// Package middleware provides optional observability instrumentation for
// a node.Node, built entirely on its OnEvent sink rather than on any
// transport or HTTP layer.
//
// # Prometheus
//
//	collector := middleware.Prometheus(n, middleware.WithNamespace("myapp"))
//	http.Handle("/metrics", promhttp.Handler())
//
// Counts messages by kind, protocol violations, request lifecycle
// transitions, send outcomes, and topic dispatch, plus gauges sourced from
// periodic "system:stats" events when the node is configured with a
// StatsInterval.
//
// # OpenTelemetry
//
//	middleware.OpenTelemetry(n, middleware.WithTracerName("myapp"))
//
// Spans one outbound request per "request:queued"/"request:completed"
// pair, and one inbound handler invocation per "message:processed" event
// (backdated to the handler's actual start using its reported duration,
// since the node has no separate "request:received" event to anchor a
// live span to).
package middleware
