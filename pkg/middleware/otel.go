package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/helios-starling/kernel/pkg/contexts"
	"github.com/helios-starling/kernel/pkg/node"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// defaultTracerName is the tracer name used when OTelConfig.TracerName is unset.
const defaultTracerName = "helios-starling"

// OTelConfig configures the OpenTelemetry instrumentation attached to a
// node.Node's observability event stream.
type OTelConfig struct {
	// TracerName names the tracer (default: "helios-starling").
	TracerName string
}

// OTelOption configures OTelConfig.
type OTelOption func(*OTelConfig)

func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) { c.TracerName = name }
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{TracerName: defaultTracerName}
}

// tracing holds the in-flight spans for outbound requests, keyed by
// request ID, between "request:queued" and "request:completed".
type tracing struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// OpenTelemetry attaches OpenTelemetry spans to n's observability event
// stream:
//
//   - one span per outbound request, opened at "request:queued" and closed
//     at "request:completed", with requestId/state attributes
//   - one span per inbound request handled by a registered method, opened
//     and closed together at "message:processed" (the only point the node
//     surfaces start and duration for an inbound dispatch), backdated to
//     the handler's actual start time
//
// The tracer uses the global OpenTelemetry tracer provider; configure it
// in main() before wiring this in.
func OpenTelemetry(n *node.Node, opts ...OTelOption) {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}

	t := &tracing{
		tracer: otel.Tracer(config.TracerName),
		spans:  make(map[string]trace.Span),
	}

	n.OnEvent(func(name string, data any) {
		switch name {
		case "request:queued":
			requestID, _ := data.(string)
			if requestID == "" {
				return
			}
			_, span := t.tracer.Start(context.Background(), "starling.request",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(attribute.String("starling.request_id", requestID)),
			)
			t.mu.Lock()
			t.spans[requestID] = span
			t.mu.Unlock()

		case "request:completed":
			m, ok := data.(map[string]any)
			if !ok {
				return
			}
			requestID, _ := m["requestId"].(string)
			state, _ := m["state"].(string)
			t.mu.Lock()
			span, found := t.spans[requestID]
			delete(t.spans, requestID)
			t.mu.Unlock()
			if !found {
				return
			}
			span.SetAttributes(attribute.String("starling.state", state))
			if state == "rejected" {
				span.SetStatus(codes.Error, "request rejected")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()

		case "message:processed":
			ev, ok := data.(contexts.ProcessedEvent)
			if !ok || ev.RequestID == "" {
				return
			}
			end := time.Now()
			start := end.Add(-ev.Duration)
			_, span := t.tracer.Start(context.Background(), "starling.handle",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithTimestamp(start),
				trace.WithAttributes(
					attribute.String("starling.request_id", ev.RequestID),
					attribute.Bool("starling.streaming", ev.Streaming),
					attribute.Int("starling.notifications_sent", ev.StreamStats.NotificationsSent),
				),
			)
			span.End(trace.WithTimestamp(end))
		}
	})
}
