package middleware

import (
	"sync"

	"github.com/helios-starling/kernel/pkg/contexts"
	"github.com/helios-starling/kernel/pkg/node"
	"github.com/helios-starling/kernel/pkg/sendbuffer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus instrumentation attached to a
// node.Node's observability event stream.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "starling").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures MetricsConfig.
type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "starling",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the Prometheus metrics wired to a node's event stream.
type Collector struct {
	messagesTotal      *prometheus.CounterVec
	protocolViolations prometheus.Counter
	requestsQueued     prometheus.Counter
	requestsCompleted  *prometheus.CounterVec
	requestDuration    prometheus.Histogram
	lateResponses      prometheus.Counter
	unknownResponses   prometheus.Counter
	sendSuccessTotal   prometheus.Counter
	sendFailedTotal    prometheus.Counter
	topicsDispatched   prometheus.Counter
	topicErrors        prometheus.Counter
	queueSize          prometheus.Gauge
	methodCount        prometheus.Gauge
	topicCount         prometheus.Gauge
}

func newCollector(config MetricsConfig) *Collector {
	factory := promauto.With(config.Registry)

	return &Collector{
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_total",
			Help:        "Total number of non-protocol frames delivered, by kind.",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		protocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "protocol_violations_total",
			Help:        "Total number of inbound frames rejected for protocol violations.",
			ConstLabels: config.ConstLabels,
		}),

		requestsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_queued_total",
			Help:        "Total number of outbound requests admitted to the queue.",
			ConstLabels: config.ConstLabels,
		}),

		requestsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_completed_total",
			Help:        "Total number of requests reaching a terminal state, by state.",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_handler_duration_seconds",
			Help:        "Time an inbound request spent in its handler before the terminal reply.",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		lateResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "late_responses_total",
			Help:        "Total number of responses that arrived after their request had already timed out.",
			ConstLabels: config.ConstLabels,
		}),

		unknownResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "unknown_responses_total",
			Help:        "Total number of responses correlated to no known request.",
			ConstLabels: config.ConstLabels,
		}),

		sendSuccessTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "send_success_total",
			Help:        "Total number of buffered sends that reached the transport.",
			ConstLabels: config.ConstLabels,
		}),

		sendFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "send_failed_total",
			Help:        "Total number of buffered sends the transport rejected.",
			ConstLabels: config.ConstLabels,
		}),

		topicsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "topics_dispatched_total",
			Help:        "Total number of topic-only notifications dispatched to the topics registry.",
			ConstLabels: config.ConstLabels,
		}),

		topicErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "topic_handler_errors_total",
			Help:        "Total number of topic subscriber handlers that panicked.",
			ConstLabels: config.ConstLabels,
		}),

		queueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_size",
			Help:        "Current number of requests waiting in the outbound queue.",
			ConstLabels: config.ConstLabels,
		}),

		methodCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "methods_registered",
			Help:        "Number of methods currently registered.",
			ConstLabels: config.ConstLabels,
		}),

		topicCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "topic_subscriptions",
			Help:        "Number of live topic subscriptions.",
			ConstLabels: config.ConstLabels,
		}),
	}
}

var (
	globalCollector   *Collector
	globalCollectorMu sync.Mutex
)

// Prometheus attaches Prometheus instrumentation to n's observability
// event stream (n.OnEvent) and returns the Collector backing the
// registered metrics, for tests or for mounting alongside application
// metrics. The first call per process owns metric registration; later
// calls reuse the already-registered Collector rather than re-register
// (which the Prometheus client would reject).
func Prometheus(n *node.Node, opts ...MetricsOption) *Collector {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalCollectorMu.Lock()
	if globalCollector == nil {
		globalCollector = newCollector(config)
	}
	c := globalCollector
	globalCollectorMu.Unlock()

	n.OnEvent(func(name string, data any) {
		switch name {
		case "message:text":
			c.messagesTotal.WithLabelValues("text").Inc()
		case "message:json":
			c.messagesTotal.WithLabelValues("json").Inc()
		case "message:binary":
			c.messagesTotal.WithLabelValues("binary").Inc()
		case "message:protocol_error":
			c.protocolViolations.Inc()
		case "message:processed":
			if ev, ok := data.(contexts.ProcessedEvent); ok && ev.RequestID != "" {
				c.requestDuration.Observe(ev.Duration.Seconds())
			}
		case "message:send:success":
			c.sendSuccessTotal.Inc()
		case "message:send:failed":
			if _, ok := data.(sendbuffer.SendFailedEvent); ok {
				c.sendFailedTotal.Inc()
			}
		case "request:queued":
			c.requestsQueued.Inc()
		case "request:completed":
			if m, ok := data.(map[string]any); ok {
				state, _ := m["state"].(string)
				c.requestsCompleted.WithLabelValues(state).Inc()
			}
		case "request:late_response":
			c.lateResponses.Inc()
		case "request:unknown_response":
			c.unknownResponses.Inc()
		case "topic:handled":
			c.topicsDispatched.Inc()
		case "topic:error":
			c.topicErrors.Inc()
		case "queue:size_changed":
			if size, ok := data.(int); ok {
				c.queueSize.Set(float64(size))
			}
		case "system:stats":
			if s, ok := data.(node.Stats); ok {
				c.queueSize.Set(float64(s.QueueSize))
				c.methodCount.Set(float64(s.MethodCount))
				c.topicCount.Set(float64(s.TopicCount))
			}
		}
	})

	return c
}

// GetCollector returns the process-wide Collector, or nil if Prometheus
// has not yet been attached to any node.
func GetCollector() *Collector {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	return globalCollector
}
