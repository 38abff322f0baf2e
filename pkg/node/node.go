// Package node wires the envelope, resolver, send buffer, request queue,
// requests manager, methods registry, topics registry, and contexts
// packages into the external interface spec.md §6 describes: the
// collaborator seam a transport binds to, and the surface application
// code calls to invoke, serve, and subscribe.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helios-starling/kernel/pkg/contexts"
	"github.com/helios-starling/kernel/pkg/envelope"
	"github.com/helios-starling/kernel/pkg/methods"
	"github.com/helios-starling/kernel/pkg/queue"
	"github.com/helios-starling/kernel/pkg/request"
	"github.com/helios-starling/kernel/pkg/requests"
	"github.com/helios-starling/kernel/pkg/resolver"
	"github.com/helios-starling/kernel/pkg/retry"
	"github.com/helios-starling/kernel/pkg/sendbuffer"
	"github.com/helios-starling/kernel/pkg/topics"
)

// ProxyConfiguration is invoked instead of local dispatch whenever an
// inbound frame carries a peer marker other than false (spec.md §4.7,
// §6). Each callable may be nil; a nil callable for a class of frame the
// node receives with peer set results in the frame simply being dropped,
// without a log entry, since the core does not implement relaying
// itself.
type ProxyConfiguration struct {
	Request      func(ctx *contexts.RequestContext)
	Response     func(ctx *contexts.ResponseContext)
	Notification func(ctx *contexts.NotificationContext)
	ErrorMessage func(ctx *contexts.ErrorMessageContext)
}

// Stats is the "system:stats" observability snapshot (spec.md §6, §12).
type Stats struct {
	QueueSize       int
	ActiveRequests  int
	ExpiredRequests int
	MethodCount     int
	TopicCount      int
	Connected       bool
	CollectedAt     time.Time
}

// Node is one endpoint of a helios-starling connection.
type Node struct {
	cfg    *Config
	logger *slog.Logger

	transport sendbuffer.Transport
	resolver  *resolver.Resolver
	buffer    *sendbuffer.Buffer
	timers    *retry.Group
	queue     *queue.Queue
	reqs      *requests.Manager
	methods   *methods.Registry
	topics    *topics.Registry

	connected atomic.Bool

	mu    sync.RWMutex
	proxy ProxyConfiguration

	onText   []func(string)
	onJSON   []func(any)
	onBinary []func([]byte)
	onError  []func(*envelope.Message)

	onEvent func(name string, data any) // single internal observability sink
}

// New creates a Node bound to transport (the collaborator that supplies
// connection state and a raw write primitive) and cfg (nil uses
// NewConfig()'s defaults).
func New(transport sendbuffer.Transport, cfg *Config) *Node {
	if cfg == nil {
		cfg = NewConfig()
	}
	n := &Node{
		cfg:       cfg,
		logger:    cfg.Logger,
		transport: transport,
		timers:    retry.NewGroup(nil),
	}

	n.resolver = resolver.New(withResolverOptions(cfg))
	n.buffer = sendbuffer.New(transport, sendbuffer.Options{
		Capacity:    cfg.MessageBufferSize,
		OnFull:      cfg.SendBufferOnFull,
		BatchWindow: cfg.SendBufferBatchWindow,
		Logger:      cfg.Logger,
	})
	n.reqs = requests.New(n.timers, cfg.Logger)
	n.methods = methods.New(cfg.Logger)
	n.topics = topics.New(cfg.Logger)
	n.queue = queue.New(n.executeRequest, queue.Options{
		MaxSize:       cfg.QueueMaxSize,
		MaxRetries:    cfg.QueueMaxRetries,
		BaseDelay:     cfg.QueueBaseDelay,
		MaxConcurrent: cfg.MaxConcurrent,
		OnFull:        cfg.QueueOnFull,
		DrainTimeout:  cfg.DrainTimeout,
		RateLimit:     cfg.QueueRateLimit,
		RateBurst:     cfg.QueueRateBurst,
		Logger:        cfg.Logger,
	}, n.timers)

	n.wireResolver()
	n.wireBuffer()

	if cfg.StatsInterval > 0 {
		n.startStatsLoop(cfg.StatsInterval)
	}

	return n
}

func (n *Node) now() int64 { return time.Now().UnixMilli() }

func (n *Node) emit(name string, data any) {
	n.mu.RLock()
	fn := n.onEvent
	n.mu.RUnlock()
	if fn != nil {
		fn(name, data)
	}
}

// OnEvent registers an observability sink every named event in spec.md §6
// is delivered through (name, structural payload). Sinks accumulate: each
// call adds fn after the sinks already registered, and every event is
// delivered to all of them in registration order, so metrics and tracing
// observers can be attached to the same node side by side.
func (n *Node) OnEvent(fn func(name string, data any)) {
	n.mu.Lock()
	if prev := n.onEvent; prev != nil {
		n.onEvent = func(name string, data any) {
			prev(name, data)
			fn(name, data)
		}
	} else {
		n.onEvent = fn
	}
	n.mu.Unlock()
}

// SetProxyConfiguration installs the relay hooks invoked for frames
// carrying peer != false.
func (n *Node) SetProxyConfiguration(p ProxyConfiguration) {
	n.mu.Lock()
	n.proxy = p
	n.mu.Unlock()
}

// Deliver feeds one raw inbound frame to the node (the transport's
// inbound collaborator obligation, spec.md §6).
func (n *Node) Deliver(raw []byte, isText bool) {
	n.resolver.Resolve(raw, isText)
}

// SetConnected updates the node's connection state, resuming the send
// buffer and the queue scheduler, and dropping non-persistent topic
// subscriptions on a transition to disconnected.
func (n *Node) SetConnected(connected bool) {
	n.connected.Store(connected)
	n.topics.SetConnected(connected)
	n.queue.SetConnected(connected)
	if connected {
		n.buffer.Resume()
	}
}

func (n *Node) metadataFrom(m *envelope.Message) contexts.Metadata {
	return contexts.Metadata{Timestamp: m.Timestamp, Peer: m.Peer}
}

func (n *Node) wireResolver() {
	n.resolver.OnText(func(text string) {
		n.mu.RLock()
		handlers := append([]func(string){}, n.onText...)
		n.mu.RUnlock()
		ctx := contexts.NewTextContext(text, contexts.Metadata{Timestamp: n.now()}, func(ev contexts.ProcessedEvent) {
			n.emit("message:processed", ev)
		})
		n.emit("message:text", text)
		for _, h := range handlers {
			n.safeCall(func() { h(text) })
		}
		ctx.Acknowledge()
	})

	n.resolver.OnJSON(func(value any) {
		n.mu.RLock()
		handlers := append([]func(any){}, n.onJSON...)
		n.mu.RUnlock()
		ctx := contexts.NewJSONContext(value, contexts.Metadata{Timestamp: n.now()}, func(ev contexts.ProcessedEvent) {
			n.emit("message:processed", ev)
		})
		n.emit("message:json", value)
		for _, h := range handlers {
			n.safeCall(func() { h(value) })
		}
		ctx.Acknowledge()
	})

	n.resolver.OnBinary(func(raw []byte) {
		n.mu.RLock()
		handlers := append([]func([]byte){}, n.onBinary...)
		n.mu.RUnlock()
		ctx := contexts.NewBinaryContext(raw, contexts.Metadata{Timestamp: n.now()}, func(ev contexts.ProcessedEvent) {
			n.emit("message:processed", ev)
		})
		n.emit("message:binary", raw)
		for _, h := range handlers {
			n.safeCall(func() { h(raw) })
		}
		ctx.Acknowledge()
	})

	n.resolver.OnViolation(func(violations []string, m *envelope.Message) {
		n.emit("message:protocol_error", violations)
		errMsg := envelope.NewError(n.cfg.Version, n.now(), envelope.SeverityProtocol, envelope.CodeProtocolViolation,
			"the message violated the helios-starling protocol", mustJSON(violations))
		n.sendRaw(errMsg)
	})

	n.resolver.OnRequest(func(m *envelope.Message) {
		n.handleInboundRequest(m)
	})

	n.resolver.OnResponse(func(m *envelope.Message) {
		if m.IsRelayed() {
			n.mu.RLock()
			hook := n.proxy.Response
			n.mu.RUnlock()
			if hook != nil {
				hook(&contexts.ResponseContext{
					Metadata:  n.metadataFrom(m),
					RequestID: m.RequestID,
					Success:   m.Success,
					Data:      m.Data,
				})
			}
			return
		}
		n.reqs.HandleResponse(m)
		n.emit("response:received", m)
		if !m.Success && m.Error != nil {
			n.emit("response:error", m.Error)
		}
	})

	n.resolver.OnNotification(func(m *envelope.Message) {
		if m.IsRelayed() {
			n.mu.RLock()
			hook := n.proxy.Notification
			n.mu.RUnlock()
			if hook != nil {
				hook(n.notificationContext(m))
			}
			return
		}
		if m.RequestID != "" {
			n.reqs.HandleNotification(m)
			n.emit("request:notification", m)
			return
		}
		topic := ""
		var data json.RawMessage
		if m.Notification != nil {
			topic, data = m.Notification.Topic, m.Notification.Data
		}
		n.topics.Dispatch(topic, data, m.RequestID)
		n.emit("topic:handled", topic)
	})

	n.resolver.OnErrorMessage(func(m *envelope.Message) {
		if m.IsRelayed() {
			n.mu.RLock()
			hook := n.proxy.ErrorMessage
			n.mu.RUnlock()
			if hook != nil && m.Error != nil {
				hook(&contexts.ErrorMessageContext{
					Metadata: n.metadataFrom(m),
					Severity: string(m.Error.Severity),
					Code:     m.Error.Code,
					Message:  m.Error.Message,
					Details:  m.Error.Details,
				})
			}
			return
		}
		n.mu.RLock()
		handlers := append([]func(*envelope.Message){}, n.onError...)
		n.mu.RUnlock()
		n.emit("message:error", m.Error)
		for _, h := range handlers {
			n.safeCall(func() { h(m) })
		}
	})

	n.topics.OnHandlerError(func(topic string, err any) {
		n.emit("topic:error", map[string]any{"topic": topic, "error": err})
	})
}

func (n *Node) notificationContext(m *envelope.Message) *contexts.NotificationContext {
	nc := &contexts.NotificationContext{Metadata: n.metadataFrom(m), RequestID: m.RequestID, Type: m.NotificationType()}
	if m.Notification != nil {
		nc.Topic, nc.Data = m.Notification.Topic, m.Notification.Data
	}
	return nc
}

func (n *Node) wireBuffer() {
	n.buffer.OnSendSuccess(func(payload []byte) { n.emit("message:send:success", payload) })
	n.buffer.OnSendFailed(func(ev sendbuffer.SendFailedEvent) { n.emit("message:send:failed", ev) })
	n.buffer.OnBuffered(func(payload []byte) { n.emit("message:buffered", payload) })

	n.queue.OnQueueAdded(func(id string) { n.emit("queue:added", id) })
	n.queue.OnQueueRemoved(func(id string) { n.emit("queue:removed", id) })
	n.queue.OnQueueSizeChanged(func(size int) { n.emit("queue:size_changed", size) })

	n.reqs.OnLateResponse(func(id string, delay time.Duration) {
		n.emit("request:late_response", map[string]any{"requestId": id, "responseDelay": delay})
	})
	n.reqs.OnUnknownResponse(func(id string) { n.emit("request:unknown_response", id) })
	n.reqs.OnCompleted(func(id string, state request.State) { n.emit("request:completed", map[string]any{"requestId": id, "state": state.String()}) })
}

func (n *Node) handleInboundRequest(m *envelope.Message) {
	if m.IsRelayed() {
		n.mu.RLock()
		hook := n.proxy.Request
		n.mu.RUnlock()
		if hook == nil {
			return
		}
		ctx := contexts.NewRequestContext(m.Method, m.RequestID, m.Payload, n.metadataFrom(m), func(ev contexts.ProcessedEvent) {
			n.emit("message:processed", ev)
		})
		hook(ctx)
		return
	}

	ctx := contexts.NewRequestContext(m.Method, m.RequestID, m.Payload, n.metadataFrom(m), func(ev contexts.ProcessedEvent) {
		n.emit("message:processed", ev)
	})
	n.methods.Dispatch(context.Background(), ctx, n.replyToRequest)
}

// Reply returns the reply function a registered method's handler passes
// to RequestContext.Success/Error to actually send the response through
// this node.
func (n *Node) Reply() contexts.ReplyFunc { return n.replyToRequest }

// NotifyFunc returns the notify function a registered method's handler
// passes to RequestContext.Notify/Progress to stream an intermediate
// notification through this node. Unlike Notify, it discards the send
// error, matching contexts.NotifyFunc's signature.
func (n *Node) NotifyFunc() contexts.NotifyFunc {
	return func(topic string, data json.RawMessage, requestID string) {
		_ = n.Notify(topic, data, requestID)
	}
}

// replyToRequest builds and sends the response envelope a request
// context's Success/Error produced.
func (n *Node) replyToRequest(requestID string, success bool, data json.RawMessage, errCode, errMessage string, errDetails json.RawMessage) {
	var errPayload *envelope.ErrorPayload
	if !success {
		errPayload = &envelope.ErrorPayload{Severity: envelope.SeverityApplication, Code: errCode, Message: errMessage, Details: errDetails}
		n.emit("request:error", map[string]any{"requestId": requestID, "code": errCode})
	}
	resp := envelope.NewResponse(n.cfg.Version, n.now(), requestID, success, data, errPayload)
	n.sendRaw(resp)
}

func (n *Node) sendRaw(m *envelope.Message) error {
	raw, err := envelope.Encode(m)
	if err != nil {
		return err
	}
	_, err = n.buffer.Add(raw)
	return err
}

// Send pushes an already-built envelope through the send buffer
// (spec.md §6's `send(message)` primitive).
func (n *Node) Send(m *envelope.Message) error { return n.sendRaw(m) }

// SendError sends a top-level application error envelope.
func (n *Node) SendError(code, message string, details json.RawMessage) error {
	return n.sendRaw(envelope.NewError(n.cfg.Version, n.now(), envelope.SeverityApplication, code, message, details))
}

// Notify sends a topic notification. requestID correlates it to an
// outstanding request (progress/streaming); pass "" for a topic-only
// broadcast. Notifications are fire-and-forget: a transport failure is
// reported via message:send:failed but never retried (spec.md §7).
func (n *Node) Notify(topic string, data json.RawMessage, requestID string) error {
	return n.sendRaw(envelope.NewNotification(n.cfg.Version, n.now(), topic, data, requestID))
}

// Request invokes a remote method: builds a Request, tracks it with the
// requests manager, and enqueues it on the outbound queue. It returns once
// the request is enqueued (or dropped/rejected), without waiting for a
// reply; under queue.Block it waits for queue space first. Completion is
// observed via the returned Request's Done channel, Result, OnProgress,
// and OnNotification.
func (n *Node) Request(method string, payload json.RawMessage, opts request.Options) (*request.Request, error) {
	r := request.New(method, payload, opts, n.timers, n.logger)
	ok, err := n.queue.Enqueue(r)
	if err != nil {
		r.Reject(&request.Error{Code: envelope.CodeQueueFull, Message: err.Error()})
		return r, err
	}
	if !ok {
		r.Reject(&request.Error{Code: envelope.CodeQueueFull, Message: "request dropped: queue full"})
		return r, nil
	}
	n.reqs.Track(r)
	n.emit("request:queued", r.ID)
	return r, nil
}

// executeRequest is the queue.Executor: it serializes r as a request
// envelope and pushes it through the send buffer. A send-buffer error
// here is transient/retryable from the queue's point of view.
func (n *Node) executeRequest(r *request.Request) error {
	m := &envelope.Message{
		ProtocolName: envelope.Protocol,
		Version:      n.cfg.Version,
		Timestamp:    n.now(),
		Type:         envelope.TypeRequest,
		Peer:         envelope.PeerNone,
		RequestID:    r.ID,
		Method:       r.Method,
		Payload:      r.Payload,
	}
	raw, err := envelope.Encode(m)
	if err != nil {
		return err
	}
	_, err = n.buffer.Add(raw)
	return err
}

// RegisterMethod registers a named inbound-request handler.
func (n *Node) RegisterMethod(name string, handler methods.Handler, opts methods.Options) error {
	if err := n.methods.Register(name, handler, opts); err != nil {
		return err
	}
	n.emit("method:registered", name)
	return nil
}

// UnregisterMethod removes a previously registered method.
func (n *Node) UnregisterMethod(name string) {
	n.methods.Unregister(name)
	n.emit("method:unregistered", name)
}

// Subscribe registers a topic (or wildcard pattern) notification handler.
func (n *Node) Subscribe(topicOrPattern string, handler topics.Handler, opts topics.Options) topics.Handle {
	return n.topics.Subscribe(topicOrPattern, handler, opts)
}

// OnText registers a handler for inbound frames that are not valid JSON.
func (n *Node) OnText(fn func(text string)) {
	n.mu.Lock()
	n.onText = append(n.onText, fn)
	n.mu.Unlock()
}

// OnJSON registers a handler for inbound JSON that doesn't carry the
// helios-starling protocol marker.
func (n *Node) OnJSON(fn func(value any)) {
	n.mu.Lock()
	n.onJSON = append(n.onJSON, fn)
	n.mu.Unlock()
}

// OnBinary registers a handler for inbound binary frames.
func (n *Node) OnBinary(fn func(raw []byte)) {
	n.mu.Lock()
	n.onBinary = append(n.onBinary, fn)
	n.mu.Unlock()
}

// OnError registers a handler for inbound top-level error envelopes that
// were not relayed (peer == false).
func (n *Node) OnError(fn func(m *envelope.Message)) {
	n.mu.Lock()
	n.onError = append(n.onError, fn)
	n.mu.Unlock()
}

func (n *Node) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error("node: handler panicked", "panic", rec)
		}
	}()
	fn()
}

// Stats returns a snapshot for the "system:stats" observability event
// (spec.md §6, §12).
func (n *Node) Stats() Stats {
	return Stats{
		QueueSize:       n.queue.Size(),
		ActiveRequests:  n.reqs.ActiveCount(),
		ExpiredRequests: n.reqs.ExpiredCount(),
		MethodCount:     n.methods.Count(),
		TopicCount:      n.topics.Count(),
		Connected:       n.connected.Load(),
		CollectedAt:     time.Now(),
	}
}

// MethodMetrics returns per-method call metrics, for name, if registered.
func (n *Node) MethodMetrics(name string) (methods.Metrics, bool) {
	return n.methods.Metrics(name)
}

func (n *Node) startStatsLoop(interval time.Duration) {
	var loop func()
	loop = func() {
		n.emit("system:stats", n.Stats())
		n.timers.After(interval, loop)
	}
	n.timers.After(interval, loop)
}

// Close shuts the node down: cancels every outstanding request with
// "Manager disposed", clears the outbound queue, closes the send buffer,
// and releases the node's timer group (spec.md §5).
func (n *Node) Close() {
	n.reqs.CancelAll("Manager disposed")
	n.queue.Close()
	n.buffer.Close()
	n.timers.Release()
	n.emit("requests:cancelled", "Manager disposed")
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return b
}
