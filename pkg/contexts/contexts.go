// Package contexts implements the handler-facing objects the methods
// registry, topics registry, and requests manager hand to application
// code: one variant per inbound frame class, each single-use and gated by
// a processed latch that prevents a double reply.
package contexts

import (
	"encoding/json"
	"sync"
	"time"
)

// ProcessedEvent is the payload of the "message:processed" event every
// context emits on its first terminal reply.
type ProcessedEvent struct {
	RequestID   string
	Duration    time.Duration
	Streaming   bool
	StreamStats StreamStats
}

// StreamStats counts intermediate notify() calls made through a request
// context before its terminal reply.
type StreamStats struct {
	NotificationsSent int
}

// base is embedded by every context variant; it owns the processed latch.
type base struct {
	mu        sync.Mutex
	processed bool
	startedAt time.Time
	onProcessed func(ProcessedEvent)
	requestID   string
	streaming   bool
	stats       StreamStats
}

func newBase(requestID string, onProcessed func(ProcessedEvent)) base {
	return base{startedAt: time.Now(), onProcessed: onProcessed, requestID: requestID}
}

// Processed reports whether this context has already produced its
// terminal reply.
func (b *base) Processed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed
}

// markProcessed flips the latch exactly once and emits message:processed.
// Returns false if it was already processed (a usage error at the call
// site — reply paths must check this).
func (b *base) markProcessed() bool {
	b.mu.Lock()
	if b.processed {
		b.mu.Unlock()
		return false
	}
	b.processed = true
	dur := time.Since(b.startedAt)
	streaming := b.streaming
	stats := b.stats
	b.mu.Unlock()

	if b.onProcessed != nil {
		b.onProcessed(ProcessedEvent{RequestID: b.requestID, Duration: dur, Streaming: streaming, StreamStats: stats})
	}
	return true
}

func (b *base) recordStream() {
	b.mu.Lock()
	b.streaming = true
	b.stats.NotificationsSent++
	b.mu.Unlock()
}

// Metadata carries the opaque per-frame metadata and peer marker the
// envelope provides, common to every context variant.
type Metadata struct {
	Timestamp int64
	Metadata  map[string]any
	Peer      any
}

// RequestContext is handed to a registered method's handler. Its reply
// surface is single-shot: the first of Success/Error to run wins;
// Notify/Progress may be called any number of times before that.
type RequestContext struct {
	base
	Metadata
	Method    string
	RequestID string
	Payload   json.RawMessage
}

// NewRequestContext constructs a RequestContext for one inbound request
// frame. onProcessed receives the terminal "message:processed" event.
// Success/Error/Notify/Progress each take the reply/notify function to
// invoke explicitly, so the context itself carries no transport handle.
func NewRequestContext(method, requestID string, payload json.RawMessage, md Metadata, onProcessed func(ProcessedEvent)) *RequestContext {
	return &RequestContext{
		base:      newBase(requestID, onProcessed),
		Metadata:  md,
		Method:    method,
		RequestID: requestID,
		Payload:   payload,
	}
}

// ReplyFunc is the shape Success/Error hand to the node to build the
// actual wire response; kept generic so this package never imports
// envelope and the node stays the only place that knows the wire shape.
type ReplyFunc func(requestID string, success bool, data json.RawMessage, errCode, errMessage string, errDetails json.RawMessage)

// Success sends a successful response with data, if this context hasn't
// already replied. Returns false (a usage error at the call site) if it
// had.
func (c *RequestContext) Success(data json.RawMessage, reply ReplyFunc) bool {
	if !c.markProcessed() {
		return false
	}
	reply(c.RequestID, true, data, "", "", nil)
	return true
}

// Error sends a failure response, if this context hasn't already replied.
func (c *RequestContext) Error(code, message string, details json.RawMessage, reply ReplyFunc) bool {
	if !c.markProcessed() {
		return false
	}
	reply(c.RequestID, false, nil, code, message, details)
	return true
}

// NotifyFunc mirrors ReplyFunc for intermediate, non-terminal sends.
type NotifyFunc func(topic string, data json.RawMessage, requestID string)

// Notify sends an intermediate, correlated notification without
// terminating the context. Marks the context as streaming.
func (c *RequestContext) Notify(topic string, data json.RawMessage, notify NotifyFunc) {
	c.recordStream()
	notify(topic, data, c.RequestID)
}

// Progress is a convenience over Notify that sends a progress-shaped
// notification on "{requestId}:progress".
func (c *RequestContext) Progress(pct int, status string, details json.RawMessage, notify NotifyFunc) {
	payload := struct {
		Type     string          `json:"type"`
		Progress int             `json:"progress"`
		Status   string          `json:"status,omitempty"`
		Details  json.RawMessage `json:"details,omitempty"`
	}{Type: "progress", Progress: pct, Status: status, Details: details}
	data, _ := json.Marshal(payload)
	c.Notify(c.RequestID+":progress", data, notify)
}

// ResponseContext is a read-only carrier passed internally when routing
// an inbound response; application code does not normally see it (the
// requests manager consumes responses directly), but it is exposed for
// proxy hooks inspecting relayed frames.
type ResponseContext struct {
	Metadata
	RequestID string
	Success   bool
	Data      json.RawMessage
	ErrorCode string
	ErrorMsg  string
}

// NotificationContext is a read-only carrier for an inbound notification,
// passed to the topics registry (topic-only) or exposed to a proxy hook.
type NotificationContext struct {
	Metadata
	Topic     string
	Data      json.RawMessage
	RequestID string
	Type      string // "progress" or "" for ordinary notifications
}

// ErrorMessageContext is a read-only carrier for an inbound top-level
// error envelope.
type ErrorMessageContext struct {
	Metadata
	Severity string
	Code     string
	Message  string
	Details  json.RawMessage
}

// TextContext, JSONContext and BinaryContext carry non-protocol frames
// (onText/onJson/onBinary). Their only mutation is Acknowledge, which
// flips the processed latch and emits the processing metric.
type TextContext struct {
	base
	Metadata
	Text string
}

func NewTextContext(text string, md Metadata, onProcessed func(ProcessedEvent)) *TextContext {
	return &TextContext{base: newBase("", onProcessed), Metadata: md, Text: text}
}

func (c *TextContext) Acknowledge() bool { return c.markProcessed() }

type JSONContext struct {
	base
	Metadata
	Value any
}

func NewJSONContext(value any, md Metadata, onProcessed func(ProcessedEvent)) *JSONContext {
	return &JSONContext{base: newBase("", onProcessed), Metadata: md, Value: value}
}

func (c *JSONContext) Acknowledge() bool { return c.markProcessed() }

type BinaryContext struct {
	base
	Metadata
	Data []byte
}

func NewBinaryContext(data []byte, md Metadata, onProcessed func(ProcessedEvent)) *BinaryContext {
	return &BinaryContext{base: newBase("", onProcessed), Metadata: md, Data: data}
}

func (c *BinaryContext) Acknowledge() bool { return c.markProcessed() }
