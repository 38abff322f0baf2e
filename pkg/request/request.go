// Package request implements the outbound call handle: a one-shot
// completion primitive with listener registries for correlated
// notifications, plus the timeout that arms when it starts executing.
//
// spec.md's source language models this as a thenable with side-channel
// listener sets (§9); here that becomes a plain future-like struct guarded
// by a mutex, which is the idiomatic Go rendition.
package request

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helios-starling/kernel/pkg/envelope"
	"github.com/helios-starling/kernel/pkg/retry"
)

// State is the request's position in its lifecycle.
type State int

const (
	Pending State = iota
	Fulfilled
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the terminal rejection reason: a kernel or application error
// code/message pair, optionally wrapping a transport-level cause.
type Error struct {
	Code    string
	Message string
	Details json.RawMessage
	Cause   error
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }
func (e *Error) Unwrap() error { return e.Cause }

// ProgressListener receives notifications whose data carries type="progress".
type ProgressListener func(data json.RawMessage)

// NotificationListener receives every other correlated notification.
type NotificationListener func(m *envelope.Message)

// Options configures a Request at creation.
type Options struct {
	Timeout    time.Duration // 0 disables the timeout timer
	NoResponse bool          // fire-and-forget: never arm a timeout
	Priority   int           // consulted by the queue's priority ordering
	Metadata   map[string]any
}

// Request is one pending outbound call. It is created by application code
// (or a registered method's context), owned by the requests manager from
// Enqueue until terminal, and is safe for concurrent use: listeners may be
// registered from one goroutine while the owning manager resolves or
// rejects it from another.
type Request struct {
	ID        string
	Method    string
	Payload   json.RawMessage
	CreatedAt time.Time
	Opts      Options

	logger *slog.Logger
	timers *retry.Group

	mu           sync.Mutex
	state        State
	data         json.RawMessage
	err          *Error
	done         chan struct{}
	stopTimeout  func()
	progressFns  []ProgressListener
	notifyFns    []NotificationListener
	onTerminal   []func(State)
}

// New creates a pending Request. timers is the node-level timer group
// that will own this request's timeout timer.
func New(method string, payload json.RawMessage, opts Options, timers *retry.Group, logger *slog.Logger) *Request {
	if logger == nil {
		logger = slog.Default()
	}
	return &Request{
		ID:        uuid.NewString(),
		Method:    method,
		Payload:   payload,
		CreatedAt: time.Now(),
		Opts:      opts,
		logger:    logger,
		timers:    timers,
		done:      make(chan struct{}),
	}
}

// Execute arms the request's timeout timer. It must be called at most
// once, when the request is dequeued and handed to the send buffer.
func (r *Request) Execute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Pending || r.Opts.NoResponse || r.Opts.Timeout <= 0 {
		return
	}
	r.stopTimeout = r.timers.After(r.Opts.Timeout, func() {
		r.reject(&Error{Code: envelope.CodeRequestTimeout, Message: "request timed out"})
	})
}

// State returns the request's current state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed when the request becomes terminal.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the resolved data, or (nil, err) once terminal. Calling
// before termination returns (nil, nil).
func (r *Request) Result() (json.RawMessage, *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.err
}

// OnProgress registers a listener for progress-typed correlated
// notifications. Safe to call before or after termination; once
// terminal, no further notifications will arrive so fn simply never runs.
func (r *Request) OnProgress(fn ProgressListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressFns = append(r.progressFns, fn)
}

// OnNotification registers a listener for non-progress correlated
// notifications.
func (r *Request) OnNotification(fn NotificationListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyFns = append(r.notifyFns, fn)
}

// OnTerminal registers a hook invoked exactly once when the
// request becomes terminal, after state has flipped. Used by the owning
// manager to move the id into the expired table for late-response
// attribution (spec.md §4.6).
func (r *Request) OnTerminal(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Pending {
		fn(r.state)
		return
	}
	r.onTerminal = append(r.onTerminal, fn)
}

// Resolve transitions the request to Fulfilled with data. A no-op if
// already terminal.
func (r *Request) Resolve(data json.RawMessage) {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return
	}
	r.state = Fulfilled
	r.data = data
	stop := r.stopTimeout
	hooks := r.onTerminal
	close(r.done)
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, h := range hooks {
		h(Fulfilled)
	}
}

// Reject transitions the request to Rejected with err. A no-op if already
// terminal.
func (r *Request) Reject(err *Error) { r.reject(err) }

func (r *Request) reject(err *Error) {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return
	}
	r.state = Rejected
	r.err = err
	stop := r.stopTimeout
	hooks := r.onTerminal
	close(r.done)
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, h := range hooks {
		h(Rejected)
	}
}

// Cancel rejects the request with REQUEST_CANCELLED, annotated with reason.
func (r *Request) Cancel(reason string) {
	msg := "request cancelled"
	if reason != "" {
		msg = reason
	}
	r.reject(&Error{Code: envelope.CodeRequestCancelled, Message: msg})
}

// DeliverNotification routes m (a correlated notification for this
// request's id) to the progress or notification listeners, chosen by
// m.NotificationType(). Ignored once terminal, per spec.md §4.4's sticky
// terminal rule. Listener panics are recovered and logged; they never
// affect request state (spec.md §4.4, §7).
func (r *Request) DeliverNotification(m *envelope.Message) {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return
	}
	isProgress := m.NotificationType() == "progress"
	progressFns := append([]ProgressListener(nil), r.progressFns...)
	notifyFns := append([]NotificationListener(nil), r.notifyFns...)
	r.mu.Unlock()

	if isProgress {
		var data json.RawMessage
		if m.Notification != nil {
			data = m.Notification.Data
		}
		for _, fn := range progressFns {
			r.safeCall(func() { fn(data) })
		}
		return
	}
	for _, fn := range notifyFns {
		r.safeCall(func() { fn(m) })
	}
}

func (r *Request) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("request: listener panicked", "requestId", r.ID, "panic", rec)
		}
	}()
	fn()
}
