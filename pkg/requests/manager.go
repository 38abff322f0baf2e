// Package requests implements the requests manager: the active and
// expired request tables, and the routing of inbound responses and
// correlated notifications to the matching outstanding Request.
package requests

import (
	"log/slog"
	"sync"
	"time"

	"github.com/helios-starling/kernel/pkg/envelope"
	"github.com/helios-starling/kernel/pkg/request"
	"github.com/helios-starling/kernel/pkg/retry"
)

// ExpiredTTL is how long an id is retained in the expired table for
// late-response attribution (spec.md §3, §4.6).
const ExpiredTTL = time.Hour

// CleanupInterval is how often stale expired entries are swept.
const CleanupInterval = 5 * time.Minute

type expiredEntry struct {
	terminatedAt time.Time
	timeout      time.Duration
}

// Manager owns the active and expired request tables for one node. It is
// the only legitimate mutator of either table (spec.md §5).
type Manager struct {
	logger *slog.Logger
	timers *retry.Group

	mu      sync.RWMutex
	active  map[string]*request.Request
	expired map[string]expiredEntry

	onLateResponse    func(id string, delay time.Duration)
	onUnknownResponse func(id string)
	onCompleted       func(id string, state request.State)
	onNotification    func(id string)
}

// New creates a Manager. timers is the node-level timer group used for the
// periodic expired-table cleanup sweep.
func New(timers *retry.Group, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger,
		timers:  timers,
		active:  make(map[string]*request.Request),
		expired: make(map[string]expiredEntry),
	}
	m.scheduleCleanup()
	return m
}

func (m *Manager) OnLateResponse(fn func(id string, delay time.Duration)) { m.onLateResponse = fn }
func (m *Manager) OnUnknownResponse(fn func(id string))                   { m.onUnknownResponse = fn }
func (m *Manager) OnCompleted(fn func(id string, state request.State))    { m.onCompleted = fn }
func (m *Manager) OnNotificationRouted(fn func(id string))                { m.onNotification = fn }

// Track registers r as active and arms the late-attribution hook: when r
// terminates (by any path — response, timeout, or cancel) its id moves
// into the expired table so a subsequently arriving response is
// classified as "late" rather than "unknown" (spec.md §4.6).
func (m *Manager) Track(r *request.Request) {
	m.mu.Lock()
	m.active[r.ID] = r
	m.mu.Unlock()

	timeout := r.Opts.Timeout
	r.OnTerminal(func(state request.State) {
		m.mu.Lock()
		delete(m.active, r.ID)
		m.expired[r.ID] = expiredEntry{terminatedAt: time.Now(), timeout: timeout}
		m.mu.Unlock()
		if m.onCompleted != nil {
			m.onCompleted(r.ID, state)
		}
	})
}

// Active returns the active request for id, if any.
func (m *Manager) Active(id string) (*request.Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.active[id]
	return r, ok
}

// ActiveCount and ExpiredCount support node.Stats().
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) ExpiredCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.expired)
}

// HandleResponse routes an inbound response envelope to its request.
// A hit delivers to the request and removes it from active (Track's
// OnTerminal hook then moves it to expired). A miss against an active
// request but a hit in expired fires the late-response observer; a miss
// against both fires unknown-response. Neither case propagates an error
// to the transport — orphan responses are purely an observability event.
func (m *Manager) HandleResponse(m2 *envelope.Message) {
	m.mu.RLock()
	r, active := m.active[m2.RequestID]
	exp, wasExpired := m.expired[m2.RequestID]
	m.mu.RUnlock()

	if active {
		if m2.Success {
			r.Resolve(m2.Data)
		} else {
			var code, msg string
			var details []byte
			if m2.Error != nil {
				code, msg, details = m2.Error.Code, m2.Error.Message, m2.Error.Details
			}
			r.Reject(&request.Error{Code: code, Message: msg, Details: details})
		}
		return
	}

	if wasExpired {
		delay := time.Since(exp.terminatedAt)
		m.logger.Debug("requests: late response", "requestId", m2.RequestID, "delay", delay)
		if m.onLateResponse != nil {
			m.onLateResponse(m2.RequestID, delay)
		}
		return
	}

	m.logger.Debug("requests: unknown response", "requestId", m2.RequestID)
	if m.onUnknownResponse != nil {
		m.onUnknownResponse(m2.RequestID)
	}
}

// HandleNotification routes a correlated notification (one carrying a
// requestId) to the matching active request's progress/notification
// listeners. Silently dropped (with an observability event) if the
// request is no longer active.
func (m *Manager) HandleNotification(msg *envelope.Message) {
	m.mu.RLock()
	r, ok := m.active[msg.RequestID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("requests: notification for unknown/terminated request", "requestId", msg.RequestID)
		return
	}
	r.DeliverNotification(msg)
	if m.onNotification != nil {
		m.onNotification(msg.RequestID)
	}
}

// CancelAll cancels every active request with reason and clears both
// tables. Used on node shutdown ("Manager disposed").
func (m *Manager) CancelAll(reason string) {
	m.mu.Lock()
	active := make([]*request.Request, 0, len(m.active))
	for _, r := range m.active {
		active = append(active, r)
	}
	m.mu.Unlock()

	for _, r := range active {
		r.Cancel(reason)
	}

	m.mu.Lock()
	m.expired = make(map[string]expiredEntry)
	m.mu.Unlock()
}

func (m *Manager) scheduleCleanup() {
	if m.timers == nil {
		return
	}
	var loop func()
	loop = func() {
		m.mu.Lock()
		now := time.Now()
		for id, e := range m.expired {
			if now.Sub(e.terminatedAt) > ExpiredTTL {
				delete(m.expired, id)
			}
		}
		m.mu.Unlock()
		m.timers.After(CleanupInterval, loop)
	}
	m.timers.After(CleanupInterval, loop)
}
