// Package sendbuffer implements the connection-state-aware outbound
// buffer: items accumulate while disconnected and are released, in FIFO
// order, in batches while connected.
package sendbuffer

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// FullPolicy governs back-pressure when the buffer is at capacity.
type FullPolicy int

const (
	Block FullPolicy = iota
	Drop
	ErrorPolicy
)

// Transport is the minimal collaborator the buffer needs: connection
// state and a raw write primitive. The real transport (WebSocket bind,
// TLS, ...) lives outside the kernel; this interface is the seam.
type Transport interface {
	IsConnected() bool
	SendRaw(payload []byte) error
}

// Options configures a Buffer.
type Options struct {
	// Capacity bounds the number of queued-but-unreleased items. Zero
	// means unbounded.
	Capacity int
	// OnFull governs what Add does when Capacity is reached.
	OnFull FullPolicy
	// BatchWindow is how long the buffer waits to coalesce consecutive
	// adds into one flush once connected. Default 100ms.
	BatchWindow time.Duration
	Logger      *slog.Logger
}

// DefaultOptions returns the spec.md §4.3/§6 defaults.
func DefaultOptions() Options {
	return Options{
		Capacity:    1000,
		OnFull:      Block,
		BatchWindow: 100 * time.Millisecond,
		Logger:      slog.Default(),
	}
}

// SendFailedEvent carries the error emitted by "message:send:failed".
type SendFailedEvent struct {
	Payload []byte
	Err     error
}

// Buffer accepts outbound payloads and releases them to a Transport only
// while it reports connected. Concurrent Add calls are admitted in
// arrival order (spec.md §5); the transport is touched by exactly one
// flush goroutine at a time.
type Buffer struct {
	transport Transport
	opts      Options

	mu      sync.Mutex
	cond    *sync.Cond
	items   [][]byte
	closed  bool

	onSendSuccess func(payload []byte)
	onSendFailed  func(SendFailedEvent)
	onBuffered    func(payload []byte)

	flushTimer *time.Timer
	flushArmed bool
	flushMu    sync.Mutex // held for a whole flush, so flushes never overlap
}

// New creates a Buffer writing through transport.
func New(transport Transport, opts Options) *Buffer {
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Buffer{transport: transport, opts: opts}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// OnSendSuccess registers the "message:send:success" observer.
func (b *Buffer) OnSendSuccess(fn func(payload []byte)) { b.onSendSuccess = fn }

// OnSendFailed registers the "message:send:failed" observer.
func (b *Buffer) OnSendFailed(fn func(SendFailedEvent)) { b.onSendFailed = fn }

// OnBuffered registers the "message:buffered" observer, fired when an item
// is accepted while disconnected.
func (b *Buffer) OnBuffered(fn func(payload []byte)) { b.onBuffered = fn }

// Add accepts an outbound value. Mappings (structs, maps) are JSON
// serialized; []byte and string pass through unchanged. It returns false
// if the item was dropped (OnFull == Drop and the buffer was full) and
// blocks if OnFull == Block and the buffer is full, until space frees up
// or the buffer is closed.
func (b *Buffer) Add(payload any) (bool, error) {
	raw, err := toBytes(payload)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	for b.opts.Capacity > 0 && len(b.items) >= b.opts.Capacity && !b.closed {
		switch b.opts.OnFull {
		case Drop:
			b.mu.Unlock()
			return false, nil
		case ErrorPolicy:
			b.mu.Unlock()
			return false, ErrBufferFull
		default: // Block
			b.cond.Wait()
		}
	}
	if b.closed {
		b.mu.Unlock()
		return false, ErrBufferClosed
	}

	b.items = append(b.items, raw)
	connected := b.transport != nil && b.transport.IsConnected()
	if !connected && b.onBuffered != nil {
		b.onBuffered(raw)
	}
	b.armFlush()
	b.mu.Unlock()

	return true, nil
}

// armFlush schedules a flush after BatchWindow if one isn't already
// pending. Must be called with b.mu held.
func (b *Buffer) armFlush() {
	if b.flushArmed {
		return
	}
	b.flushArmed = true
	b.flushTimer = time.AfterFunc(b.opts.BatchWindow, b.flush)
}

// flush releases every currently-buffered item, in insertion order, if
// the transport reports connected. If disconnected, it returns without
// sending and without rescheduling itself; items keep accumulating until
// the next Add arms another flush or a connect event triggers Resume.
func (b *Buffer) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	b.flushArmed = false
	if b.closed || b.transport == nil || !b.transport.IsConnected() || len(b.items) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.items
	b.items = nil
	b.mu.Unlock()

	for _, item := range batch {
		if err := b.transport.SendRaw(item); err != nil {
			b.opts.Logger.Warn("sendbuffer: write failed", "error", err)
			if b.onSendFailed != nil {
				b.onSendFailed(SendFailedEvent{Payload: item, Err: err})
			}
			continue
		}
		if b.onSendSuccess != nil {
			b.onSendSuccess(item)
		}
	}

	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Resume should be called when the transport transitions to connected; it
// flushes immediately instead of waiting out the batch window.
func (b *Buffer) Resume() {
	b.mu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	b.flushArmed = false
	b.mu.Unlock()
	b.flush()
}

// Pending returns the current count of unreleased items.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close releases any blocked Add calls and stops accepting new items.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func toBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
