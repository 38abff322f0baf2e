// Package queue implements flow control over outbound requests: bounded
// capacity, optional priority ordering, concurrency limiting, retry with
// backoff, and a drain monitor for requests that age out.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helios-starling/kernel/pkg/envelope"
	"github.com/helios-starling/kernel/pkg/request"
	"github.com/helios-starling/kernel/pkg/retry"
	"golang.org/x/time/rate"
)

// FullPolicy mirrors sendbuffer.FullPolicy for the queue's own capacity.
type FullPolicy int

const (
	Block FullPolicy = iota
	Drop
	ErrorPolicy
)

// Executor sends a request's serialized frame through the transport. It
// returns an error for a transient, retryable failure (transport write
// failed, connection dropped mid-flight) — not for a terminal rejection,
// which the request already carries.
type Executor func(r *request.Request) error

// Options configures a Queue; see spec.md §4.5 for the defaults' rationale.
type Options struct {
	MaxSize         int
	MaxRetries      int
	BaseDelay       time.Duration
	MaxConcurrent   int
	PriorityQueuing bool
	OnFull          FullPolicy
	DrainTimeout    time.Duration
	Jitter          float64
	Logger          *slog.Logger

	// RateLimit, if > 0, caps dispatch to that many items/second (a token
	// bucket of size RateBurst, default 1) on top of MaxConcurrent — useful
	// to smooth a burst of simultaneously-ready retries instead of firing
	// them all through the concurrency gate at once.
	RateLimit float64
	RateBurst int
}

// DefaultOptions returns the spec.md §4.5 defaults.
func DefaultOptions() Options {
	return Options{
		MaxSize:       1000,
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxConcurrent: 10,
		OnFull:        Block,
		DrainTimeout:  30 * time.Second,
		Jitter:        retry.DefaultJitter,
		Logger:        slog.Default(),
	}
}

type item struct {
	req       *request.Request
	retryCnt  int
	addedAt   time.Time
	priority  int
}

// Queue is a bounded FIFO (or priority-ordered) queue of pending outbound
// requests with a cooperative scheduler loop.
type Queue struct {
	opts      Options
	exec      Executor
	timers    *retry.Group
	limiter   *rate.Limiter

	mu          sync.Mutex
	cond        *sync.Cond
	items       []*item
	byID        map[string]*item
	connected   bool
	closed      bool
	inFlight    int

	onQueueAdded       func(id string)
	onQueueRemoved     func(id string)
	onQueueSizeChanged func(size int)
}

// New creates a Queue. exec performs the actual send for a dequeued item.
func New(exec Executor, opts Options, timers *retry.Group) *Queue {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Jitter == 0 {
		opts.Jitter = retry.DefaultJitter
	}
	q := &Queue{opts: opts, exec: exec, timers: timers, byID: make(map[string]*item)}
	q.cond = sync.NewCond(&q.mu)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	q.startDrainMonitor()
	return q
}

func (q *Queue) OnQueueAdded(fn func(id string))        { q.onQueueAdded = fn }
func (q *Queue) OnQueueRemoved(fn func(id string))       { q.onQueueRemoved = fn }
func (q *Queue) OnQueueSizeChanged(fn func(size int))    { q.onQueueSizeChanged = fn }

// Size returns the current queue length.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue adds r to the queue, applying OnFull when at MaxSize. Returns
// false if the item was dropped or not added.
func (q *Queue) Enqueue(r *request.Request) (bool, error) {
	q.mu.Lock()
	for q.opts.MaxSize > 0 && len(q.items) >= q.opts.MaxSize && !q.closed {
		switch q.opts.OnFull {
		case Drop:
			q.mu.Unlock()
			return false, nil
		case ErrorPolicy:
			q.mu.Unlock()
			return false, ErrQueueFull
		default:
			q.cond.Wait()
		}
	}
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}

	it := &item{req: r, addedAt: time.Now(), priority: r.Opts.Priority}
	q.items = append(q.items, it)
	q.byID[r.ID] = it
	size := len(q.items)
	connected := q.connected
	q.mu.Unlock()

	if q.onQueueAdded != nil {
		q.onQueueAdded(r.ID)
	}
	if q.onQueueSizeChanged != nil {
		q.onQueueSizeChanged(size)
	}
	if connected {
		q.schedule()
	}
	return true, nil
}

// next selects and removes the next runnable item per the configured
// ordering: FIFO, or highest-priority-first with ties broken by insertion
// order. Must be called with q.mu held. Returns nil if nothing is ready.
func (q *Queue) next() *item {
	if len(q.items) == 0 || q.inFlight >= q.opts.MaxConcurrent || !q.connected {
		return nil
	}
	idx := 0
	if q.opts.PriorityQueuing {
		best := 0
		for i := 1; i < len(q.items); i++ {
			if q.items[i].priority > q.items[best].priority {
				best = i
			}
		}
		idx = best
	}
	it := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return it
}

// schedule runs the cooperative scheduler loop: while connected and under
// the concurrency cap, dequeue and execute items. Each execution runs in
// its own goroutine so schedule itself never blocks on a slow send.
func (q *Queue) schedule() {
	for {
		q.mu.Lock()
		it := q.next()
		if it == nil {
			q.mu.Unlock()
			return
		}
		q.inFlight++
		size := len(q.items)
		q.mu.Unlock()

		if q.onQueueSizeChanged != nil {
			q.onQueueSizeChanged(size)
		}
		go q.run(it)
	}
}

// run executes one item and, on terminal completion or successful send,
// frees its concurrency slot and reconsiders the queue.
func (q *Queue) run(it *item) {
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
		q.schedule()
	}()

	if q.limiter != nil {
		_ = q.limiter.Wait(context.Background())
	}

	if it.retryCnt == 0 {
		// Execute arms the request's timeout once, on the first attempt;
		// retries run under that same timeout.
		it.req.Execute()
	}
	err := q.exec(it.req)

	q.mu.Lock()
	_, stillTracked := q.byID[it.req.ID]
	q.mu.Unlock()
	if !stillTracked {
		// Terminated out-of-band (cancel/clear/timeout) while in flight.
		return
	}

	if err == nil {
		q.finish(it, nil)
		return
	}
	q.retryOrFail(it, err)
}

func (q *Queue) retryOrFail(it *item, cause error) {
	if it.retryCnt >= q.opts.MaxRetries {
		it.req.Reject(&request.Error{
			Code:    envelope.CodeQueueRetryExceeded,
			Message: "exceeded maximum retry attempts",
			Cause:   cause,
		})
		q.finish(it, nil)
		return
	}
	it.retryCnt++
	delay := retry.Backoff(it.retryCnt, q.opts.BaseDelay, q.opts.Jitter, nil)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.timers.After(delay, func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		it.addedAt = time.Now()
		q.items = append(q.items, it)
		size := len(q.items)
		q.mu.Unlock()
		if q.onQueueSizeChanged != nil {
			q.onQueueSizeChanged(size)
		}
		q.schedule()
	})
}

// finish removes it from tracking and fires the removed/size-changed
// events. Safe to call once an item is done (terminal or handed off).
func (q *Queue) finish(it *item, _ error) {
	q.mu.Lock()
	delete(q.byID, it.req.ID)
	q.cond.Broadcast()
	q.mu.Unlock()
	if q.onQueueRemoved != nil {
		q.onQueueRemoved(it.req.ID)
	}
}

// SetConnected updates the connection state the scheduler gates on. On
// connect it resumes scheduling; on disconnect it suspends (items remain
// pending, priority preserved).
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	q.connected = connected
	q.mu.Unlock()
	if connected {
		q.schedule()
	}
}

// startDrainMonitor runs a background sweep that fails any item whose age
// exceeds DrainTimeout. It stops itself once the queue is closed.
func (q *Queue) startDrainMonitor() {
	interval := q.opts.DrainTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	var loop func()
	loop = func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		now := time.Now()
		var expired []*item
		remaining := q.items[:0]
		for _, it := range q.items {
			if now.Sub(it.addedAt) > q.opts.DrainTimeout {
				expired = append(expired, it)
			} else {
				remaining = append(remaining, it)
			}
		}
		q.items = remaining
		for _, it := range expired {
			delete(q.byID, it.req.ID)
		}
		q.mu.Unlock()

		for _, it := range expired {
			it.req.Reject(&request.Error{Code: envelope.CodeQueueDrainTimeout, Message: "request aged out of the queue"})
			if q.onQueueRemoved != nil {
				q.onQueueRemoved(it.req.ID)
			}
		}
		q.timers.After(interval, loop)
	}
	q.timers.After(interval, loop)
}

// Clear cancels every pending item with REQUEST_CANCELLED(reason) and
// empties the queue.
func (q *Queue) Clear(reason string) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	for _, it := range items {
		delete(q.byID, it.req.ID)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, it := range items {
		it.req.Cancel(reason)
		if q.onQueueRemoved != nil {
			q.onQueueRemoved(it.req.ID)
		}
	}
}

// Close clears the queue and releases any Enqueue callers blocked on
// OnFull == Block.
func (q *Queue) Close() {
	q.Clear("Manager disposed")
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
