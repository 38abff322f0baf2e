// Package retry provides the exponential-backoff helper and the injectable
// clock/timer-group the rest of the kernel uses so that request timeouts,
// queue backoff, and cleanup sweeps are deterministic under test (per
// spec.md §9: "Clock and UUID generators are injected where tests need
// determinism").
package retry

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can inject a fake one.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the kernel needs, so it can be faked.
type Timer interface {
	Stop() bool
	C() <-chan time.Time
}

// realClock wraps the standard library.
type realClock struct{}

// RealClock is the default Clock, backed by the standard library.
var RealClock Clock = realClock{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) Stop() bool             { return r.t.Stop() }
func (r *realTimer) C() <-chan time.Time    { return r.t.C }

// Group tracks every timer created through it so they can all be released
// at once on node shutdown (spec.md §5: "Every timer belongs to a
// node-level timer group that is released on node shutdown").
type Group struct {
	clock Clock

	mu     sync.Mutex
	timers map[*groupTimer]struct{}
	closed bool
}

// NewGroup creates a timer group backed by clock. A nil clock uses RealClock.
func NewGroup(clock Clock) *Group {
	if clock == nil {
		clock = RealClock
	}
	return &Group{clock: clock, timers: make(map[*groupTimer]struct{})}
}

type groupTimer struct {
	g       *Group
	timer   Timer
	fire    func()
	stopped bool
	mu      sync.Mutex
}

// After arms a timer that calls fn once d elapses, unless stopped first or
// the group is released first. Returns a stop function.
func (g *Group) After(d time.Duration, fn func()) (stop func()) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return func() {}
	}
	gt := &groupTimer{g: g, fire: fn}
	gt.timer = g.clock.NewTimer(d)
	g.timers[gt] = struct{}{}
	g.mu.Unlock()

	go func() {
		_, ok := <-gt.timer.C()
		if !ok {
			return
		}
		gt.mu.Lock()
		already := gt.stopped
		gt.stopped = true
		gt.mu.Unlock()
		if already {
			return
		}
		g.mu.Lock()
		delete(g.timers, gt)
		closed := g.closed
		g.mu.Unlock()
		if !closed {
			fn()
		}
	}()

	return func() {
		gt.mu.Lock()
		if gt.stopped {
			gt.mu.Unlock()
			return
		}
		gt.stopped = true
		gt.mu.Unlock()
		gt.timer.Stop()
		g.mu.Lock()
		delete(g.timers, gt)
		g.mu.Unlock()
	}
}

// Release stops every outstanding timer in the group. Subsequent After
// calls are accepted but fire nothing.
func (g *Group) Release() {
	g.mu.Lock()
	g.closed = true
	timers := g.timers
	g.timers = make(map[*groupTimer]struct{})
	g.mu.Unlock()

	for gt := range timers {
		gt.mu.Lock()
		gt.stopped = true
		gt.mu.Unlock()
		gt.timer.Stop()
	}
}

// Now returns the group's clock's current time.
func (g *Group) Now() time.Time { return g.clock.Now() }
