// Package topics implements the topics registry: subscription by exact
// name or wildcard pattern, priority-then-registration-order dispatch,
// handler-exception isolation, and persistent vs. non-persistent
// subscription lifetime across disconnects.
package topics

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"

	"github.com/helios-starling/kernel/pkg/envelope"
)

// Handler receives a matched notification. Data is the raw notification
// payload.
type Handler func(topic string, data json.RawMessage, requestID string)

// Filter optionally narrows a subscription further than its topic
// pattern; a notification is only dispatched to the handler if Filter
// returns true. Returning nil from Options (no filter set) accepts
// everything the pattern matches.
type Filter func(data json.RawMessage) bool

// Options configures one subscription.
type Options struct {
	// Persistent subscriptions survive SetConnected(false); non-persistent
	// ones are dropped on disconnect (spec.md §4.8).
	Persistent bool
	Priority   int
	Filter     Filter
}

type subscription struct {
	id       int64
	pattern  string
	exact    bool
	re       *regexp.Regexp
	handler  Handler
	opts     Options
	seq      int64 // registration order, for stable priority ties
}

// Handle is returned by Subscribe; call Off to unsubscribe.
type Handle struct {
	id       int64
	registry *Registry
}

// Off removes this subscription.
func (h Handle) Off() {
	h.registry.unsubscribe(h.id)
}

// Registry holds active subscriptions for one node.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	subs      map[int64]*subscription
	nextID    int64
	nextSeq   int64
	connected bool

	onHandlerError func(topic string, err any)
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, subs: make(map[int64]*subscription), connected: true}
}

// OnHandlerError registers an observer invoked whenever a subscriber
// handler panics; the registry recovers the panic and continues
// dispatching to remaining subscribers (spec.md §4.8 "topic:error").
func (r *Registry) OnHandlerError(fn func(topic string, err any)) { r.onHandlerError = fn }

// Subscribe registers handler against topicOrPattern. A literal name
// ("users:created") matches only itself; a pattern containing "*"
// ("users:*:updated") is compiled per envelope.CompileTopicPattern
// wildcard semantics.
func (r *Registry) Subscribe(topicOrPattern string, handler Handler, opts Options) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.nextSeq++

	sub := &subscription{id: id, pattern: topicOrPattern, handler: handler, opts: opts, seq: r.nextSeq}
	if isWildcard(topicOrPattern) {
		sub.re = envelope.CompileTopicPattern(topicOrPattern)
	} else {
		sub.exact = true
	}
	r.subs[id] = sub
	return Handle{id: id, registry: r}
}

func isWildcard(pattern string) bool {
	for _, r := range pattern {
		if r == '*' {
			return true
		}
	}
	return false
}

func (r *Registry) unsubscribe(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// SetConnected tracks transport connection state. On transition to
// disconnected, every non-persistent subscription is dropped.
func (r *Registry) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasConnected := r.connected
	r.connected = connected
	if wasConnected && !connected {
		for id, sub := range r.subs {
			if !sub.opts.Persistent {
				delete(r.subs, id)
			}
		}
	}
}

// Dispatch routes an inbound notification to every matching subscriber,
// in descending Priority order (registration order breaks ties). A
// subscriber handler panic is recovered, isolated from the rest of the
// dispatch, and reported via OnHandlerError.
func (r *Registry) Dispatch(topic string, data json.RawMessage, requestID string) int {
	r.mu.RLock()
	matches := make([]*subscription, 0, 4)
	for _, sub := range r.subs {
		if sub.exact {
			if sub.pattern == topic {
				matches = append(matches, sub)
			}
			continue
		}
		if sub.re.MatchString(topic) {
			matches = append(matches, sub)
		}
	}
	r.mu.RUnlock()

	sortByPriority(matches)

	delivered := 0
	for _, sub := range matches {
		if sub.opts.Filter != nil && !sub.opts.Filter(data) {
			continue
		}
		if r.invoke(sub, topic, data, requestID) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) invoke(sub *subscription, topic string, data json.RawMessage, requestID string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			r.logger.Error("topics: handler panic", "topic", topic, "pattern", sub.pattern, "error", rec)
			if r.onHandlerError != nil {
				r.onHandlerError(topic, rec)
			}
		}
	}()
	sub.handler(topic, data, requestID)
	return true
}

func sortByPriority(subs []*subscription) {
	// Insertion sort: subscription counts per topic are small, and this
	// keeps ties in registration order (a stable sort would also work,
	// but this avoids pulling in sort.Slice for a handful of elements).
	for i := 1; i < len(subs); i++ {
		j := i
		for j > 0 && less(subs[j], subs[j-1]) {
			subs[j], subs[j-1] = subs[j-1], subs[j]
			j--
		}
	}
}

func less(a, b *subscription) bool {
	if a.opts.Priority != b.opts.Priority {
		return a.opts.Priority > b.opts.Priority
	}
	return a.seq < b.seq
}

// Count returns the number of active subscriptions, for node.Stats().
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
