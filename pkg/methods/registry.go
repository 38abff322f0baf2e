// Package methods implements the methods registry: registration,
// reserved-namespace and duplicate-name rejection, per-method metrics,
// and the inbound request dispatch that races a handler against its
// timeout.
package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helios-starling/kernel/pkg/contexts"
	"github.com/helios-starling/kernel/pkg/envelope"
)

// DefaultTimeout is the per-method execution budget applied when a
// method is registered without an explicit timeout.
const DefaultTimeout = 30 * time.Second

// Handler is application code invoked for an inbound request. It must
// reply through ctx (Success/Error) before returning, or the registry
// will time it out and reply METHOD_ERROR/REQUEST_TIMEOUT on its behalf.
type Handler func(ctx *contexts.RequestContext) error

// Validator optionally checks a decoded payload before the handler runs.
// Returning an error fails the request with CodeRequestInvalid.
type Validator func(payload json.RawMessage) error

// Options configures one registered method.
type Options struct {
	Timeout   time.Duration
	Validator Validator
}

// Metrics is a per-method counter snapshot, exposed for node.Stats().
type Metrics struct {
	Calls               int64
	Errors              int64
	TotalExecutionTime  time.Duration
	LastExecutionTime   time.Duration
	AverageExecutionTime time.Duration
	LastError           string
}

type entry struct {
	name    string
	handler Handler
	opts    Options

	calls      atomic.Int64
	errs       atomic.Int64
	totalNanos atomic.Int64
	lastNanos  atomic.Int64

	mu        sync.Mutex
	lastError string
}

// Registry holds the set of methods a node can serve.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	methods map[string]*entry
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, methods: make(map[string]*entry)}
}

// ErrReservedNamespace is returned by Register when name falls under a
// namespace the kernel reserves for itself.
var ErrReservedNamespace = errors.New("methods: reserved namespace")

// ErrAlreadyRegistered is returned by Register on a duplicate name.
var ErrAlreadyRegistered = errors.New("methods: already registered")

// ErrInvalidName is returned by Register when name fails method-name
// grammar validation.
var ErrInvalidName = errors.New("methods: invalid name")

// Register adds handler under name. opts.Timeout defaults to
// DefaultTimeout when zero.
func (r *Registry) Register(name string, handler Handler, opts Options) error {
	if !envelope.ValidMethodName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if ns, reserved := envelope.ReservedNamespace(name); reserved {
		return fmt.Errorf("%w: %q uses reserved namespace %q", ErrReservedNamespace, name, ns)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	r.methods[name] = &entry{name: name, handler: handler, opts: opts}
	return nil
}

// Unregister removes name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// Has reports whether name is currently registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Count returns the number of currently registered methods.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.methods[name]
	return e, ok
}

// Metrics returns a snapshot of name's counters, or false if unregistered.
func (r *Registry) Metrics(name string) (Metrics, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Metrics{}, false
	}
	calls := e.calls.Load()
	total := time.Duration(e.totalNanos.Load())
	var avg time.Duration
	if calls > 0 {
		avg = total / time.Duration(calls)
	}
	e.mu.Lock()
	lastErr := e.lastError
	e.mu.Unlock()
	return Metrics{
		Calls:                calls,
		Errors:               e.errs.Load(),
		TotalExecutionTime:   total,
		LastExecutionTime:    time.Duration(e.lastNanos.Load()),
		AverageExecutionTime: avg,
		LastError:            lastErr,
	}, true
}

// Dispatch runs the handler registered for ctx.Method against the
// request's deadline, racing it against the method's configured timeout.
// It always produces exactly one terminal reply on ctx via reply, unless
// the handler itself already replied.
func (r *Registry) Dispatch(parent context.Context, ctx *contexts.RequestContext, reply contexts.ReplyFunc) {
	e, ok := r.lookup(ctx.Method)
	if !ok {
		ctx.Error(envelope.CodeMethodNotFound, fmt.Sprintf("method not found: %s", ctx.Method), nil, reply)
		return
	}

	if e.opts.Validator != nil {
		if err := e.opts.Validator(ctx.Payload); err != nil {
			ctx.Error(envelope.CodeRequestInvalid, err.Error(), nil, reply)
			return
		}
	}

	runCtx, cancel := context.WithTimeout(parent, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("handler panic: %v", rec)
			}
		}()
		done <- e.handler(ctx)
	}()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		e.record(elapsed, err)
		if err != nil {
			r.logger.Error("methods: handler error", "method", ctx.Method, "error", err)
			ctx.Error(envelope.CodeMethodError, err.Error(), nil, reply)
			return
		}
		if !ctx.Processed() {
			ctx.Error(envelope.CodeMethodError, "Method did not provide a response", nil, reply)
		}
	case <-runCtx.Done():
		elapsed := time.Since(start)
		e.record(elapsed, runCtx.Err())
		if !ctx.Processed() {
			ctx.Error(envelope.CodeRequestTimeout, fmt.Sprintf("method %q timed out after %s", ctx.Method, e.opts.Timeout), nil, reply)
		}
	}
}

func (e *entry) record(elapsed time.Duration, err error) {
	e.calls.Add(1)
	e.totalNanos.Add(int64(elapsed))
	e.lastNanos.Store(int64(elapsed))
	if err != nil {
		e.errs.Add(1)
		e.mu.Lock()
		e.lastError = err.Error()
		e.mu.Unlock()
	}
}
