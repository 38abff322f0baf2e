package queue

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/helios-starling/kernel/pkg/envelope"
	"github.com/helios-starling/kernel/pkg/request"
	"github.com/helios-starling/kernel/pkg/retry"
	"github.com/stretchr/testify/require"
)

func newReq(timers *retry.Group) *request.Request {
	return request.New("users:getProfile", json.RawMessage(`{}`), request.Options{}, timers, nil)
}

func TestQueue_OverflowDrop(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()
	q := New(func(r *request.Request) error { return nil }, Options{MaxSize: 2, OnFull: Drop, MaxConcurrent: 1}, timers)

	ok1, _ := q.Enqueue(newReq(timers))
	ok2, _ := q.Enqueue(newReq(timers))
	ok3, _ := q.Enqueue(newReq(timers))
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
	require.Equal(t, 2, q.Size())
}

func TestQueue_SuccessfulExecuteDrainsQueue(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()

	var executed int32
	q := New(func(r *request.Request) error {
		atomic.AddInt32(&executed, 1)
		r.Resolve(json.RawMessage(`{"ok":true}`))
		return nil
	}, Options{MaxSize: 10, MaxConcurrent: 2}, timers)

	r := newReq(timers)
	q.Enqueue(r)
	q.SetConnected(true)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&executed))

	deadline := time.Now().Add(time.Second)
	for q.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, q.Size())
}

func TestQueue_RetryThenRetryExceeded(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()

	var attempts int32
	q := New(func(r *request.Request) error {
		atomic.AddInt32(&attempts, 1)
		return errTransient
	}, Options{MaxSize: 10, MaxConcurrent: 1, MaxRetries: 2, BaseDelay: 5 * time.Millisecond}, timers)

	r := newReq(timers)
	q.Enqueue(r)
	q.SetConnected(true)

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request never terminated")
	}
	_, rerr := r.Result()
	require.Equal(t, envelope.CodeQueueRetryExceeded, rerr.Code)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)
}

var errTransient = &transientErr{}

type transientErr struct{}

func (e *transientErr) Error() string { return "transient write failure" }

func TestQueue_DrainTimeout(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()

	// never connected, so the item just sits and ages out
	q := New(func(r *request.Request) error { return nil }, Options{MaxSize: 10, DrainTimeout: 20 * time.Millisecond}, timers)
	r := newReq(timers)
	q.Enqueue(r)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("request never drained")
	}
	_, rerr := r.Result()
	require.Equal(t, envelope.CodeQueueDrainTimeout, rerr.Code)
}

func TestQueue_ClearCancelsPending(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()

	q := New(func(r *request.Request) error { return nil }, Options{MaxSize: 10}, timers)
	r := newReq(timers)
	q.Enqueue(r)
	q.Clear("shutdown")

	_, rerr := r.Result()
	require.Equal(t, envelope.CodeRequestCancelled, rerr.Code)
	require.Equal(t, 0, q.Size())
}

func TestQueue_PriorityOrdering(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()

	var mu sync.Mutex
	var order []int

	q := New(func(r *request.Request) error {
		mu.Lock()
		order = append(order, r.Opts.Priority)
		mu.Unlock()
		r.Resolve(nil)
		return nil
	}, Options{MaxSize: 10, MaxConcurrent: 1, PriorityQueuing: true}, timers)

	low := request.New("m", nil, request.Options{Priority: 0}, timers, nil)
	high := request.New("m", nil, request.Options{Priority: 10}, timers, nil)
	q.Enqueue(low)
	q.Enqueue(high)
	q.SetConnected(true)

	deadline := time.Now().Add(time.Second)
	for q.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{10, 0}, order)
}

func TestQueue_RateLimitSpreadsExecution(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()

	var mu sync.Mutex
	var timestamps []time.Time
	q := New(func(r *request.Request) error {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		r.Resolve(nil)
		return nil
	}, Options{MaxSize: 10, MaxConcurrent: 10, RateLimit: 20, RateBurst: 1}, timers)

	for i := 0; i < 3; i++ {
		q.Enqueue(newReq(timers))
	}
	q.SetConnected(true)

	deadline := time.Now().Add(2 * time.Second)
	for q.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timestamps, 3)
	require.True(t, timestamps[2].Sub(timestamps[0]) >= 50*time.Millisecond)
}
