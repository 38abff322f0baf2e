package queue

import "errors"

// ErrQueueFull is returned by Enqueue when OnFull == ErrorPolicy and the
// queue is at MaxSize.
var ErrQueueFull = errors.New("queue: full")

// ErrQueueClosed is returned by Enqueue once the queue has been closed.
var ErrQueueClosed = errors.New("queue: closed")
