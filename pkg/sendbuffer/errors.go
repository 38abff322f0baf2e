package sendbuffer

import "errors"

// ErrBufferFull is returned by Add when OnFull == ErrorPolicy and the
// buffer is at capacity.
var ErrBufferFull = errors.New("sendbuffer: buffer full")

// ErrBufferClosed is returned by Add once the buffer has been closed.
var ErrBufferClosed = errors.New("sendbuffer: buffer closed")
