package wlm

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by Next when no chunk arrives in time. It
	// does not cancel the producer; the caller must Cancel explicitly.
	ErrTimeout = errors.New("result read timed out")
	// ErrBackpressure is returned by Publish when the consumer has failed
	// to drain past the watermark. The worker treats it as fatal for that
	// job and proceeds with the rest of the batch.
	ErrBackpressure = errors.New("result consumer failed to drain in time")
	// ErrCanceled is returned by Next after the consumer canceled.
	ErrCanceled = errors.New("result canceled")
)

type resultChunk struct {
	data []byte
	last bool
	err  error
}

// StreamingResult is the single-producer/single-consumer chunk stream
// tying a worker to the caller that submitted the job. Chunks arrive in
// production order; the terminal chunk ends the stream.
type StreamingResult struct {
	ch         chan resultChunk
	canceled   chan struct{}
	cancelOnce sync.Once
	watermark  time.Duration

	// terminal is touched only by the producer goroutine, consumed only
	// by the consumer goroutine.
	terminal bool
	consumed bool
}

// NewStreamingResult builds a result with a buffered chunk bound and a
// drain watermark after which a blocked Publish drops the chunk.
func NewStreamingResult(bound int, watermark time.Duration) *StreamingResult {
	if bound <= 0 {
		bound = 1
	}
	return &StreamingResult{
		ch:        make(chan resultChunk, bound),
		canceled:  make(chan struct{}),
		watermark: watermark,
	}
}

// Publish delivers one chunk to the consumer. Publishing after the
// terminal chunk or after cancellation discards the chunk silently.
func (r *StreamingResult) Publish(data []byte, last bool) error {
	return r.publish(resultChunk{data: data, last: last})
}

// Fail terminates the stream with err. Like a terminal Publish, it is
// discarded after the terminal chunk or cancellation.
func (r *StreamingResult) Fail(err error) error {
	return r.publish(resultChunk{err: err, last: true})
}

func (r *StreamingResult) publish(c resultChunk) error {
	if r.terminal {
		return nil
	}
	select {
	case <-r.canceled:
		return nil
	default:
	}
	select {
	case r.ch <- c:
	case <-r.canceled:
		return nil
	default:
		// buffer full: wait up to the watermark for the consumer
		timer := time.NewTimer(r.watermark)
		defer timer.Stop()
		select {
		case r.ch <- c:
		case <-r.canceled:
			return nil
		case <-timer.C:
			return ErrBackpressure
		}
	}
	if c.last {
		r.terminal = true
	}
	return nil
}

// Next returns the next chunk, blocking up to timeout. last marks the
// terminal chunk; after it, Next returns io.EOF. A timeout surfaces
// ErrTimeout without ending the stream.
func (r *StreamingResult) Next(timeout time.Duration) (data []byte, last bool, err error) {
	if r.consumed {
		return nil, false, io.EOF
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-r.ch:
		if c.err != nil {
			r.consumed = true
			return nil, true, c.err
		}
		if c.last {
			r.consumed = true
		}
		return c.data, c.last, nil
	case <-r.canceled:
		return nil, false, ErrCanceled
	case <-timer.C:
		return nil, false, ErrTimeout
	}
}

// Cancel stops the stream from the consumer side. Idempotent; subsequent
// Publish calls are discarded and the worker observes the cancellation at
// the next chunk boundary.
func (r *StreamingResult) Cancel() {
	r.cancelOnce.Do(func() { close(r.canceled) })
}

// Canceled reports whether the consumer canceled the stream.
func (r *StreamingResult) Canceled() bool {
	select {
	case <-r.canceled:
		return true
	default:
		return false
	}
}
