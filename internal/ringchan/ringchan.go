// Package ringchan provides a bounded queue that never blocks producers.
package ringchan

import (
	"context"
	"sync/atomic"
)

// RingChannel is a buffered channel with overwrite-oldest semantics.
//
// Producers (for example a radio driver callback) call Send and never block:
// when the buffer is full the oldest queued element is dropped. A single
// consumer reads through C or Receive.
type RingChannel[T any] struct {
	ch chan T

	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a RingChannel holding at most capacity elements.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send enqueues v, dropping the oldest elements until it fits.
// It reports whether anything was dropped.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// Receive blocks until an element is available or ctx is done.
func (rc *RingChannel[T]) Receive(ctx context.Context) (T, error) {
	select {
	case v := <-rc.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len returns the number of queued elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Stats is a snapshot of producer counters.
type Stats struct {
	Written     int64
	Overwritten int64
}

// Stats returns the current counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
	}
}
