package central

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is discarded. That makes it safe to feed from a Listener
// callback, which runs on the engine's event path and must not stall a
// peer's queue behind a slow consumer.
//
// Writers use Send or TrySend. Readers use C() for a plain <-chan T, or
// Receive/TryReceive when the Processed metric matters.
type RingChannel[T any] struct {
	ch      chan T
	metrics RingMetrics
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range
// over it until Close.
//
// Reads via C() bypass the Processed metric; use Receive or TryReceive
// when it matters.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest if the buffer is full. It
// always succeeds and never blocks indefinitely.
func (rc *RingChannel[T]) Send(v T) {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.metrics.addOverwritten(1)
		default:
		}
		rc.ch <- v
		rc.metrics.addWritten(1)
	}
}

// TrySend attempts to insert without blocking or discarding. Returns
// false if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.addProcessed(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Sends after Close panic.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// GetMetrics returns a snapshot of the current counters.
func (rc *RingChannel[T]) GetMetrics() RingMetrics {
	return RingMetrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// RingMetrics provides lock-free counters for RingChannel.
type RingMetrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

func (m *RingMetrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *RingMetrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *RingMetrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}
