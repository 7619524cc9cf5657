package central

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Notification is one characteristic value update delivered on an
// enabled subscription.
type Notification struct {
	Peer           string
	Characteristic string
	Payload        []byte
	ReceivedAt     time.Time
}

// CollectorMetrics provides lock-free metrics tracking for
// NotificationCollector. All fields use atomic operations.
type CollectorMetrics struct {
	RecordsProcessed   int64 // Notifications accepted into the buffer
	ErrorsOccurred     int64 // Enqueue errors encountered
	RecordsOverwritten int64 // Notifications lost to buffer overflow
}

// IncrementRecordsProcessed atomically increments the processed counter.
func (m *CollectorMetrics) IncrementRecordsProcessed() {
	atomic.AddInt64(&m.RecordsProcessed, 1)
}

// IncrementErrorsOccurred atomically increments the error counter.
func (m *CollectorMetrics) IncrementErrorsOccurred() {
	atomic.AddInt64(&m.ErrorsOccurred, 1)
}

// IncrementRecordsOverwritten atomically adds to the overwritten counter.
func (m *CollectorMetrics) IncrementRecordsOverwritten(count uint32) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(count))
}

// GetRecordsProcessed atomically reads the processed counter.
func (m *CollectorMetrics) GetRecordsProcessed() int64 {
	return atomic.LoadInt64(&m.RecordsProcessed)
}

// GetErrorsOccurred atomically reads the error counter.
func (m *CollectorMetrics) GetErrorsOccurred() int64 {
	return atomic.LoadInt64(&m.ErrorsOccurred)
}

// GetRecordsOverwritten atomically reads the overwritten counter.
func (m *CollectorMetrics) GetRecordsOverwritten() int64 {
	return atomic.LoadInt64(&m.RecordsOverwritten)
}

// Reset resets all counters to zero.
func (m *CollectorMetrics) Reset() {
	atomic.StoreInt64(&m.RecordsProcessed, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
}

// NotificationCollector gathers notifications from a subscription stream
// into a ring buffer and exposes them to a pluggable ConsumerFunc with
// metrics tracking. When the buffer fills, the oldest records are
// overwritten, so a chatty peripheral degrades to "most recent N"
// instead of back-pressuring the engine's event path.
//
// All methods are thread-safe.
type NotificationCollector struct {
	source  <-chan Notification
	buffer  mpmc.RichOverlappedRingBuffer[Notification]
	stop    chan struct{}
	done    chan struct{} // signals when goroutine has stopped
	onError func(error)   // error handler, defaults to panic if nil
	metrics CollectorMetrics
	state   uint32 // atomic state using CollectorState constants
}

const (
	// CollectorStateNotRunning means the collector is stopped and ready to start.
	CollectorStateNotRunning uint32 = iota
	// CollectorStateRunning means the collector goroutine is processing records.
	CollectorStateRunning
	// CollectorStateStopping means the collector is in the process of stopping.
	CollectorStateStopping

	// MaxBufferSize sets an upper limit on the buffer size to guard
	// against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// NewNotificationCollector creates a new collector reading from source.
// bufferSize sets the ring buffer size.
// onError is called when unexpected errors occur; if nil, it panics on
// any collecting error.
func NewNotificationCollector(source <-chan Notification, bufferSize uint32, onError func(error)) (*NotificationCollector, error) {
	if source == nil {
		return nil, fmt.Errorf("notification channel cannot be nil")
	}

	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}

	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}

	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("NotificationCollector: %v", err))
		}
	}

	return &NotificationCollector{
		source:  source,
		buffer:  mpmc.NewOverlappedRingBuffer[Notification](bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
		state:   CollectorStateNotRunning,
	}, nil
}

// Start begins collecting notifications.
// Blocks until the collector goroutine is running or times out.
// Returns an error if already started or if startup takes too long.
func (c *NotificationCollector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, CollectorStateNotRunning, CollectorStateRunning) {
		currentState := atomic.LoadUint32(&c.state)
		switch currentState {
		case CollectorStateRunning:
			return fmt.Errorf("collector is already running")
		case CollectorStateStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state %d", currentState)
		}
	}

	// Fresh channels for this start cycle so a restart cannot close an
	// already closed channel.
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	// Buffered so the goroutine never blocks on the signal even if the
	// timeout below wins the race.
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}

		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, CollectorStateNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.source:
				if !ok {
					return // stream closed
				}
				// Ring buffer handles overflow by dropping the oldest.
				if overwrites, err := c.buffer.EnqueueM(rec); err != nil {
					c.metrics.IncrementErrorsOccurred()
					c.onError(fmt.Errorf("unexpected buffer.Enqueue error: %w", err))
					return
				} else {
					c.metrics.IncrementRecordsOverwritten(overwrites)
					c.metrics.IncrementRecordsProcessed()
				}
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(1 * time.Second):
		// Timeout: stop the goroutine and wait for clean exit.
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s timeout")
	}
}

// Stop stops notification collection.
// Returns an error if stopping takes longer than expected.
func (c *NotificationCollector) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, CollectorStateRunning, CollectorStateStopping) {
		currentState := atomic.LoadUint32(&c.state)
		switch currentState {
		case CollectorStateNotRunning:
			return nil // Already stopped
		case CollectorStateStopping:
			// Already stopping, wait for completion
			break
		default:
			return fmt.Errorf("collector is in unknown state %d", currentState)
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		// Stop was already signaled; wait for the goroutine regardless
		// so state stays consistent.
		<-c.done
		return fmt.Errorf("stop completed but exceeded 5s timeout (possible slow shutdown or deadlock)")
	}
}

// GetMetrics returns a copy of the current metrics.
func (c *NotificationCollector) GetMetrics() CollectorMetrics {
	return CollectorMetrics{
		RecordsProcessed:   c.metrics.GetRecordsProcessed(),
		ErrorsOccurred:     c.metrics.GetErrorsOccurred(),
		RecordsOverwritten: c.metrics.GetRecordsOverwritten(),
	}
}

// ResetMetrics atomically resets all metric counters.
func (c *NotificationCollector) ResetMetrics() {
	c.metrics.Reset()
}

// GetState returns the current lifecycle state of the collector.
func (c *NotificationCollector) GetState() uint32 {
	return atomic.LoadUint32(&c.state)
}

// ConsumerFunc defines the signature of a function that consumes
// buffered notifications.
//
// Protocol:
// - If record != nil: process the record.
// Return (zero, nil) to continue with more records.
// Return (result, nil) to stop early with a final result.
// - If record == nil: no more records will be provided.
// Return the final accumulated result.
//
// The function manages any internal state or buffers needed across
// calls. For a ready-to-use implementation, see HexLinesConsumerFunc.
type ConsumerFunc[T any] func(record *Notification) (T, error)

// HexLinesConsumerFunc returns a ConsumerFunc that renders each
// notification as one "<characteristic> <payload hex>" line.
func HexLinesConsumerFunc() ConsumerFunc[string] {
	var buffer strings.Builder
	return func(record *Notification) (string, error) {
		if record == nil {
			return buffer.String(), nil
		}
		fmt.Fprintf(&buffer, "%s %x\n", record.Characteristic, record.Payload)
		return "", nil // Continue processing (empty string = zero value)
	}
}

// ConsumeRecords drains all buffered notifications and passes them to
// the given ConsumerFunc.
//
// The consumer decides when to stop and what result to return. See
// ConsumerFunc for the processing protocol.
func ConsumeRecords[T any](c *NotificationCollector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("buffer dequeue error: %w", err)
		}

		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}

		if !isZeroValue(result) {
			return result, nil
		}
	}

	// No more data: call consumer with nil to get the final result.
	return consumer(nil)
}

// isZeroValue checks if a value is the zero value for its type.
func isZeroValue[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// ConsumeHexLines drains all buffered notifications and returns them as
// newline-separated "<characteristic> <payload hex>" text.
func (c *NotificationCollector) ConsumeHexLines() (string, error) {
	return ConsumeRecords(c, HexLinesConsumerFunc())
}
