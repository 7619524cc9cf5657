// Package ptybridge exposes one peer session as a pseudo-terminal:
// subscription values stream out of the PTY and bytes typed into it
// become write operations. The endpoint is ring-buffered on both sides,
// so neither a stalled PTY reader nor a chatty peer can block the
// session's event path.
package ptybridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/gattq/internal/groutine"
)

// DefaultPollTimeout bounds how long the I/O loops wait for fd readiness
// before rechecking their context. It caps shutdown latency.
const DefaultPollTimeout = 50 * time.Millisecond

// ErrorCallback is invoked from a background goroutine when an I/O loop
// dies on an unrecoverable error. The endpoint is degraded afterwards and
// should be closed.
type ErrorCallback func(err error)

// ReadCallback receives bytes written into the terminal by its external
// side. It runs on a background goroutine and owns the slice it is given.
type ReadCallback func(data []byte)

// EndpointOptions configures NewEndpointWithOptions. Zero fields take
// defaults.
type EndpointOptions struct {
	ReadCap     int            // buffer for bytes arriving from the terminal
	WriteCap    int            // buffer for bytes headed to the terminal
	Logger      *logrus.Logger // nil discards
	OnError     ErrorCallback
	PollTimeout time.Duration
}

// Endpoint is a non-blocking pseudo-terminal handle. Read and Write never
// block: a full buffer drops the oldest bytes and the drop is counted in
// Stats.
type Endpoint interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

// Stats carries the endpoint's transfer and drop counters.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int
	ReadQueueLen  int
	ReadQueueCap  int

	DroppedWriteBytes uint64
	DroppedReadBytes  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringEndpoint struct {
	log     *logrus.Logger
	master  *os.File
	slave   *os.File // kept open so the device node survives external close
	ttyName string
	onError ErrorCallback
	errOnce sync.Once
	pollMs  int

	toTerm   *ringbuffer.RingBuffer // Write() -> master
	fromTerm *ringbuffer.RingBuffer // master -> Read()/callback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readCb      atomic.Value // holds ReadCallback or nil
	readNotify  chan struct{}
	writeNotify chan struct{}

	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// NewEndpoint creates a PTY pair and wraps the master in a ring-buffered
// endpoint. External processes open TTYName() like a serial port.
func NewEndpoint(readCap, writeCap int, logger *logrus.Logger) (Endpoint, error) {
	return NewEndpointWithOptions(&EndpointOptions{
		ReadCap:  readCap,
		WriteCap: writeCap,
		Logger:   logger,
	})
}

// NewEndpointWithOptions creates an endpoint with full control over
// buffering, polling and error reporting.
func NewEndpointWithOptions(opts *EndpointOptions) (Endpoint, error) {
	if opts == nil {
		return nil, fmt.Errorf("endpoint options are required")
	}
	if opts.ReadCap <= 0 || opts.WriteCap <= 0 {
		return nil, fmt.Errorf("buffer capacities must be positive, got read=%d write=%d", opts.ReadCap, opts.WriteCap)
	}

	master, slave, err := openPair()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &ringEndpoint{
		log:         logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		onError:     opts.OnError,
		pollMs:      int(poll.Milliseconds()),
		toTerm:      ringbuffer.New(opts.WriteCap),
		fromTerm:    ringbuffer.New(opts.ReadCap),
		ctx:         ctx,
		cancel:      cancel,
		readNotify:  make(chan struct{}, 1),
		writeNotify: make(chan struct{}, 1),
	}

	e.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { e.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { e.writeLoop() })
	groutine.Go(ctx, "pty-dispatch", func(context.Context) { e.dispatchLoop() })

	return e, nil
}

// openPair allocates a master/slave pair, puts the slave into raw mode
// and the master into non-blocking mode.
func openPair() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate a PTY pair: %w", err)
	}
	closeBoth := func() {
		_ = master.Close()
		_ = slave.Close()
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		closeBoth()
		return nil, nil, fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		closeBoth()
		return nil, nil, fmt.Errorf("failed to set PTY master to non-blocking mode: %w", err)
	}
	return master, slave, nil
}

// Write queues data for the terminal side and returns immediately. A full
// buffer keeps what fits; check the returned count or Stats for drops.
func (e *ringEndpoint) Write(data []byte) (int, error) {
	if e.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := e.toTerm.Write(data)
	if err != nil && !overflowErr(err) {
		return 0, err
	}
	if written < len(data) {
		e.droppedWrite.Add(uint64(len(data) - written))
		e.log.WithFields(logrus.Fields{
			"queued":  written,
			"dropped": len(data) - written,
		}).Warn("PTY write buffer overflow")
	}
	if written > 0 {
		select {
		case e.writeNotify <- struct{}{}:
		default:
		}
	}
	return written, nil
}

// Read drains buffered terminal input without blocking. With nothing
// buffered it returns syscall.EAGAIN.
func (e *ringEndpoint) Read(b []byte) (int, error) {
	if e.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := e.fromTerm.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback registers cb for asynchronous input delivery, or
// unregisters it when nil. Already-buffered input triggers an immediate
// dispatch.
func (e *ringEndpoint) SetReadCallback(cb ReadCallback) {
	if e.closed.Load() {
		return
	}
	e.readCb.Store(cb)
	select {
	case e.readNotify <- struct{}{}:
	default:
	}
}

// TTYName returns the slave device path, e.g. /dev/pts/3.
func (e *ringEndpoint) TTYName() string {
	return e.ttyName
}

func (e *ringEndpoint) Stats() Stats {
	return Stats{
		WriteQueueLen:     e.toTerm.Length(),
		WriteQueueCap:     e.toTerm.Capacity(),
		ReadQueueLen:      e.fromTerm.Length(),
		ReadQueueCap:      e.fromTerm.Capacity(),
		DroppedWriteBytes: e.droppedWrite.Load(),
		DroppedReadBytes:  e.droppedRead.Load(),
		ReadBytesTotal:    e.readBytes.Load(),
		WriteBytesTotal:   e.writeBytes.Load(),
	}
}

// Close stops the I/O loops and releases both sides of the pair. Safe to
// call more than once.
func (e *ringEndpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.cancel()

	// Closing the fds breaks any loop blocked in poll with EBADF.
	if err := e.master.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close PTY master")
	}
	if err := e.slave.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close PTY slave")
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
		e.wg.Wait()
		close(done)
	})

	timeout := 3*time.Duration(e.pollMs)*time.Millisecond + time.Second
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		// the loops self-terminate within one poll interval; they are
		// orphaned until then
		e.log.WithField("tty", e.ttyName).Error("Timed out waiting for PTY loops to exit")
	}
	return nil
}

// overflowErr reports whether err is the ring's way of saying the data
// did not fit. Both variants come with a valid partial count.
func overflowErr(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func (e *ringEndpoint) reportError(err error) {
	e.log.WithError(err).Warn("PTY loop terminated")
	if e.onError != nil {
		e.errOnce.Do(func() { e.onError(err) })
	}
}

// writeLoop moves queued bytes onto the master fd.
func (e *ringEndpoint) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("PTY write loop panicked: %v", r)
		}
		e.wg.Done()
	}()

	// Close() nils nothing; the fd reference stays valid until both loops
	// observe EBADF.
	master := e.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		if e.toTerm.IsEmpty() {
			select {
			case <-e.ctx.Done():
				return
			case <-e.writeNotify:
			}
		} else {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
		}

		n, err := e.toTerm.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			e.log.WithError(err).Warn("PTY write queue read failed")
			continue
		}
		if n == 0 {
			continue
		}

		offset := 0
		for offset < n {
			written, err := master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				e.writeBytes.Add(uint64(written))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				if _, pollErr := unix.Poll(pollFd, e.pollMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
					e.log.WithError(pollErr).Warn("PTY write poll failed")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				e.reportError(fmt.Errorf("PTY write failed: %w", err))
				return
			}
		}
	}
}

// readLoop moves bytes from the master fd into the input ring.
func (e *ringEndpoint) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("PTY read loop panicked: %v", r)
		}
		e.wg.Done()
	}()

	master := e.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, e.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			e.log.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if nReady == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, writeErr := e.fromTerm.Write(buf[:n])
			if writeErr != nil && !overflowErr(writeErr) {
				e.log.WithError(writeErr).Warn("PTY input buffering failed")
				continue
			}
			if written < n {
				e.droppedRead.Add(uint64(n - written))
				e.log.WithFields(logrus.Fields{
					"received": n,
					"dropped":  n - written,
				}).Warn("PTY read buffer overflow")
			}
			e.readBytes.Add(uint64(written))

			if written > 0 && e.readCb.Load() != nil {
				select {
				case e.readNotify <- struct{}{}:
				default:
				}
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
				return
			default:
				e.reportError(fmt.Errorf("PTY read failed: %w", err))
				return
			}
		}
	}
}

// dispatchLoop hands buffered input to the registered callback in chunks.
// A panicking callback is unregistered so it cannot wedge the loop.
func (e *ringEndpoint) dispatchLoop() {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("PTY dispatch loop panicked: %v", r)
		}
		e.wg.Done()
	}()

	tmp := make([]byte, 4096)

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.readNotify:
		}

		for {
			cb, _ := e.readCb.Load().(ReadCallback)
			if cb == nil {
				break
			}

			n, err := e.fromTerm.TryRead(tmp)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}

			chunk := make([]byte, n)
			copy(chunk, tmp[:n])

			if !e.invoke(cb, chunk) {
				break
			}
		}
	}
}

// invoke runs the callback with panic protection. Returns false when the
// callback panicked and was unregistered.
func (e *ringEndpoint) invoke(cb ReadCallback, chunk []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("PTY read callback panicked: %v", r)
			e.readCb.Store(ReadCallback(nil))
			e.errOnce.Do(func() {
				if e.onError != nil {
					e.onError(fmt.Errorf("read callback panic: %v", r))
				}
			})
			ok = false
		}
	}()
	cb(chunk)
	return true
}
