// Package session provides a managed one-peer view over the connection
// engine: connect, hand a synchronous operation surface to a callback,
// tear down. Commands use it so they never touch engine events directly.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/internal/transport/goble"
)

// DefaultNotificationBuffer bounds the notification stream handed to the
// callback; the oldest value is dropped when the consumer falls behind.
const DefaultNotificationBuffer = 128

// TransportFactory creates the transport Run drives. Overridable so tests
// can substitute a scripted one.
var TransportFactory = func(logger *logrus.Logger) transport.Transport {
	return goble.New(logger)
}

// ProgressCallback is called when the session phase changes.
type ProgressCallback func(phase string)

// Options configures one session.
type Options struct {
	// Config is the engine session configuration. Zero fields get the
	// engine defaults.
	Config central.Config
}

// Callback processes an established session and produces a result of
// type R.
type Callback[R any] func(s *Session) (R, error)

// Session is the synchronous operation surface handed to the callback.
// Every operation blocks until its completion event arrives or ctx ends.
type Session struct {
	addr string
	eng  *central.Engine
	ctx  context.Context
	lis  *listener
}

// listener adapts engine events into the blocking session surface.
type listener struct {
	addr string

	mu      sync.Mutex
	results map[transport.Token]central.OperationResult
	waiters map[transport.Token]chan central.OperationResult

	ready  chan struct{}
	failed chan error
	once   sync.Once

	// connCtx is canceled on the first connection interruption; its cause
	// carries the reason.
	connCtx    context.Context
	connCancel context.CancelCauseFunc

	notifs *central.RingChannel[central.Notification]
}

func newListener(addr string) *listener {
	l := &listener{
		addr:    addr,
		results: make(map[transport.Token]central.OperationResult),
		waiters: make(map[transport.Token]chan central.OperationResult),
		ready:   make(chan struct{}),
		failed:  make(chan error, 2),
		notifs:  central.NewRingChannel[central.Notification](DefaultNotificationBuffer),
	}
	l.connCtx, l.connCancel = context.WithCancelCause(context.Background())
	return l
}

func (l *listener) ConnectionUp(addr string) {}

func (l *listener) ConnectionDown(addr string, err error) {
	if addr != l.addr || err == nil {
		return
	}
	l.fail(err)
	l.connCancel(err)
}

func (l *listener) ConnectionFailed(addr string, err error) {
	if addr != l.addr {
		return
	}
	l.fail(err)
	l.connCancel(err)
}

func (l *listener) AttributesDiscovered(addr string, _ *transport.Tree) {
	if addr != l.addr {
		return
	}
	l.once.Do(func() { close(l.ready) })
}

func (l *listener) OperationCompleted(addr string, res central.OperationResult) {
	if addr != l.addr {
		return
	}
	l.mu.Lock()
	if ch, ok := l.waiters[res.Token]; ok {
		delete(l.waiters, res.Token)
		l.mu.Unlock()
		ch <- res
		return
	}
	l.results[res.Token] = res
	l.mu.Unlock()
}

func (l *listener) NotificationReceived(addr, charUUID string, payload []byte) {
	if addr != l.addr {
		return
	}
	l.notifs.Send(central.Notification{
		Peer:           addr,
		Characteristic: charUUID,
		Payload:        payload,
		ReceivedAt:     time.Now(),
	})
}

func (l *listener) TransmissionUnitChanged(addr string, mtu int) {}

func (l *listener) fail(err error) {
	select {
	case l.failed <- err:
	default:
	}
}

// wait blocks until the operation identified by token completes. The
// engine delivers a result for every accepted operation, so only the
// context can end the wait early.
func (l *listener) wait(ctx context.Context, token transport.Token) (central.OperationResult, error) {
	l.mu.Lock()
	if res, ok := l.results[token]; ok {
		delete(l.results, token)
		l.mu.Unlock()
		return res, nil
	}
	ch := make(chan central.OperationResult, 1)
	l.waiters[token] = ch
	l.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.waiters, token)
		l.mu.Unlock()
		return central.OperationResult{}, ctx.Err()
	}
}

// Run connects to addr, establishes the session and executes callback
// with a synchronous operation surface. Teardown is managed: the engine
// and its transport are released when Run returns.
func Run[R any](ctx context.Context, addr string, opts *Options, logger *logrus.Logger, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = &Options{Config: central.DefaultConfig()}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}

	progress("Connecting")

	lis := newListener(addr)
	eng := central.New(TransportFactory(logger), central.Options{
		Listener: lis,
		Logger:   logger,
	})
	defer func() {
		if err := eng.Close(); err != nil {
			logger.WithError(err).Error("failed to close engine")
		}
	}()

	if err := eng.Connect(addr, opts.Config); err != nil {
		progress("Failed")
		return zero, err
	}

	select {
	case <-lis.ready:
	case err := <-lis.failed:
		progress("Failed")
		return zero, err
	case <-ctx.Done():
		progress("Failed")
		return zero, ctx.Err()
	}

	progress("Connected")

	s := &Session{addr: addr, eng: eng, ctx: ctx, lis: lis}

	progress("Processing results")
	return callback(s)
}

// Peer returns the session's peer address.
func (s *Session) Peer() string {
	return s.addr
}

// Attributes returns the discovered attribute tree.
func (s *Session) Attributes() (*transport.Tree, bool) {
	return s.eng.Attributes(s.addr)
}

// MTU returns the negotiated transmission unit.
func (s *Session) MTU() int {
	return s.eng.MTU(s.addr)
}

// State returns the session's connection state.
func (s *Session) State() central.State {
	return s.eng.ConnectionState(s.addr)
}

// Notifications returns the stream of subscription values. The stream is
// bounded; the oldest value is dropped when the consumer falls behind.
func (s *Session) Notifications() <-chan central.Notification {
	return s.lis.notifs.C()
}

// ConnectionContext returns a context canceled when the connection is
// interrupted. context.Cause carries the reason. Long-running callbacks
// select on it to notice a lost peer.
func (s *Session) ConnectionContext() context.Context {
	return s.lis.connCtx
}

// Read reads a characteristic value.
func (s *Session) Read(service, char string) ([]byte, error) {
	token, err := s.eng.Read(s.addr, service, char)
	if err != nil {
		return nil, err
	}
	res, err := s.lis.wait(s.ctx, token)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Payload, nil
}

// Write writes a characteristic value.
func (s *Session) Write(service, char string, payload []byte, withoutResponse bool) error {
	token, err := s.eng.Write(s.addr, service, char, payload, withoutResponse)
	if err != nil {
		return err
	}
	res, err := s.lis.wait(s.ctx, token)
	if err != nil {
		return err
	}
	return res.Err
}

// ReadDescriptor reads a descriptor value.
func (s *Session) ReadDescriptor(service, char, desc string) ([]byte, error) {
	token, err := s.eng.ReadDescriptor(s.addr, service, char, desc)
	if err != nil {
		return nil, err
	}
	res, err := s.lis.wait(s.ctx, token)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Payload, nil
}

// WriteDescriptor writes a descriptor value.
func (s *Session) WriteDescriptor(service, char, desc string, payload []byte) error {
	token, err := s.eng.WriteDescriptor(s.addr, service, char, desc, payload)
	if err != nil {
		return err
	}
	res, err := s.lis.wait(s.ctx, token)
	if err != nil {
		return err
	}
	return res.Err
}

// Subscribe enables notifications for a characteristic.
func (s *Session) Subscribe(service, char string) error {
	return s.setNotification(service, char, true)
}

// Unsubscribe disables notifications for a characteristic.
func (s *Session) Unsubscribe(service, char string) error {
	return s.setNotification(service, char, false)
}

func (s *Session) setNotification(service, char string, enable bool) error {
	token, err := s.eng.SetNotification(s.addr, service, char, enable)
	if err != nil {
		return err
	}
	res, err := s.lis.wait(s.ctx, token)
	if err != nil {
		return err
	}
	return res.Err
}

// RequestMTU negotiates the transmission unit and returns the granted
// value, which may be lower than requested.
func (s *Session) RequestMTU(size int) (int, error) {
	token, err := s.eng.RequestMTU(s.addr, size)
	if err != nil {
		return 0, err
	}
	res, err := s.lis.wait(s.ctx, token)
	if err != nil {
		return 0, err
	}
	if res.Err != nil {
		return 0, res.Err
	}
	return s.eng.MTU(s.addr), nil
}
