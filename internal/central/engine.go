// Package central implements the per-peer connection lifecycle and the
// serialized attribute-operation queue over a BLE transport.
//
// One Engine owns a registry of peer sessions. Each session moves through
// an explicit state machine driven by caller calls and transport events,
// carries its own FIFO of attribute operations with at most one in flight,
// and is bounded by per-class timers for dialing, single operations and
// scheduled reconnects. Sessions are isolated: a stalled or malfunctioning
// peer never blocks progress on another.
//
// Every caller-facing call is non-blocking. It validates, mutates session
// state, issues at most one transport command and returns; outcomes arrive
// later through the Listener.
package central

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/transport"
)

// Options configures an Engine. Zero fields get working defaults.
type Options struct {
	// Listener observes session events. Nil drops them all.
	Listener Listener
	// Logger receives structured engine logs. Nil uses the standard
	// logrus logger.
	Logger *logrus.Logger
	// Clock drives every timer. Nil uses the wall clock; tests inject a
	// mock.
	Clock clock.Clock
}

// Engine manages connection sessions across peers. Construct with New;
// the zero value is not usable.
type Engine struct {
	tr  transport.Transport
	clk clock.Clock
	log *logrus.Logger
	lis Listener

	peers  *hashmap.HashMap[string, *peerConn]
	closed atomic.Bool
}

// New builds an Engine over tr and binds itself as the transport's event
// handler.
func New(tr transport.Transport, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	lis := opts.Listener
	if lis == nil {
		lis = nopListener{}
	}

	e := &Engine{
		tr:    tr,
		clk:   clk,
		log:   log,
		lis:   lis,
		peers: hashmap.New[string, *peerConn](),
	}
	tr.Bind(e)
	return e
}

// Connect starts a session with addr. It returns ErrAlreadyInProgress
// while a dial is pending, succeeds as a no-op when already connected,
// and otherwise tears down whatever the prior session left behind before
// dialing fresh. The outcome arrives via the Listener.
func (e *Engine) Connect(addr string, cfg Config) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := cfg.Validate(); err != nil {
		return &ConnectionError{Reason: ConnFailed, Msg: err.Error()}
	}
	cfg = cfg.withDefaults()

	p, loaded := e.peers.GetOrInsert(addr, newPeerConn(addr, cfg, e.clk, e.log))

	p.mu.Lock()
	if loaded {
		switch p.state {
		case StateConnecting:
			p.mu.Unlock()
			return ErrAlreadyInProgress
		case StateConnected:
			p.mu.Unlock()
			return nil
		case StateDisconnecting, StateError:
			// stale session: drop its leftovers, then dial fresh
			p.cancelTimersLocked()
			stale := p.clearSessionLocked()
			p.transitionLocked(StateDisconnected)
			defer e.failOps(addr, stale, ErrOperationNotConnected)
		}
	}
	p.cfg = cfg
	if !p.transitionLocked(StateConnecting) {
		p.mu.Unlock()
		return &ConnectionError{Reason: ConnFailed, Msg: "session in unusable state"}
	}
	e.armConnectTimerLocked(p)
	p.log.WithFields(logrus.Fields{
		"timeout":        cfg.ConnectionTimeout,
		"auto_reconnect": cfg.AutoReconnect,
		"max_retries":    cfg.MaxRetries,
	}).Info("Connecting")
	p.mu.Unlock()

	if err := e.tr.Connect(addr, transport.Params{ConnectTimeout: cfg.ConnectionTimeout}); err != nil {
		// a synchronously rejected dial takes the same path as a failed
		// link up, retry policy included
		p.mu.Lock()
		fire := e.connectFailedLocked(p, &ConnectionError{Reason: ConnFailed, Msg: err.Error()})
		p.mu.Unlock()
		fire()
	}
	return nil
}

// Disconnect ends the session with addr. Unknown peers and sessions
// already tearing down are a success no-op.
func (e *Engine) Disconnect(addr string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	p, ok := e.peers.Get(addr)
	if !ok {
		return nil
	}

	p.mu.Lock()
	switch p.state {
	case StateDisconnected, StateDisconnecting:
		p.mu.Unlock()
		return nil

	case StateError:
		// no link is up; cancel the pending reconnect and finish locally
		pending := e.removeLocked(p)
		p.mu.Unlock()
		p.log.Info("Disconnected, pending reconnect cancelled")
		e.failOps(addr, pending, ErrOperationNotConnected)
		e.lis.ConnectionDown(addr, nil)
		return nil

	default: // StateConnecting, StateConnected
		p.connectTimer.cancel()
		p.opTimer.cancel()
		pending := p.queue.drain()
		if p.inFlight != nil {
			pending = append([]*operation{p.inFlight}, pending...)
			p.inFlight = nil
		}
		p.transitionLocked(StateDisconnecting)
		e.armDropGuardLocked(p)
		p.mu.Unlock()

		e.failOps(addr, pending, ErrOperationNotConnected)
		if err := e.tr.Disconnect(addr); err != nil {
			// no LinkDown will come for a rejected command
			p.log.WithError(err).Warn("Transport rejected disconnect, forcing local cleanup")
			e.forceTeardown(p)
		}
		return nil
	}
}

// DisconnectAll tears down every session synchronously. Repeated calls
// are no-ops.
func (e *Engine) DisconnectAll() error {
	e.peers.Range(func(addr string, p *peerConn) bool {
		p.mu.Lock()
		prior := p.state
		pending := e.removeLocked(p)
		p.mu.Unlock()

		if prior == StateConnecting || prior == StateConnected || prior == StateDisconnecting {
			_ = e.tr.Disconnect(addr)
		}
		e.failOps(addr, pending, ErrOperationNotConnected)
		if prior != StateDisconnected {
			e.lis.ConnectionDown(addr, nil)
		}
		return true
	})
	return nil
}

// Close tears down every session and releases the transport.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = e.DisconnectAll()
	return e.tr.Close()
}

// Read enqueues a characteristic read. The value arrives through the
// Listener's OperationCompleted carrying the returned token.
func (e *Engine) Read(addr, service, char string) (transport.Token, error) {
	return e.enqueue(addr, transport.ReadCharacteristic{Service: service, Characteristic: char})
}

// Write enqueues a characteristic write.
func (e *Engine) Write(addr, service, char string, payload []byte, withoutResponse bool) (transport.Token, error) {
	return e.enqueue(addr, transport.WriteCharacteristic{
		Service:         service,
		Characteristic:  char,
		Payload:         payload,
		WithoutResponse: withoutResponse,
	})
}

// ReadDescriptor enqueues a descriptor read.
func (e *Engine) ReadDescriptor(addr, service, char, desc string) (transport.Token, error) {
	return e.enqueue(addr, transport.ReadDescriptor{
		Service:        service,
		Characteristic: char,
		Descriptor:     desc,
	})
}

// WriteDescriptor enqueues a descriptor write.
func (e *Engine) WriteDescriptor(addr, service, char, desc string, payload []byte) (transport.Token, error) {
	return e.enqueue(addr, transport.WriteDescriptor{
		Service:        service,
		Characteristic: char,
		Descriptor:     desc,
		Payload:        payload,
	})
}

// SetNotification enqueues a subscription change for a notify- or
// indicate-capable characteristic.
func (e *Engine) SetNotification(addr, service, char string, enable bool) (transport.Token, error) {
	return e.enqueue(addr, transport.SetNotification{
		Service:        service,
		Characteristic: char,
		Enable:         enable,
	})
}

// RequestMTU enqueues a transmission-unit negotiation.
func (e *Engine) RequestMTU(addr string, size int) (transport.Token, error) {
	if size < transport.DefaultMTU || size > transport.MaxMTU {
		return transport.Token{}, &OperationError{
			Reason: OpExecutionFailed,
			Msg:    fmt.Sprintf("transmission unit %d out of range [%d, %d]", size, transport.DefaultMTU, transport.MaxMTU),
		}
	}
	return e.enqueue(addr, transport.ExchangeMTU{MTU: size})
}

// enqueue appends one operation to the peer's queue and kicks the
// dispatcher. Only peers without a session reject synchronously;
// everything else is reported through the Listener.
func (e *Engine) enqueue(addr string, req transport.Request) (transport.Token, error) {
	if e.closed.Load() {
		return transport.Token{}, ErrEngineClosed
	}
	p, ok := e.peers.Get(addr)
	if !ok {
		return transport.Token{}, ErrOperationNotConnected
	}

	op := &operation{token: transport.NewToken(), req: req}
	p.mu.Lock()
	p.queue.pushBack(op)
	queued := p.queue.len()
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"operation": req.Kind(),
		"token":     op.token,
		"queued":    queued,
	}).Debug("Operation enqueued")

	e.dispatch(p)
	return op.token, nil
}

// ConnectionState reports the session state for addr. Peers without a
// session report Disconnected.
func (e *Engine) ConnectionState(addr string) State {
	p, ok := e.peers.Get(addr)
	if !ok {
		return StateDisconnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attributes returns the discovered attribute tree for addr, or false
// before discovery completes.
func (e *Engine) Attributes(addr string) (*transport.Tree, bool) {
	p, ok := e.peers.Get(addr)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.discovered {
		return nil, false
	}
	return p.tree, true
}

// MTU reports the negotiated transmission unit for addr, or the protocol
// floor when none was negotiated.
func (e *Engine) MTU(addr string) int {
	p, ok := e.peers.Get(addr)
	if !ok {
		return transport.DefaultMTU
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtu
}

// Peers lists the addresses with a session, sorted.
func (e *Engine) Peers() []string {
	var addrs []string
	e.peers.Range(func(addr string, _ *peerConn) bool {
		addrs = append(addrs, addr)
		return true
	})
	sort.Strings(addrs)
	return addrs
}

// removeLocked finishes a session: cancels every timer, clears the queue
// and drops the registry entry. A session leaves the registry only
// through here, so removal always sees a drained queue and cancelled
// timers.
func (e *Engine) removeLocked(p *peerConn) []*operation {
	p.cancelTimersLocked()
	pending := p.clearSessionLocked()
	if p.state != StateDisconnected {
		p.transitionLocked(StateDisconnected)
	}
	e.peers.Del(p.addr)
	return pending
}

// forceTeardown completes a teardown locally when no LinkDown event can
// be expected.
func (e *Engine) forceTeardown(p *peerConn) {
	p.mu.Lock()
	if p.state != StateDisconnecting {
		p.mu.Unlock()
		return
	}
	pending := e.removeLocked(p)
	p.mu.Unlock()

	e.failOps(p.addr, pending, ErrOperationNotConnected)
	e.lis.ConnectionDown(p.addr, nil)
}

// failOps surfaces a failure for operations that will never execute.
func (e *Engine) failOps(addr string, ops []*operation, opErr *OperationError) {
	for _, op := range ops {
		e.deliverResult(addr, op, nil, opErr)
	}
}
