package central

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/transport"
)

// peerConn is the authoritative session record for one remote address.
// Every mutable field is guarded by mu. No other peer's lock is ever
// taken while holding it, and no transport command or listener callback
// is issued under it.
type peerConn struct {
	mu   sync.Mutex
	addr string
	log  *logrus.Entry

	cfg        Config
	state      State
	tree       *transport.Tree
	mtu        int
	discovered bool
	queue      opQueue
	inFlight   *operation
	retryCount int

	connectTimer timer // bounds one dial attempt
	opTimer      timer // bounds one dispatched operation, discovery included
	retryTimer   timer // schedules the next reconnect attempt
	dropTimer    timer // bounds a requested teardown awaiting its LinkDown
}

func newPeerConn(addr string, cfg Config, clk clock.Clock, log *logrus.Logger) *peerConn {
	return &peerConn{
		addr:         addr,
		cfg:          cfg,
		log:          log.WithField("peer", addr),
		state:        StateDisconnected,
		mtu:          transport.DefaultMTU,
		connectTimer: newTimer(clk),
		opTimer:      newTimer(clk),
		retryTimer:   newTimer(clk),
		dropTimer:    newTimer(clk),
	}
}

// transitionLocked applies a state edge, refusing undefined ones.
func (p *peerConn) transitionLocked(to State) bool {
	if !p.state.canTransition(to) {
		p.log.WithFields(logrus.Fields{
			"from": p.state,
			"to":   to,
		}).Error("Refusing undefined state transition")
		return false
	}
	from := p.state
	p.state = to
	p.log.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("Session state changed")
	return true
}

// cancelTimersLocked stops every timer class for this peer.
func (p *peerConn) cancelTimersLocked() {
	p.connectTimer.cancel()
	p.opTimer.cancel()
	p.retryTimer.cancel()
	p.dropTimer.cancel()
}

// clearSessionLocked drops everything a live link carried and returns the
// operations that were still pending, in-flight first, so the caller can
// surface their failure after releasing the lock.
func (p *peerConn) clearSessionLocked() []*operation {
	pending := p.queue.drain()
	if p.inFlight != nil {
		pending = append([]*operation{p.inFlight}, pending...)
		p.inFlight = nil
	}
	p.tree = nil
	p.discovered = false
	p.mtu = transport.DefaultMTU
	return pending
}
