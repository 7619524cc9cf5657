package central

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/transport"
)

// HandleConnectionState drives the session state machine from link
// events. Events for peers without a session are dropped: they are echoes
// of teardowns that already completed locally.
func (e *Engine) HandleConnectionState(addr string, status transport.Status, link transport.LinkState) {
	p, ok := e.peers.Get(addr)
	if !ok {
		e.log.WithFields(logrus.Fields{
			"peer":   addr,
			"status": status,
			"link":   link,
		}).Debug("Connection event for unknown peer")
		return
	}
	switch link {
	case transport.LinkUp:
		e.handleLinkUp(p, status)
	case transport.LinkDown:
		e.handleLinkDown(p, status)
	}
}

func (e *Engine) handleLinkUp(p *peerConn, status transport.Status) {
	p.mu.Lock()
	if p.state != StateConnecting {
		stale := p.state
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{
			"state":  stale,
			"status": status,
		}).Debug("Ignoring link up outside connecting state")
		if status.OK() && (stale == StateDisconnected || stale == StateError) {
			// a dial the session gave up on still landed; drop the link
			_ = e.tr.Disconnect(p.addr)
		}
		return
	}

	if !status.OK() {
		p.log.WithField("status", status).Warn("Connection attempt failed")
		fire := e.connectFailedLocked(p, connectionFailed(status, ""))
		p.mu.Unlock()
		fire()
		return
	}

	p.connectTimer.cancel()
	p.transitionLocked(StateConnected)
	p.retryCount = 0
	e.armDiscoveryTimerLocked(p)
	addr := p.addr
	p.mu.Unlock()

	p.log.Info("Connected, discovering attributes")
	e.lis.ConnectionUp(addr)

	if err := e.tr.DiscoverAttributes(addr); err != nil {
		e.discoveryFailed(p, &ConnectionError{Reason: ConnFailed, Msg: "attribute discovery rejected: " + err.Error()})
	}
}

func (e *Engine) handleLinkDown(p *peerConn, status transport.Status) {
	p.mu.Lock()
	switch p.state {
	case StateDisconnecting:
		pending := e.removeLocked(p)
		addr := p.addr
		p.mu.Unlock()

		p.log.Info("Disconnected")
		e.failOps(addr, pending, ErrOperationNotConnected)
		e.lis.ConnectionDown(addr, nil)

	case StateConnected:
		p.log.WithField("status", status).Warn("Link lost unexpectedly")
		p.opTimer.cancel()
		pending := p.clearSessionLocked()
		cause := connectionFailed(status, "link lost")
		addr := p.addr

		if p.cfg.AutoReconnect && p.retryCount < p.cfg.MaxRetries {
			p.transitionLocked(StateError)
			e.scheduleRetryLocked(p, cause)
			p.mu.Unlock()
			e.failOps(addr, pending, ErrOperationNotConnected)
			e.lis.ConnectionDown(addr, cause)
			return
		}

		pending = append(pending, e.removeLocked(p)...)
		p.mu.Unlock()
		e.failOps(addr, pending, ErrOperationNotConnected)
		e.lis.ConnectionDown(addr, cause)

	case StateConnecting:
		// the stack may report an aborted dial as a bare link down; the
		// dial outcome still arrives as a link up or as the connection
		// timeout, so nothing is decided here
		p.mu.Unlock()
		p.log.WithField("status", status).Debug("Ignoring link down while connecting")

	default: // StateError, StateDisconnected
		state := p.state
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{
			"state":  state,
			"status": status,
		}).Debug("Ignoring link down in terminal state")
	}
}

// connectFailedLocked applies the retry policy after a failed or timed
// out dial. Callers hold p.mu and must run the returned closure after
// releasing it.
func (e *Engine) connectFailedLocked(p *peerConn, cause *ConnectionError) func() {
	p.connectTimer.cancel()
	p.transitionLocked(StateError)

	if p.cfg.AutoReconnect && p.retryCount < p.cfg.MaxRetries {
		e.scheduleRetryLocked(p, cause)
		return func() {}
	}

	terminal := cause
	if p.cfg.AutoReconnect && p.cfg.MaxRetries > 0 {
		terminal = &ConnectionError{
			Reason: ConnRetriesExhausted,
			Status: cause.Status,
			Msg:    fmt.Sprintf("gave up after %d attempts: %v", p.retryCount+1, cause),
		}
	}
	pending := e.removeLocked(p)
	addr := p.addr

	return func() {
		p.log.WithError(terminal).Warn("Connection failed terminally")
		e.failOps(addr, pending, ErrOperationNotConnected)
		e.lis.ConnectionFailed(addr, terminal)
	}
}

// scheduleRetryLocked books the next reconnect attempt. The retry count
// only grows until a session reaches Connected again.
func (e *Engine) scheduleRetryLocked(p *peerConn, cause *ConnectionError) {
	p.retryCount++
	p.log.WithFields(logrus.Fields{
		"attempt":     p.retryCount,
		"max_retries": p.cfg.MaxRetries,
		"delay":       p.cfg.RetryDelay,
		"cause":       cause.Error(),
	}).Info("Scheduling reconnect")
	p.retryTimer.arm(p.cfg.RetryDelay, func(gen uint64) { e.retryFired(p, gen) })
}

// retryFired dials again after the retry delay. A session removed in the
// interim makes the attempt a no-op.
func (e *Engine) retryFired(p *peerConn, gen uint64) {
	if cur, ok := e.peers.Get(p.addr); !ok || cur != p {
		return
	}
	p.mu.Lock()
	if !p.retryTimer.current(gen) || p.state != StateError {
		p.mu.Unlock()
		return
	}
	p.transitionLocked(StateConnecting)
	e.armConnectTimerLocked(p)
	addr := p.addr
	timeout := p.cfg.ConnectionTimeout
	attempt := p.retryCount
	p.mu.Unlock()

	p.log.WithField("attempt", attempt).Info("Reconnecting")

	if err := e.tr.Connect(addr, transport.Params{ConnectTimeout: timeout}); err != nil {
		p.mu.Lock()
		fire := e.connectFailedLocked(p, &ConnectionError{Reason: ConnFailed, Msg: err.Error()})
		p.mu.Unlock()
		fire()
	}
}

func (e *Engine) armConnectTimerLocked(p *peerConn) {
	p.connectTimer.arm(p.cfg.ConnectionTimeout, func(gen uint64) { e.connectTimedOut(p, gen) })
}

// connectTimedOut synthesizes a connection failure when no LinkUp arrived
// in time.
func (e *Engine) connectTimedOut(p *peerConn, gen uint64) {
	p.mu.Lock()
	if !p.connectTimer.current(gen) || p.state != StateConnecting {
		p.mu.Unlock()
		return
	}
	timeout := p.cfg.ConnectionTimeout
	addr := p.addr
	fire := e.connectFailedLocked(p, &ConnectionError{Reason: ConnTimeout, Msg: "no link up within " + timeout.String()})
	p.mu.Unlock()

	p.log.WithField("timeout", timeout).Warn("Connection attempt timed out")
	fire()
	// the radio may still be dialing; make sure it stops
	_ = e.tr.Disconnect(addr)
}

func (e *Engine) armDropGuardLocked(p *peerConn) {
	p.dropTimer.arm(p.cfg.ConnectionTimeout, func(gen uint64) { e.dropGuardFired(p, gen) })
}

// dropGuardFired forces local teardown when a requested disconnect never
// produced a LinkDown.
func (e *Engine) dropGuardFired(p *peerConn, gen uint64) {
	p.mu.Lock()
	if !p.dropTimer.current(gen) || p.state != StateDisconnecting {
		p.mu.Unlock()
		return
	}
	pending := e.removeLocked(p)
	addr := p.addr
	p.mu.Unlock()

	p.log.Warn("No link down after requested disconnect, forcing local cleanup")
	e.failOps(addr, pending, ErrOperationNotConnected)
	e.lis.ConnectionDown(addr, nil)
}

func (e *Engine) armDiscoveryTimerLocked(p *peerConn) {
	p.opTimer.arm(p.cfg.OperationTimeout, func(gen uint64) { e.discoveryTimedOut(p, gen) })
}

func (e *Engine) discoveryTimedOut(p *peerConn, gen uint64) {
	p.mu.Lock()
	if !p.opTimer.current(gen) || p.state != StateConnected || p.discovered {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	e.discoveryFailed(p, &ConnectionError{Reason: ConnFailed, Msg: "attribute discovery timed out"})
}

// discoveryFailed tears the session down. Discovery errors are
// session-level and are not retried. A session whose discovery completed
// in the meantime is left alone.
func (e *Engine) discoveryFailed(p *peerConn, cause *ConnectionError) {
	p.mu.Lock()
	if p.state != StateConnected || p.discovered {
		p.mu.Unlock()
		return
	}
	pending := e.removeLocked(p)
	addr := p.addr
	p.mu.Unlock()

	p.log.WithError(cause).Warn("Tearing session down after discovery failure")
	_ = e.tr.Disconnect(addr)
	e.failOps(addr, pending, ErrOperationNotConnected)
	e.lis.ConnectionFailed(addr, cause)
}

// HandleAttributesDiscovered stores the tree, prepends the post-discovery
// workflow and opens the queue for dispatch.
func (e *Engine) HandleAttributesDiscovered(addr string, status transport.Status, tree *transport.Tree) {
	p, ok := e.peers.Get(addr)
	if !ok {
		e.log.WithFields(logrus.Fields{"peer": addr, "status": status}).Debug("Discovery result for unknown peer")
		return
	}
	p.mu.Lock()
	if p.state != StateConnected || p.discovered {
		state := p.state
		p.mu.Unlock()
		p.log.WithField("state", state).Debug("Ignoring stale discovery result")
		return
	}
	p.opTimer.cancel()

	if !status.OK() {
		p.mu.Unlock()
		e.discoveryFailed(p, connectionFailed(status, "attribute discovery failed"))
		return
	}

	p.tree = tree
	p.discovered = true
	workflow := buildSequence(p.cfg, tree)
	p.queue.pushFront(workflow)
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"services":     tree.Len(),
		"workflow_ops": len(workflow),
	}).Info("Attributes discovered")
	e.lis.AttributesDiscovered(addr, tree)

	e.dispatch(p)
}

// HandleOperationResult completes the in-flight operation and resumes the
// queue. Results for operations already abandoned by their timeout are
// dropped.
func (e *Engine) HandleOperationResult(addr string, token transport.Token, status transport.Status, payload []byte) {
	p, ok := e.peers.Get(addr)
	if !ok {
		e.log.WithFields(logrus.Fields{"peer": addr, "token": token}).Debug("Operation result for unknown peer")
		return
	}
	p.mu.Lock()
	if p.inFlight == nil || p.inFlight.token != token {
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{
			"token":  token,
			"status": status,
		}).Debug("Ignoring result for abandoned operation")
		return
	}
	op := p.inFlight
	p.inFlight = nil
	p.opTimer.cancel()
	p.mu.Unlock()

	e.deliverResult(addr, op, payload, operationError(status))
	e.dispatch(p)
}

// HandleMTUChanged records the link's negotiated transmission unit.
func (e *Engine) HandleMTUChanged(addr string, mtu int, status transport.Status) {
	p, ok := e.peers.Get(addr)
	if !ok {
		e.log.WithFields(logrus.Fields{"peer": addr, "mtu": mtu}).Debug("Transmission unit event for unknown peer")
		return
	}
	if !status.OK() {
		p.log.WithField("status", status).Warn("Transmission unit change failed")
		return
	}
	p.mu.Lock()
	p.mtu = mtu
	p.mu.Unlock()

	p.log.WithField("mtu", mtu).Info("Transmission unit changed")
	e.lis.TransmissionUnitChanged(addr, mtu)
}

// HandleNotification forwards a subscription value to the listener.
func (e *Engine) HandleNotification(addr, charUUID string, payload []byte) {
	e.lis.NotificationReceived(addr, charUUID, payload)
}
