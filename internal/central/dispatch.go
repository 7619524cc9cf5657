package central

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/transport"
)

// dispatch drains the peer's queue until an operation is in flight, the
// queue is empty, or the session cannot execute. Attribute operations
// dispatch only on a connected session with discovery done. A
// synchronously failing or unresolvable operation never stalls the queue:
// its failure is surfaced and the loop continues with the next entry.
// Callers must not hold the peer's lock.
func (e *Engine) dispatch(p *peerConn) {
	for {
		p.mu.Lock()
		if p.state != StateConnected || !p.discovered || p.inFlight != nil {
			p.mu.Unlock()
			return
		}
		op, ok := p.queue.pop()
		if !ok {
			p.mu.Unlock()
			return
		}
		if opErr := validate(p.tree, op.req); opErr != nil {
			addr := p.addr
			p.mu.Unlock()
			p.log.WithFields(logrus.Fields{
				"operation": op.req.Kind(),
				"token":     op.token,
			}).WithError(opErr).Warn("Dropping unresolvable operation")
			e.deliverResult(addr, op, nil, opErr)
			continue
		}
		p.inFlight = op
		timeout := p.cfg.OperationTimeout
		p.opTimer.arm(timeout, func(gen uint64) { e.operationTimedOut(p, gen) })
		addr := p.addr
		p.mu.Unlock()

		p.log.WithFields(logrus.Fields{
			"operation": op.req.Kind(),
			"token":     op.token,
			"timeout":   timeout,
		}).Debug("Operation dispatched")

		if err := e.tr.Execute(addr, op.token, op.req); err != nil {
			p.mu.Lock()
			if p.inFlight == op {
				p.inFlight = nil
				p.opTimer.cancel()
			}
			p.mu.Unlock()
			p.log.WithFields(logrus.Fields{
				"operation": op.req.Kind(),
				"token":     op.token,
			}).WithError(err).Warn("Transport rejected operation")
			e.deliverResult(addr, op, nil, syncExecutionError(err))
			continue
		}
		return
	}
}

// operationTimedOut abandons the in-flight operation and resumes the
// queue. The abandoned operation is neither retried nor requeued.
func (e *Engine) operationTimedOut(p *peerConn, gen uint64) {
	p.mu.Lock()
	if !p.opTimer.current(gen) || p.inFlight == nil {
		p.mu.Unlock()
		return
	}
	op := p.inFlight
	p.inFlight = nil
	addr := p.addr
	timeout := p.cfg.OperationTimeout
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"operation": op.req.Kind(),
		"token":     op.token,
		"timeout":   timeout,
	}).Warn("Operation timed out, abandoning")

	_ = e.tr.Cancel(addr, op.token)
	e.deliverResult(addr, op, nil, ErrOperationTimeout)
	e.dispatch(p)
}

// deliverResult surfaces one operation outcome. Internal workflow results
// stay in the log; caller operations reach the listener.
func (e *Engine) deliverResult(addr string, op *operation, payload []byte, opErr *OperationError) {
	if op.internal {
		entry := e.log.WithFields(logrus.Fields{
			"peer":      addr,
			"operation": op.req.Kind(),
			"token":     op.token,
		})
		if opErr != nil {
			entry.WithError(opErr).Warn("Post-discovery workflow operation failed")
		} else {
			entry.Debug("Post-discovery workflow operation completed")
		}
		return
	}

	res := OperationResult{Token: op.token, Kind: op.req.Kind(), Payload: payload}
	if opErr != nil {
		res.Err = opErr
	}
	e.lis.OperationCompleted(addr, res)
}

// validate resolves an operation's attribute references against the
// discovered tree. Operations may be enqueued before discovery, so
// resolution happens here at dispatch time.
func validate(tree *transport.Tree, req transport.Request) *OperationError {
	switch r := req.(type) {
	case transport.ReadCharacteristic:
		return requireCharacteristic(tree, r.Service, r.Characteristic, false)
	case transport.WriteCharacteristic:
		return requireCharacteristic(tree, r.Service, r.Characteristic, false)
	case transport.SetNotification:
		return requireCharacteristic(tree, r.Service, r.Characteristic, true)
	case transport.ReadDescriptor:
		return requireDescriptor(tree, r.Service, r.Characteristic, r.Descriptor)
	case transport.WriteDescriptor:
		return requireDescriptor(tree, r.Service, r.Characteristic, r.Descriptor)
	default:
		return nil
	}
}

func requireCharacteristic(tree *transport.Tree, service, char string, needNotify bool) *OperationError {
	c, found := tree.FindCharacteristic(service, char)
	if !found {
		return &OperationError{
			Reason: OpAttributeNotFound,
			Msg:    fmt.Sprintf("characteristic %q", char),
		}
	}
	if needNotify && !c.Properties.CanNotify() {
		return &OperationError{
			Reason: OpExecutionFailed,
			Msg:    fmt.Sprintf("characteristic %q supports neither notify nor indicate", char),
		}
	}
	return nil
}

func requireDescriptor(tree *transport.Tree, service, char, desc string) *OperationError {
	if _, found := tree.FindDescriptor(service, char, desc); !found {
		return &OperationError{
			Reason: OpAttributeNotFound,
			Msg:    fmt.Sprintf("descriptor %q of characteristic %q", desc, char),
		}
	}
	return nil
}
