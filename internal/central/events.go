package central

import (
	"github.com/srg/gattq/internal/transport"
)

// OperationResult is the outcome of one caller-issued operation, delivered
// asynchronously once the transport completes or the engine abandons it.
type OperationResult struct {
	Token   transport.Token
	Kind    string
	Payload []byte
	Err     error
}

// Listener observes session events. Callbacks run on the engine's event
// path, serialized per peer, and must return promptly: a slow listener
// stalls that peer's queue but never another peer's.
type Listener interface {
	// ConnectionUp fires when a session reaches Connected.
	ConnectionUp(addr string)

	// ConnectionDown fires when a session ends. err is nil for a
	// requested disconnect and carries the cause for an unexpected one.
	ConnectionDown(addr string, err error)

	// ConnectionFailed fires when a session fails terminally without ever
	// reaching Connected again: a failed or timed-out dial with no retry
	// budget left, or a discovery failure.
	ConnectionFailed(addr string, err error)

	// AttributesDiscovered fires once per session after discovery.
	AttributesDiscovered(addr string, tree *transport.Tree)

	// OperationCompleted fires for every caller-issued operation.
	OperationCompleted(addr string, res OperationResult)

	// NotificationReceived delivers a characteristic value for an enabled
	// subscription.
	NotificationReceived(addr, charUUID string, payload []byte)

	// TransmissionUnitChanged fires when the link's negotiated unit
	// changes.
	TransmissionUnitChanged(addr string, mtu int)
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil
// fields drop their events.
type ListenerFuncs struct {
	OnConnectionUp            func(addr string)
	OnConnectionDown          func(addr string, err error)
	OnConnectionFailed        func(addr string, err error)
	OnAttributesDiscovered    func(addr string, tree *transport.Tree)
	OnOperationCompleted      func(addr string, res OperationResult)
	OnNotificationReceived    func(addr, charUUID string, payload []byte)
	OnTransmissionUnitChanged func(addr string, mtu int)
}

func (l *ListenerFuncs) ConnectionUp(addr string) {
	if l.OnConnectionUp != nil {
		l.OnConnectionUp(addr)
	}
}

func (l *ListenerFuncs) ConnectionDown(addr string, err error) {
	if l.OnConnectionDown != nil {
		l.OnConnectionDown(addr, err)
	}
}

func (l *ListenerFuncs) ConnectionFailed(addr string, err error) {
	if l.OnConnectionFailed != nil {
		l.OnConnectionFailed(addr, err)
	}
}

func (l *ListenerFuncs) AttributesDiscovered(addr string, tree *transport.Tree) {
	if l.OnAttributesDiscovered != nil {
		l.OnAttributesDiscovered(addr, tree)
	}
}

func (l *ListenerFuncs) OperationCompleted(addr string, res OperationResult) {
	if l.OnOperationCompleted != nil {
		l.OnOperationCompleted(addr, res)
	}
}

func (l *ListenerFuncs) NotificationReceived(addr, charUUID string, payload []byte) {
	if l.OnNotificationReceived != nil {
		l.OnNotificationReceived(addr, charUUID, payload)
	}
}

func (l *ListenerFuncs) TransmissionUnitChanged(addr string, mtu int) {
	if l.OnTransmissionUnitChanged != nil {
		l.OnTransmissionUnitChanged(addr, mtu)
	}
}

// nopListener drops every event.
type nopListener struct{}

func (nopListener) ConnectionUp(string)                           {}
func (nopListener) ConnectionDown(string, error)                  {}
func (nopListener) ConnectionFailed(string, error)                {}
func (nopListener) AttributesDiscovered(string, *transport.Tree)  {}
func (nopListener) OperationCompleted(string, OperationResult)    {}
func (nopListener) NotificationReceived(string, string, []byte)   {}
func (nopListener) TransmissionUnitChanged(string, int)           {}
