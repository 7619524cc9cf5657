// Package transport defines the boundary between the connection engine and
// the platform BLE stack: the command surface the engine issues
// (connect/disconnect/discover/execute) and the event surface the stack
// delivers back (link state, discovery results, operation completions, MTU
// changes, notification values).
//
// The contract mirrors the radio's behavior: commands return quickly and
// their outcomes arrive as events, one event at a time per peer, with at
// most one attribute operation outstanding per link. Adapters must not
// assume the handler is reentrant for the same peer.
package transport

import (
	"time"

	"github.com/google/uuid"
)

// Token identifies one executed operation across the command/event boundary.
// The engine mints a token per enqueued operation and the adapter echoes it
// in the matching HandleOperationResult.
type Token = uuid.UUID

// NewToken returns a fresh operation token.
func NewToken() Token {
	return uuid.New()
}

// LinkState is the direction of a connection state change event.
type LinkState int

const (
	// LinkUp reports the outcome of a connection attempt. Status
	// discriminates success from a failed dial.
	LinkUp LinkState = iota
	// LinkDown reports a terminated link, voluntary or not.
	LinkDown
)

func (l LinkState) String() string {
	switch l {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	default:
		return "unknown"
	}
}

// Params carries transport-level connection parameters. The engine owns the
// authoritative connection timeout; ConnectTimeout here bounds the adapter's
// own dial so an abandoned attempt does not hold platform resources forever.
type Params struct {
	ConnectTimeout time.Duration
}

// Handler receives transport events. Implemented by the engine; adapters
// call it from their own goroutines, serialized per peer.
type Handler interface {
	// HandleConnectionState delivers a link state change. A LinkUp with a
	// non-success status is a failed connection attempt.
	HandleConnectionState(addr string, status Status, link LinkState)

	// HandleAttributesDiscovered delivers the result of DiscoverAttributes.
	// tree is nil unless status.OK().
	HandleAttributesDiscovered(addr string, status Status, tree *Tree)

	// HandleOperationResult completes the operation identified by token.
	// payload carries read data when the operation produces any.
	HandleOperationResult(addr string, token Token, status Status, payload []byte)

	// HandleMTUChanged reports the negotiated transmission unit after an
	// ExchangeMTU, or a server-initiated change.
	HandleMTUChanged(addr string, mtu int, status Status)

	// HandleNotification delivers a characteristic value for an enabled
	// subscription. charUUID is normalized.
	HandleNotification(addr string, charUUID string, payload []byte)
}

// Transport is the command surface of a platform BLE stack. All methods are
// non-blocking with respect to radio outcomes: an error return reports an
// immediate (synchronous) failure to issue the command, anything later
// arrives through the Handler.
type Transport interface {
	// Bind registers the event handler. Must be called before any other
	// method; adapters may deliver events as soon as it returns.
	Bind(h Handler)

	// Connect starts a connection attempt to addr. The outcome arrives as a
	// LinkUp event.
	Connect(addr string, p Params) error

	// Disconnect tears down the link to addr. Completion arrives as a
	// LinkDown event. Disconnecting an unknown peer is not an error.
	Disconnect(addr string) error

	// DiscoverAttributes enumerates the peer's attribute hierarchy. The
	// result arrives via HandleAttributesDiscovered.
	DiscoverAttributes(addr string) error

	// Execute performs one attribute operation. The result arrives via
	// HandleOperationResult carrying the same token (ExchangeMTU results
	// additionally arrive via HandleMTUChanged).
	Execute(addr string, token Token, req Request) error

	// Cancel abandons the outstanding operation identified by token. No
	// HandleOperationResult is delivered for an operation cancelled before
	// its completion arrived.
	Cancel(addr string, token Token) error

	// Close releases the adapter. Pending sessions are torn down.
	Close() error
}

// Transmission unit bounds of the attribute protocol.
const (
	// DefaultMTU is the protocol floor every link starts at.
	DefaultMTU = 23
	// MaxMTU is the largest unit a peer may request.
	MaxMTU = 512
)
