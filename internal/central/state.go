package central

// State is the lifecycle state of one peer session.
type State int

const (
	// StateDisconnected is the initial and terminal state. Peers without a
	// registry entry report it too.
	StateDisconnected State = iota
	// StateConnecting covers the window between a dial and its LinkUp event.
	StateConnecting
	// StateConnected means the link is up. Attribute operations dispatch
	// only here, after discovery has completed.
	StateConnected
	// StateDisconnecting covers a requested teardown awaiting its LinkDown.
	StateDisconnecting
	// StateError is transient: a failed session holding its spot while a
	// reconnect is pending. It always resolves to Connecting or
	// Disconnected.
	StateError
)

var stateNames = map[State]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateError:         "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// stateTransitions lists the legal edges of the session state machine.
var stateTransitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateError, StateDisconnecting, StateDisconnected},
	StateConnected:     {StateDisconnecting, StateDisconnected, StateError},
	StateDisconnecting: {StateDisconnected},
	StateError:         {StateConnecting, StateDisconnected},
}

func (s State) canTransition(to State) bool {
	for _, next := range stateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
