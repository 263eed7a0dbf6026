package btsocket

// State represents the lifecycle state of a Socket.
//
// Transitions are monotonic:
//
//	Init -> Connecting -> Connected
//	Init -> Listening
//	any  -> Closed
//
// A Listening socket never becomes Connected itself; each Accept yields a
// separate Socket that starts out Connected.
type State int

const (
	// StateInit is the state of a freshly created socket.
	StateInit State = iota
	// StateConnecting means Connect is waiting for the handshake.
	StateConnecting
	// StateListening means BindListen succeeded and Accept may be called.
	StateListening
	// StateConnected means the handshake completed and data may flow.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// canTransition reports whether from -> to is a legal transition.
func canTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	switch to {
	case StateClosed:
		return true
	case StateConnecting, StateListening:
		return from == StateInit
	case StateConnected:
		return from == StateConnecting
	default:
		return false
	}
}
