package transport

// State is the connection lifecycle state. Transitions go through
// transitionLocked which enforces the table below; anything else is a bug in
// the caller and is rejected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateGaveUp is reached after max retries. The transport stays there
	// until an external Connect call.
	StateGaveUp
	// StateClosed is the terminal state after an intentional Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave-up"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateGaveUp, StateClosed},
	StateConnecting:   {StateConnected, StateDisconnected, StateClosed},
	StateConnected:    {StateDisconnected, StateClosed},
	StateGaveUp:       {StateConnecting, StateClosed},
	StateClosed:       {},
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
