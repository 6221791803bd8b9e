package session

// State is the lifecycle state of a session probe.
type State int

const (
	// Connecting means the transport connect has been issued.
	Connecting State = iota
	// Negotiating means the transport is up and the protocol handshake is
	// running.
	Negotiating
	// Authenticated means the server confirmed the login. The session moves
	// on to Closed right away.
	Authenticated
	// Closed is the terminal state of a session that ended normally.
	Closed
	// Failed is the terminal state of a session that did not authenticate.
	Failed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}
