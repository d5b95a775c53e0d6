package relay

import "fmt"

// SessionState is the connection state of a relay session.
//
//	absent -> connecting -> streaming -> reconnecting -> streaming
//	                     \-> failed    \-> failed -> absent
type SessionState int

const (
	// StateAbsent means no session exists for the channel.
	StateAbsent SessionState = iota
	// StateConnecting means the first origin connection is being established.
	StateConnecting
	// StateStreaming means segments are flowing.
	StateStreaming
	// StateReconnecting means the origin dropped and the session is backing off before retrying.
	StateReconnecting
	// StateFailed means the retry budget is exhausted or the failure is permanent.
	StateFailed
)

var sessionStateNames = [...]string{
	StateAbsent:       "absent",
	StateConnecting:   "connecting",
	StateStreaming:    "streaming",
	StateReconnecting: "reconnecting",
	StateFailed:       "failed",
}

// String returns the state name.
func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return sessionStateNames[s]
}

// MarshalText implements encoding.TextMarshaler so states serialize by name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Available reports whether viewers can be served in this state.
func (s SessionState) Available() bool {
	return s != StateFailed && s != StateAbsent
}

// SessionStates lists every state in lifecycle order.
func SessionStates() []SessionState {
	return []SessionState{StateAbsent, StateConnecting, StateStreaming, StateReconnecting, StateFailed}
}
