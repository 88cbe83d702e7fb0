package tele

// State is the single connectivity snapshot exposed to consumers.
// Owned by the connection manager loop, everyone else reads.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// Online covers states with a live stream handle.
func (s State) Online() bool { return s == StateConnected || s == StateDegraded }
