package client

// State is the connection lifecycle of a device client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected     // socket open, waiting for the tunnel ack
	StateAuthenticating
	StateAuthenticated
	StateVerified // last heartbeat acknowledged in time
	StateDegraded // connected but pongs or heartbeat acks are late
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateVerified:
		return "verified"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Usable reports whether application messages may be sent.
func (s State) Usable() bool {
	switch s {
	case StateAuthenticated, StateVerified, StateDegraded:
		return true
	}
	return false
}

// event advances the lifecycle. Kept separate from the Client so the
// table below is the whole story.
type event int

const (
	evDial event = iota
	evSocketOpen
	evTunnelAck
	evAuthOK
	evAuthErr
	evHeartbeatAck
	evTimeout // missed pong or heartbeat ack
	evSocketClosed
)

// transition returns the next state and whether the event was legal
// in the current one. Illegal events leave the state unchanged.
func transition(s State, ev event) (State, bool) {
	switch ev {
	case evDial:
		if s == StateDisconnected || s == StateError {
			return StateConnecting, true
		}
	case evSocketOpen:
		if s == StateConnecting {
			return StateConnected, true
		}
	case evTunnelAck:
		if s == StateConnected {
			return StateAuthenticating, true
		}
	case evAuthOK:
		if s == StateAuthenticating {
			return StateAuthenticated, true
		}
	case evAuthErr:
		if s == StateAuthenticating {
			return StateError, true
		}
	case evHeartbeatAck:
		if s.Usable() {
			return StateVerified, true
		}
	case evTimeout:
		if s.Usable() {
			return StateDegraded, true
		}
	case evSocketClosed:
		if s != StateDisconnected {
			return StateDisconnected, true
		}
	}
	return s, false
}
