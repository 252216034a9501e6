package session

// State is the negotiation state of a session.
type State int

const (
	StateIdle State = iota
	StateHardResetSent
	StateWaitingServerReset
	StateTLSHandshake
	StatePushRequestSent
	StateEstablished
	// StateRenegotiating is established with a soft reset in progress.
	StateRenegotiating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHardResetSent:
		return "hardResetSent"
	case StateWaitingServerReset:
		return "waitingServerReset"
	case StateTLSHandshake:
		return "tlsHandshake"
	case StatePushRequestSent:
		return "pushRequestSent"
	case StateEstablished:
		return "established"
	case StateRenegotiating:
		return "renegotiating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsEstablished reports whether data packets flow in this state.
func (s State) IsEstablished() bool {
	return s == StateEstablished || s == StateRenegotiating
}
