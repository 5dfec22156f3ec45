package session

// State is the lifecycle phase of a session.
type State int

const (
	// StateIdle is a session that has not started, or whose start failed.
	StateIdle State = iota

	// StateConnecting is a session acquiring devices and waiting for the
	// remote agent to acknowledge the stream.
	StateConnecting

	// StateActive is a live interview.
	StateActive

	// StateEnded is terminal. An ended session is never restarted.
	StateEnded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndReason explains why a session ended.
type EndReason string

const (
	// ReasonUser is an explicit stop by the candidate.
	ReasonUser EndReason = "user"

	// ReasonAgentClosed is a clean close by the remote agent.
	ReasonAgentClosed EndReason = "agent_closed"

	// ReasonAgentError is a transport or protocol failure of the agent.
	ReasonAgentError EndReason = "agent_error"

	// ReasonTimeout is the configured maximum duration elapsing.
	ReasonTimeout EndReason = "timeout"

	// ReasonDisconnect is the candidate's transport going away.
	ReasonDisconnect EndReason = "disconnect"

	// ReasonShutdown is the server shutting down.
	ReasonShutdown EndReason = "shutdown"
)
