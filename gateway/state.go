package gateway

// Status is the state of the session state machine.
type Status int32

const (
	// Disconnected is the status of a Gateway that was never opened.
	Disconnected Status = iota
	// Connecting is the status while dialing and waiting for HELLO.
	Connecting
	// Identifying is the status between IDENTIFY and READY.
	Identifying
	// Resuming is the status between RESUME and RESUMED.
	Resuming
	// Ready is the status of a live session.
	Ready
	// Reconnecting is the status after a recoverable failure until the next
	// Open.
	Reconnecting
	// Closed is terminal.
	Closed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Identifying:
		return "identifying"
	case Resuming:
		return "resuming"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is the resumable part of a session.
type State struct {
	SessionID string
	Sequence  int64
	// ResumeURL is the gateway URL to use when resuming.
	ResumeURL string
}

// CanResume returns true if the state has what a RESUME needs.
func (s State) CanResume() bool {
	return s.SessionID != "" && s.Sequence > 0
}
