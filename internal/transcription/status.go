package transcription

// SessionStatus is the state of a transcription session, and the status
// carried by every result item.
type SessionStatus string

const (
	StatusStarted    SessionStatus = "started"
	StatusInProgress SessionStatus = "in_progress"
	StatusPartial    SessionStatus = "partial"
	StatusCompleted  SessionStatus = "completed"
	StatusError      SessionStatus = "error"
)

func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s SessionStatus) rank() int {
	switch s {
	case StatusStarted:
		return 0
	case StatusInProgress:
		return 1
	case StatusPartial:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the state
// machine monotonic: Started, InProgress, any number of Partial, then
// Completed. Error is reachable from every non-terminal state.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	if next.rank() < 0 {
		return false
	}
	if next == s {
		return s == StatusPartial
	}
	return next.rank() > s.rank()
}
