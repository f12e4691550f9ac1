package transcription

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for an id that is not registered, for
	// example because the session already ended.
	ErrSessionNotFound = errors.New("transcription: session not found")

	// ErrChannelOpen wraps failures to open the recognition channel.
	ErrChannelOpen = errors.New("transcription: failed to open recognition channel")

	// ErrMalformedEvent is reported for provider events that cannot be normalised.
	ErrMalformedEvent = errors.New("transcription: malformed recognition event")
)

// SessionError attaches a session id to an error.
type SessionError struct {
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func sessionError(id string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{SessionID: id, Err: err}
}
