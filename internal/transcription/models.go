package transcription

import (
	"time"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// Result is one decoded utterance.
type Result struct {
	Transcript string `json:"transcript"`
	// Confidence is the mean per-token confidence of the best alternative,
	// nil when the provider reported none.
	Confidence   *float64 `json:"confidence"`
	IsPartial    bool     `json:"is_partial"`
	StartTime    *float64 `json:"start_time"`
	EndTime      *float64 `json:"end_time"`
	Alternatives []string `json:"alternatives"`
}

// Response is one item delivered on a session's result stream. Exactly one
// of Result and ErrorMessage is set unless Status is StatusStarted.
type Response struct {
	Status       SessionStatus `json:"status"`
	Result       *Result       `json:"result"`
	ErrorMessage *string       `json:"error_message"`
	SessionID    string        `json:"session_id"`
}

// StartRequest describes a session to open.
type StartRequest struct {
	// ConnectionID scopes the one-session-per-connection policy. Callers
	// without connections may leave it empty and share one scope.
	ConnectionID   string
	LanguageCode   string
	SampleRateHz   int
	PartialResults bool
}

// SessionInfo is a read-only snapshot of a registered session.
type SessionInfo struct {
	ID           string
	ConnectionID string
	Status       SessionStatus
	Provider     string
	CreatedAt    time.Time
}

func resultResponse(sessionID string, r Result) Response {
	status := StatusCompleted
	if r.IsPartial {
		status = StatusPartial
	}
	return Response{Status: status, Result: &r, SessionID: sessionID}
}

func errorResponse(sessionID string, err error) Response {
	msg := err.Error()
	return Response{Status: StatusError, ErrorMessage: &msg, SessionID: sessionID}
}

// meanConfidence averages the token confidences that are present.
func meanConfidence(items []recognition.Item) *float64 {
	var sum float64
	var n int
	for _, it := range items {
		if it.Confidence == nil {
			continue
		}
		sum += *it.Confidence
		n++
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
