package api

import (
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/transcription"
)

// Stream message types.
const (
	typeAudioChunk          = "audio_chunk"
	typeEndSession          = "end_session"
	typeSessionStarted      = "session_started"
	typeSessionEnded        = "session_ended"
	typeTranscriptionResult = "transcription_result"
	typeError               = "error"
)

// SessionConfig is the first message a client sends on the stream.
type SessionConfig struct {
	LanguageCode string `json:"language_code" validate:"omitempty,min=2,max=16"`
	SampleRate   int    `json:"sample_rate" validate:"omitempty,min=8000,max=48000"`
	// EnablePartialResults defaults to true when absent.
	EnablePartialResults *bool  `json:"enable_partial_results"`
	AudioEncoding        string `json:"audio_encoding" validate:"omitempty,oneof=pcm mulaw"`
}

func (c SessionConfig) partialResults() bool {
	return c.EnablePartialResults == nil || *c.EnablePartialResults
}

// clientMessage is any message after the session config.
type clientMessage struct {
	Type      string `json:"type"`
	AudioData string `json:"audio_data,omitempty"`
}

type sessionStartedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type sessionEndedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// ResultMessage carries one item of the session's result stream.
type ResultMessage struct {
	Type         string                      `json:"type"`
	Status       transcription.SessionStatus `json:"status"`
	Result       *transcription.Result       `json:"result"`
	ErrorMessage *string                     `json:"error_message"`
	SessionID    string                      `json:"session_id"`
}

func newResultMessage(resp transcription.Response) ResultMessage {
	return ResultMessage{
		Type:         typeTranscriptionResult,
		Status:       resp.Status,
		Result:       resp.Result,
		ErrorMessage: resp.ErrorMessage,
		SessionID:    resp.SessionID,
	}
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ConfirmRequest is the body of POST /api/transcription/confirm.
type ConfirmRequest struct {
	OriginalTranscript string `json:"original_transcript" validate:"required"`
	EditedTranscript   string `json:"edited_transcript"`
	Confirmed          *bool  `json:"confirmed" validate:"required"`
}

// ConfirmResponse answers a confirmed transcript.
type ConfirmResponse struct {
	Status    string `json:"status"`
	FinalText string `json:"final_text"`
	WasEdited bool   `json:"was_edited"`
}

// Language is one supported transcription language.
type Language struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

// SupportedLanguages are the languages offered to clients, Vietnamese and
// English first.
var SupportedLanguages = []Language{
	{Code: "en-US", Name: "English (US)", Country: "US"},
	{Code: "vi-VN", Name: "Vietnamese", Country: "VN"},
	{Code: "en-GB", Name: "English (UK)", Country: "GB"},
	{Code: "es-ES", Name: "Spanish (Spain)", Country: "ES"},
	{Code: "es-US", Name: "Spanish (US)", Country: "US"},
	{Code: "fr-FR", Name: "French", Country: "FR"},
	{Code: "de-DE", Name: "German", Country: "DE"},
	{Code: "it-IT", Name: "Italian", Country: "IT"},
	{Code: "pt-BR", Name: "Portuguese (Brazil)", Country: "BR"},
	{Code: "ja-JP", Name: "Japanese", Country: "JP"},
	{Code: "ko-KR", Name: "Korean", Country: "KR"},
	{Code: "zh-CN", Name: "Chinese (Mandarin)", Country: "CN"},
}
