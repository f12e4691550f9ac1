package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type transcriptionHandlers struct {
	provider string
	region   string
	validate *validator.Validate
	logger   zerolog.Logger
}

func (h *transcriptionHandlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"service":  "transcription",
		"provider": h.provider,
		"region":   h.region,
	})
}

func (h *transcriptionHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !*req.Confirmed {
		writeError(w, http.StatusBadRequest, "transcript was not confirmed")
		return
	}

	finalText := req.OriginalTranscript
	if req.EditedTranscript != "" {
		finalText = req.EditedTranscript
	}
	h.logger.Debug().Bool("was_edited", req.EditedTranscript != "").Msg("Transcript confirmed")

	writeJSON(w, http.StatusOK, ConfirmResponse{
		Status:    "confirmed",
		FinalText: finalText,
		WasEdited: req.EditedTranscript != "",
	})
}

func (h *transcriptionHandlers) supportedLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]Language{"languages": SupportedLanguages})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}
