package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/yakap/internal/session"
	"github.com/rs/zerolog"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeSessionError maps repository errors onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, logger zerolog.Logger, err error, action string) {
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, "No active session")
	case errors.Is(err, session.ErrNoPatientInfo):
		writeError(w, http.StatusNotFound, "No patient recorded")
	default:
		logger.Error().Err(err).Msg("Failed to " + action)
		writeError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}
