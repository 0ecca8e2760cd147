package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// errorResponse is the orchestrator-wide error envelope: every failure,
// whether raised by a handler or caught by middleware, is this one shape.
type errorResponse struct {
	Error string `json:"error"`
}

// writeErrorResponse writes the {error: string} envelope every failure
// response uses. startTime is accepted for parity with the request-scoped
// loggers that call this but no longer appears in the body itself.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(errorResponse{Error: message}); err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to encode middleware error response")
	}
}
