package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/core"
)

// writeJSON encodes v as the success body for status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

// errorBody is the {error: string} envelope every failure response uses.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err to its status code per the taxonomy and writes the
// {error: string} envelope. A *core.Error drives the mapping; anything
// else is treated as an opaque 500.
func writeError(w http.ResponseWriter, nodeEnv string, err error) {
	status, message := statusAndMessage(nodeEnv, err)
	if status == http.StatusTooManyRequests {
		if ce, ok := core.As(err); ok && ce.RetryAfter > 0 {
			w.Header().Set("Retry-After", ce.RetryAfter.Round(1).String())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorBody{Error: message}); encErr != nil {
		log.Error().Err(encErr).Msg("failed to encode error response")
	}
}

func statusAndMessage(nodeEnv string, err error) (int, string) {
	ce, ok := core.As(err)
	if !ok {
		return http.StatusInternalServerError, "internal error"
	}

	switch ce.Kind {
	case core.KindValidation:
		return http.StatusBadRequest, ce.Message
	case core.KindAuth:
		return http.StatusForbidden, ce.Message
	case core.KindNotFound:
		return http.StatusNotFound, ce.Message
	case core.KindConflict:
		return http.StatusConflict, ce.Message
	case core.KindRateLimited:
		return http.StatusTooManyRequests, ce.Message
	case core.KindTimeout:
		return http.StatusRequestTimeout, ce.Message
	case core.KindBusy:
		return http.StatusTooManyRequests, ce.Message
	case core.KindEngine:
		if nodeEnv == "production" {
			return http.StatusInternalServerError, "internal engine error"
		}
		return http.StatusInternalServerError, ce.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
