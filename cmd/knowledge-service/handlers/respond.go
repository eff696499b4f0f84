// Package handlers provides HTTP handlers for the knowledge service API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error's kind to an HTTP status. Provider and
// infrastructure details stay in logs; the client sees the kind and a
// one-line message.
func writeError(w http.ResponseWriter, logger *observability.Logger, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)

	message := "internal error"
	var fe *fault.Error
	if errors.As(err, &fe) {
		message = fe.Message
	}

	if status >= 500 {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	} else {
		logger.Warn().Err(err).Str("kind", string(kind)).Msg("request rejected")
	}

	writeJSON(w, status, errorBody{Error: string(kind), Message: message})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalidQuery:
		return http.StatusBadRequest
	case fault.KindSessionNotFound:
		return http.StatusNotFound
	case fault.KindUnauthorized:
		return http.StatusUnauthorized
	case fault.KindQuotaExceeded, fault.KindOverloaded:
		return http.StatusTooManyRequests
	case fault.KindIntegrity:
		return http.StatusConflict
	case fault.KindNoIndex:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
