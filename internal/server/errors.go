package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
	"github.com/Brian125bot/nexusaiv1/internal/vcs"
)

// apiErrorBody is the error envelope every non-2xx response carries.
type apiErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message, Details: details}})
}

// writeConflict renders lock conflicts as a structured 409: the caller
// gets the conflicting {path, heldBy} rows and may retry after observing
// the holder's terminal state.
func writeConflict(w http.ResponseWriter, conflicts []types.LockConflict) {
	writeError(w, http.StatusConflict, "conflict", "lock acquisition blocked", map[string]interface{}{
		"conflicts": conflicts,
	})
}

// handleError maps internal errors onto the error-kind table.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		var rateErr *vcs.RateLimitError
		if errors.As(err, &rateErr) {
			// Outbound provider rate limits surface as provider errors;
			// the core does not block-wait on the reset.
			writeError(w, http.StatusBadGateway, "provider_rate_limited", err.Error(), map[string]interface{}{
				"resetAt": rateErr.ResetAt,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}
