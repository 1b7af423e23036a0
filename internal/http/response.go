package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"ledger/internal/core"
	applog "ledger/internal/log"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// statusFor maps an error category to its HTTP status.
func statusFor(err error) int {
	switch core.Kind(err) {
	case "validation", "currency_mismatch":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as an error document. Storage and unexpected errors
// are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := errorDetail{Kind: core.Kind(err), Message: err.Error()}

	var ve *core.ValidationError
	var ce *core.ConflictError
	switch {
	case errors.As(err, &ve):
		detail.Field = ve.Field
	case errors.As(err, &ce):
		detail.Field = ce.Field
	}

	if status == http.StatusInternalServerError {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Command failed",
			applog.FieldErrorKind, detail.Kind,
			applog.FieldError, err)
		detail.Message = "internal error"
	}

	writeJSON(w, r, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Failed to write response", applog.FieldError, err)
	}
}
