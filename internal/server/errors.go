package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// ErrorResponse is the JSON error envelope every non-2xx response uses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetReqID(r.Context()),
		},
	})
}

// respondError maps store and scheduler errors onto HTTP statuses.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, schedstore.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, schedstore.ErrNotQueued),
		errors.Is(err, schedstore.ErrRunFinalized),
		errors.Is(err, schedstore.ErrRetryExists),
		errors.Is(err, schedstore.ErrClaimLost):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, schedstore.ErrReservationHeld):
		writeError(w, r, http.StatusConflict, "RESERVATION_HELD", err.Error())
	case errors.Is(err, schedstore.ErrTemplateArchived):
		writeError(w, r, http.StatusConflict, "TEMPLATE_ARCHIVED", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// encodeJSON renders a params map as the canonical JSON object string the
// store persists. Nil maps become "{}".
func encodeJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(b), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error())
		return false
	}
	return true
}
