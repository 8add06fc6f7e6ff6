package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

const maxRequestBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, tenancy.ErrTenantNotFound),
		errors.Is(err, conversation.ErrConversationNotFound),
		errors.Is(err, conversation.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenancy.ErrTenantSuspended),
		errors.Is(err, tenancy.ErrUsageLimitExceeded):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, conversation.ErrStaleConversation),
		errors.Is(err, conversation.ErrVersionConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorMessage hides internal failure details from callers.
func errorMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
