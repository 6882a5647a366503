package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loadforge/loadforge/pkg/serrors"
)

// ErrorEnvelope standardizes JSON error responses for API namespaces.
type ErrorEnvelope struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, message string, meta map[string]string) error {
	return WriteJSON(w, status, &ErrorEnvelope{
		Code:    code,
		Message: message,
		Meta:    meta,
	})
}

const (
	CodeValidation        = "VALIDATION_FAILED"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeNotFound          = "NOT_FOUND"
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodePersistence       = "PERSISTENCE_FAILED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInternal          = "INTERNAL_SERVER_ERROR"
)

var statusByCode = map[string]int{
	CodeValidation:        http.StatusBadRequest,
	CodeUnauthenticated:   http.StatusUnauthorized,
	CodeNotFound:          http.StatusNotFound,
	CodeEngineUnavailable: http.StatusServiceUnavailable,
	CodePersistence:       http.StatusInternalServerError,
	CodeRateLimited:       http.StatusTooManyRequests,
}

// StatusFor maps an error code to its HTTP status, 500 for unknown codes.
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteServiceError renders err as an envelope. Coded errors keep their code
// and message; validation details become meta entries. Anything else is
// reported as an internal error without leaking its text.
func WriteServiceError(w http.ResponseWriter, err error) error {
	var base *serrors.BaseError
	if !errors.As(err, &base) {
		return WriteError(w, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
	}
	var meta map[string]string
	var verrs serrors.ValidationErrors
	if errors.As(err, &verrs) {
		meta = verrs
	}
	return WriteError(w, StatusFor(base.Code), base.Code, base.Message, meta)
}
