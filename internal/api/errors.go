package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/secure-ocr-client/internal/backend"
	"github.com/kenneth/secure-ocr-client/internal/store"
)

// Error is the JSON error body returned by the status API.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TranslateError maps domain errors to API errors.
func TranslateError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *backend.APIError
	switch {
	case errors.Is(err, store.ErrUploadNotFound), errors.Is(err, backend.ErrNotFound):
		return &Error{Code: "NotFound", Message: "document not found", HTTPStatus: http.StatusNotFound}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: "Timeout", Message: "request timed out", HTTPStatus: http.StatusGatewayTimeout}
	case errors.As(err, &apiErr):
		return &Error{Code: "BackendError", Message: apiErr.Error(), RequestID: apiErr.RequestID, HTTPStatus: http.StatusBadGateway}
	case errors.Is(err, backend.ErrNetwork):
		return &Error{Code: "BackendUnavailable", Message: "backend is unreachable", HTTPStatus: http.StatusBadGateway}
	default:
		return &Error{Code: "InternalError", Message: "internal error", HTTPStatus: http.StatusInternalServerError}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, e *Error) {
	if e.RequestID == "" {
		e.RequestID = getRequestID(r)
	}
	writeJSON(w, e.HTTPStatus, e)
}
