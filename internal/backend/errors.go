package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetwork is the umbrella error for any failed backend interaction.
	ErrNetwork = errors.New("network error")

	ErrUnauthorized    = fmt.Errorf("%w: unauthorized", ErrNetwork)
	ErrNotFound        = fmt.Errorf("%w: not found", ErrNetwork)
	ErrRejected        = fmt.Errorf("%w: request rejected", ErrNetwork)
	ErrRateLimited     = fmt.Errorf("%w: rate limited", ErrNetwork)
	ErrServerError     = fmt.Errorf("%w: server error", ErrNetwork)
	ErrInvalidResponse = fmt.Errorf("%w: invalid response", ErrNetwork)
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	kind       error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, msg)
}

// Unwrap exposes the sentinel matching the status code.
func (e *APIError) Unwrap() error {
	return e.kind
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	return isRetryableStatus(e.StatusCode)
}

// TranslateStatus builds an APIError from a status code and response body.
// JSON bodies of the form {"code","message"} or {"error"} are understood.
func TranslateStatus(status int, body []byte, requestID string) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		RequestID:  requestID,
		kind:       kindForStatus(status),
	}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	} else if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
		apiErr.Message = text
	}

	return apiErr
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrServerError
	default:
		return ErrRejected
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
