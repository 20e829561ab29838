package api

import (
	"net/http"

	"github.com/google/uuid"
)

// getRequestID returns the caller's request ID or a fresh one.
func getRequestID(r *http.Request) string {
	if rid := r.Header.Get("X-Request-ID"); rid != "" {
		return rid
	}
	return uuid.NewString()
}
