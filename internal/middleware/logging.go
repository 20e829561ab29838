// Package middleware holds HTTP plumbing shared by the backend client
// (RoundTrippers) and the local status server (handler middleware).
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRedactHeaders are never logged in clear text.
var DefaultRedactHeaders = []string{"authorization", "cookie", "set-cookie", "x-api-key"}

// LoggingMiddleware wraps handlers with request logging.
func LoggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       rw.bytesWritten,
			}).Debug("HTTP request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// LoggingTransport logs every outbound request with its status and duration.
// Headers listed in redactHeaders are logged as [REDACTED].
func LoggingTransport(next http.RoundTripper, logger *logrus.Logger, redactHeaders []string) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if redactHeaders == nil {
		redactHeaders = DefaultRedactHeaders
	}

	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)

		fields := logrus.Fields{
			"method":      r.Method,
			"host":        r.URL.Host,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if r.ContentLength > 0 {
			fields["bytes"] = r.ContentLength
		}
		if logger.IsLevelEnabled(logrus.TraceLevel) {
			fields["headers"] = redactedHeaders(r.Header, redactHeaders)
		}

		if err != nil {
			logger.WithFields(fields).WithError(err).Debug("Backend request failed")
			return nil, err
		}

		fields["status"] = resp.StatusCode
		entry := logger.WithFields(fields)
		if resp.StatusCode >= 500 {
			entry.Warn("Backend request")
		} else {
			entry.Debug("Backend request")
		}
		return resp, nil
	})
}

// redactedHeaders flattens headers for logging with sensitive values hidden.
func redactedHeaders(headers http.Header, redact []string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		lowerName := strings.ToLower(name)
		if shouldRedactHeader(lowerName, redact) {
			out[lowerName] = "[REDACTED]"
		} else {
			out[lowerName] = strings.Join(values, ",")
		}
	}
	return out
}

// shouldRedactHeader checks if a header should be redacted.
func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}
