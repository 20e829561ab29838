package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-ocr-client/internal/metrics"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	for _, header := range []string{
		"X-Frame-Options",
		"X-Content-Type-Options",
		"Content-Security-Policy",
		"Referrer-Policy",
		"Cache-Control",
	} {
		assert.NotEmpty(t, rr.Header().Get(header), "expected header %s to be set", header)
	}
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMetricsTransport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg, reg)

	calls := 0
	next := RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("dial tcp: refused")
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})

	rt := MetricsTransport(next, m)
	req := httptest.NewRequest(http.MethodGet, "http://ocr.example.com/", nil)
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	labels := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "http_client_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			var parts []string
			for _, label := range metric.GetLabel() {
				parts = append(parts, label.GetValue())
			}
			labels[strings.Join(parts, "/")] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, labels["GET/200"])
	assert.Equal(t, 1.0, labels["GET/error"])
}

func TestMetricsTransport_NilMetrics(t *testing.T) {
	next := RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})
	_, err := MetricsTransport(next, nil).RoundTrip(httptest.NewRequest(http.MethodGet, "http://x/", nil))
	assert.NoError(t, err)
}

func TestChain_OrderOutermostFirst(t *testing.T) {
	var order []string
	wrap := func(name string) func(http.RoundTripper) http.RoundTripper {
		return func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(r)
			})
		}
	}
	base := RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		order = append(order, "base")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})

	_, err := Chain(base, wrap("outer"), wrap("inner")).RoundTrip(httptest.NewRequest(http.MethodGet, "http://x/", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}
