package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvind-natarajan/quotaguard"
	"github.com/arvind-natarajan/quotaguard/middleware"
)

func newLimiter(t *testing.T, rate float64, burst int64) quotaguard.Limiter {
	t.Helper()
	cfg, err := quotaguard.NewConfig(quotaguard.AlgorithmTokenBucket, rate, burst)
	require.NoError(t, err)
	limiter, err := quotaguard.New(cfg, nil)
	require.NoError(t, err)
	return limiter
}

func TestTransport_AllowsWithinLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &http.Client{Transport: middleware.NewTransport(newLimiter(t, 100, 5))}

	for i := 0; i < 5; i++ {
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestTransport_RetriesOn429ThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &http.Client{Transport: middleware.NewTransport(newLimiter(t, 100, 5), middleware.WithMaxRetries(2))}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, attempts)
}

func TestTransport_ExhaustsRetryBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	// Call RoundTrip directly: http.Client drops a response returned
	// together with an error.
	transport := middleware.NewTransport(newLimiter(t, 100, 5), middleware.WithMaxRetries(1))
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := transport.RoundTrip(req)
	require.Error(t, err)
	require.NotNil(t, resp)
	var rlErr *quotaguard.RateLimitExceededError
	require.ErrorAs(t, err, &rlErr)
}

func TestKeyByHost(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/foo", nil)
	require.Equal(t, "example.com", middleware.KeyByHost(req))
}
