// Package middleware wraps an outbound HTTP client with the
// client-side rate-limiting dance: admit locally before sending,
// reconcile the local model from the response's rate-limit headers,
// and retry with exponential backoff on 429 up to a retry budget.
package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arvind-natarajan/quotaguard"
)

// KeyFunc extracts the rate-limiting key from an outgoing request.
type KeyFunc func(r *http.Request) string

// KeyByHost keys on the request's target host, grouping all calls to
// one upstream under a single limiter key.
func KeyByHost(r *http.Request) string { return r.URL.Host }

// Clock abstracts time.Now so Retry-After HTTP-date parsing is
// deterministically testable.
type Clock func() time.Time

// Transport wraps an http.RoundTripper with pre-admission, header
// reconciliation, and 429 retry handling. It implements
// http.RoundTripper so it drops into any http.Client's Transport field.
type Transport struct {
	Limiter           quotaguard.Limiter
	Next              http.RoundTripper
	KeyFunc           KeyFunc
	MaxWaitMs         int64
	MaxRetries        int
	MaxBackoffMs      int64
	BackoffMultiplier float64
	Logger            *slog.Logger
	Clock             Clock
}

// Option customizes a Transport at construction time.
type Option func(*Transport)

// WithKeyFunc overrides the default KeyByHost key extractor.
func WithKeyFunc(fn KeyFunc) Option { return func(t *Transport) { t.KeyFunc = fn } }

// WithMaxWaitMs bounds how long RoundTrip will block waiting for
// local admission before giving up with a RateLimitExceededError.
func WithMaxWaitMs(ms int64) Option { return func(t *Transport) { t.MaxWaitMs = ms } }

// WithMaxRetries bounds how many 429 responses are retried before
// RoundTrip gives up and returns the last response alongside an error.
func WithMaxRetries(n int) Option { return func(t *Transport) { t.MaxRetries = n } }

// WithMaxBackoffMs caps the backoff computed from Retry-After and
// BackoffMultiplier; defaults to 30000.
func WithMaxBackoffMs(ms int64) Option { return func(t *Transport) { t.MaxBackoffMs = ms } }

// WithBackoffMultiplier overrides the default 2x-per-attempt backoff
// growth rate.
func WithBackoffMultiplier(m float64) Option { return func(t *Transport) { t.BackoffMultiplier = m } }

// WithNext sets the underlying RoundTripper; defaults to
// http.DefaultTransport.
func WithNext(next http.RoundTripper) Option { return func(t *Transport) { t.Next = next } }

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option { return func(t *Transport) { t.Logger = logger } }

// NewTransport builds a Transport for limiter with defaults: KeyByHost,
// a 5s max wait, 3 retries, and http.DefaultTransport.
func NewTransport(limiter quotaguard.Limiter, opts ...Option) *Transport {
	t := &Transport{
		Limiter:           limiter,
		Next:              http.DefaultTransport,
		KeyFunc:           KeyByHost,
		MaxWaitMs:         5000,
		MaxRetries:        3,
		MaxBackoffMs:      30000,
		BackoffMultiplier: 2,
		Logger:            slog.Default(),
		Clock:             time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip admits the request, sends it, reconciles from the
// response's headers, and retries on 429 with exponential backoff
// seeded from Retry-After, up to MaxRetries.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	key := t.KeyFunc(req)

	if !t.Limiter.WaitForAllowed(req.Context(), key, 1, t.MaxWaitMs) {
		return nil, &quotaguard.RateLimitExceededError{
			Key:        key,
			WaitTimeMs: t.Limiter.GetWaitTime(key),
			MaxWaitMs:  t.MaxWaitMs,
			Message:    "local wait budget exhausted before admission",
		}
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = t.Next.RoundTrip(req)
		if err != nil {
			return nil, err
		}

		t.Limiter.UpdateFromHeaders(key, resp.Header)

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		if attempt >= t.MaxRetries {
			return resp, &quotaguard.RateLimitExceededError{
				Key:     key,
				Message: fmt.Sprintf("retry budget of %d exhausted against 429 responses", t.MaxRetries),
			}
		}

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), t.Clock())
		backoffMs := float64(retryAfter.Milliseconds()) * math.Pow(t.BackoffMultiplier, float64(attempt))
		if maxMs := float64(t.MaxBackoffMs); backoffMs > maxMs {
			backoffMs = maxMs
		}
		backoff := time.Duration(backoffMs) * time.Millisecond
		resp.Body.Close()

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff):
		}
	}
}

// parseRetryAfter parses a Retry-After header as either a non-negative
// integer second count (minimum 1) or an HTTP-date, computed as
// max(1s, parsed-now). A missing or malformed value defaults to 1s.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Second
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		if seconds < 1 {
			seconds = 1
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		d := when.Sub(now)
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	return time.Second
}
