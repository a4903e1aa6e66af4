// Package quotaguard implements the algorithmic core of a client-side
// rate limiter: four interchangeable pacing algorithms behind one
// Limiter contract, a durable per-key state layer, and the header
// reconciliation that keeps the local model honest against a remote
// service's own limits.
package quotaguard

import "context"

// Limiter is the uniform contract every pacing algorithm satisfies.
// A Limiter owns its state map and dynamic-limits overlay exclusively
// for its lifetime; it is safe for concurrent use.
type Limiter interface {
	// IsAllowed attempts to admit a single-token request for key.
	// On success it charges one token and returns true; on denial it
	// returns false without mutating state.
	IsAllowed(key string) bool

	// IsAllowedN attempts to admit a request charging tokens against
	// key's capacity. tokens < 1 is treated as 1. Requests whose
	// tokens exceed the effective capacity always return false.
	IsAllowedN(key string, tokens int64) bool

	// WaitForAllowed repeatedly attempts admission, sleeping between
	// attempts, until it succeeds or the cumulative wait reaches
	// maxWaitMs. It returns as soon as one admission succeeds, and
	// honors ctx cancellation as an additional bound on the wait.
	WaitForAllowed(ctx context.Context, key string, tokens int64, maxWaitMs int64) bool

	// GetWaitTime reports the milliseconds until a single-token
	// request against key would be admissible. It recomputes
	// refill/decay/expiry but otherwise does not mutate state.
	GetWaitTime(key string) int64

	// Reset restores key to its initial, fully-admissible state.
	Reset(key string)

	// ResetAll drops every key's state and every dynamic limit.
	ResetAll()

	// GetStatus returns an untyped observability snapshot for key.
	GetStatus(key string) map[string]interface{}

	// GetTypedStatus returns a typed observability snapshot for key.
	GetTypedStatus(key string) StatusDTO

	// GetAllStatuses returns GetStatus for every key currently tracked.
	GetAllStatuses() map[string]map[string]interface{}

	// GetAllTypedStatuses returns GetTypedStatus for every key currently tracked.
	GetAllTypedStatuses() map[string]StatusDTO

	// Cleanup removes keys dormant for longer than maxAgeSeconds and
	// returns the number removed.
	Cleanup(maxAgeSeconds int64) int

	// UpdateFromHeaders reconciles key's local state against a remote
	// response's headers, never increasing local availability beyond
	// what the server reports.
	UpdateFromHeaders(key string, headers map[string][]string)

	// Flush persists the current in-memory state to the configured
	// backend, if any, regardless of the dirty flag.
	Flush(ctx context.Context) error

	// Close flushes (if dirty) and releases any backend resources.
	// It does not register a process-global shutdown hook; callers
	// own calling Close on their own teardown path.
	Close(ctx context.Context) error
}
