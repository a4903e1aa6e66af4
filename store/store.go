// Package store defines the state-persistence contracts a Limiter uses
// to survive process restarts: a durable snapshot Backend (file or
// shared-cache) and the narrower Cache capability a cache-backed
// Backend builds on.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Cache abstracts the shared key-value backend of spec §4.6(1): one
// blob per limiter, read at construction and written on flush, with
// best-effort (last-writer-wins) semantics — never a lock service.
type Cache interface {
	// Get returns the stored value and true, or ("", false, nil) if
	// the key is absent. A non-nil error indicates the backend itself
	// is unreachable; callers log it and continue in memory only.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
}

// Snapshot is the full serializable state of one limiter.
type Snapshot struct {
	State         map[string]json.RawMessage `json:"state"`
	DynamicLimits map[string]float64         `json:"dynamic_limits"`
	Timestamp     float64                    `json:"timestamp"`
}

// legacyStateKeys are the historical top-level names a Snapshot's
// per-key map may have been written under; readers must accept any of
// them in addition to the canonical "state".
var legacyStateKeys = []string{"buckets", "windows"}

// DecodeSnapshot parses a persisted blob, accepting either the
// canonical "state" top-level key or a legacy algorithm-specific name.
// A malformed or empty blob yields an empty Snapshot, never an error —
// callers treat that as "nothing to load" per spec §4.6(2).
func DecodeSnapshot(raw []byte) *Snapshot {
	empty := &Snapshot{State: map[string]json.RawMessage{}, DynamicLimits: map[string]float64{}}
	if len(raw) == 0 {
		return empty
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return empty
	}

	snap := &Snapshot{State: map[string]json.RawMessage{}, DynamicLimits: map[string]float64{}}
	stateRaw, ok := generic["state"]
	if !ok {
		for _, legacy := range legacyStateKeys {
			if v, present := generic[legacy]; present {
				stateRaw = v
				ok = true
				break
			}
		}
	}
	if ok {
		_ = json.Unmarshal(stateRaw, &snap.State)
	}
	if dl, present := generic["dynamic_limits"]; present {
		_ = json.Unmarshal(dl, &snap.DynamicLimits)
	}
	if ts, present := generic["timestamp"]; present {
		_ = json.Unmarshal(ts, &snap.Timestamp)
	}
	return snap
}

// EncodeSnapshot serializes a Snapshot in compact form (no indentation).
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// Backend is the durable snapshot contract: load the full per-limiter
// state once at construction, save it on flush.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}
