package quotaguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
	"github.com/arvind-natarajan/quotaguard/store"
)

// hooks is the set of algorithm-specific extension points the shared
// base delegates to. Each algorithm (token bucket, leaky bucket, fixed
// window, sliding window) implements hooks against its own per-key
// state type, type-asserting the opaque `state any` the base hands it.
//
// This mirrors a base-class role without inheritance: base owns the
// state map, the dirty flag, persistence, cleanup iteration, and
// header flattening; hooks owns the algorithm's math.
type hooks interface {
	// initializeKey returns a freshly-initialized per-key state value
	// for a key touched for the first time.
	initializeKey(now time.Time) any

	// refillOrDecay advances state to now using effectiveRate, mutating
	// it in place. Must tolerate now preceding the state's last-touch
	// time (clamp elapsed to zero).
	refillOrDecay(state any, now time.Time, effectiveRate float64)

	// admit attempts to charge tokens against state, already advanced
	// to now. Returns true and mutates state on success.
	admit(state any, tokens int64, now time.Time, effectiveRate float64) bool

	// computeWaitTime reports milliseconds until tokens would admit,
	// given state already advanced to now. Zero means admissible now.
	computeWaitTime(state any, tokens int64, now time.Time, effectiveRate float64) int64

	// computeStatusRaw renders algorithm-specific status fields. state
	// has already been advanced to now.
	computeStatusRaw(state any, now time.Time, effectiveRate float64) (raw map[string]any, limited bool, usagePercent float64)

	// reconcileFromHeaders applies the subset of internal fields this
	// algorithm understands, mutating state and optionally returning a
	// new dynamic effective rate/limit to store in the overlay.
	reconcileFromHeaders(state any, fields map[string]string, safetyBuffer float64, windowSizeMs int64, now time.Time) (dynamicRate float64, hasDynamicRate bool)

	// isDormant reports whether state is eligible for cleanup given
	// cutoff (now - maxAge).
	isDormant(state any, cutoff time.Time) bool

	// resetState returns a fresh, fully-admissible state value, the
	// same shape initializeKey produces.
	resetState(now time.Time) any

	// marshalState / unmarshalState (de)serialize one key's state for
	// the persisted snapshot.
	marshalState(state any) (json.RawMessage, error)
	unmarshalState(raw json.RawMessage) (any, error)
}

// base implements the shared lifecycle of spec §4.6/§4.7/§4.9 that
// every algorithm delegates to: the state map, the dynamic-limits
// overlay, dirty-flag write coalescing, cleanup, header flattening,
// and the all-keys iteration helpers.
type base struct {
	mu sync.Mutex

	cfg    *Config
	algo   AlgorithmTag
	hooks  hooks
	clock  clock.Clock
	logger *slog.Logger

	states        map[string]any
	dynamicLimits map[string]float64
	dirty         bool

	backend store.Backend
}

func newBase(cfg *Config, algo AlgorithmTag, h hooks, backend store.Backend, logger *slog.Logger, clk clock.Clock) *base {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	b := &base{
		cfg:           cfg,
		algo:          algo,
		hooks:         h,
		clock:         clk,
		logger:        logger,
		states:        make(map[string]any),
		dynamicLimits: make(map[string]float64),
		backend:       backend,
	}
	if backend != nil {
		b.loadLocked()
	}
	return b
}

// loadLocked restores persisted state at construction and runs the
// automatic cleanup pass spec §4.6 requires on load. Caller must not
// hold mu (only called from newBase before the limiter is published).
func (b *base) loadLocked() {
	snap, err := b.backend.Load(context.Background())
	if err != nil {
		b.logger.Warn("quotaguard: state load failed, starting empty", "algorithm", b.algo, "error", err)
		return
	}
	for key, raw := range snap.State {
		state, err := b.hooks.unmarshalState(raw)
		if err != nil {
			b.logger.Warn("quotaguard: dropping malformed persisted key", "algorithm", b.algo, "key", key, "error", err)
			continue
		}
		b.states[key] = state
	}
	for key, rate := range snap.DynamicLimits {
		b.dynamicLimits[key] = rate
	}
	b.cleanupLocked(b.cfg.CleanupIntervalSeconds)
}

// getOrInit returns key's state, creating it via initializeKey on
// first touch. Caller must hold mu.
func (b *base) getOrInit(key string, now time.Time) any {
	state, ok := b.states[key]
	if !ok {
		state = b.hooks.initializeKey(now)
		b.states[key] = state
	}
	return state
}

// effectiveRate resolves the rate precedence of spec §4.2: dynamic
// overlay for key, then per-endpoint override × safety buffer, then
// default rate × safety buffer.
func (b *base) effectiveRate(key string) float64 {
	if rate, ok := b.dynamicLimits[key]; ok {
		return rate
	}
	if override, ok := b.cfg.EndpointLimits[key]; ok {
		return override * b.cfg.SafetyBuffer
	}
	return b.cfg.RatePerSecond * b.cfg.SafetyBuffer
}

func (b *base) markDirtyLocked() { b.dirty = true }

// IsAllowedN is the shared implementation of the admission contract.
func (b *base) IsAllowedN(key string, tokens int64) bool {
	if tokens < 1 {
		tokens = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state := b.getOrInit(key, now)
	rate := b.effectiveRate(key)
	b.hooks.refillOrDecay(state, now, rate)

	if b.hooks.admit(state, tokens, now, rate) {
		b.markDirtyLocked()
		return true
	}
	return false
}

const fallbackWaitMs int64 = 30000

// GetWaitTime is the shared implementation; a non-positive effective
// rate falls back to the 30s ceiling per spec §4.1.
func (b *base) GetWaitTime(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	rate := b.effectiveRate(key)
	if rate <= 0 {
		return fallbackWaitMs
	}
	state := b.getOrInit(key, now)
	b.hooks.refillOrDecay(state, now, rate)
	return b.hooks.computeWaitTime(state, 1, now, rate)
}

// WaitForAllowed cooperatively waits for admission, capping each
// sleep at capMs and flooring at 1ms to avoid a busy loop when the
// reported wait is zero but admission still fails.
func (b *base) WaitForAllowed(ctx context.Context, key string, tokens int64, maxWaitMs int64, capMs int64) bool {
	if tokens < 1 {
		tokens = 1
	}
	deadline := time.Duration(maxWaitMs) * time.Millisecond
	start := b.clock.Now()

	for {
		if b.IsAllowedN(key, tokens) {
			return true
		}
		elapsed := b.clock.Now().Sub(start)
		if elapsed >= deadline {
			return false
		}

		wait := b.GetWaitTime(key)
		sleepMs := wait
		if sleepMs > capMs {
			sleepMs = capMs
		}
		if sleepMs <= 0 {
			sleepMs = 1
		}
		remaining := deadline - elapsed
		sleepDur := time.Duration(sleepMs) * time.Millisecond
		if sleepDur > remaining {
			sleepDur = remaining
		}
		if sleepDur <= 0 {
			return false
		}

		timer := time.NewTimer(sleepDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (b *base) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[key] = b.hooks.resetState(b.clock.Now())
	delete(b.dynamicLimits, key)
	b.markDirtyLocked()
}

func (b *base) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[string]any)
	b.dynamicLimits = make(map[string]float64)
	b.markDirtyLocked()
}

func (b *base) GetTypedStatus(key string) StatusDTO {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked(key)
}

// statusLocked performs the refill/decay/expire step before rendering
// the snapshot, per spec §4.1.
func (b *base) statusLocked(key string) StatusDTO {
	now := b.clock.Now()
	rate := b.effectiveRate(key)
	state := b.getOrInit(key, now)
	if rate > 0 {
		b.hooks.refillOrDecay(state, now, rate)
	}
	raw, limited, usagePercent := b.hooks.computeStatusRaw(state, now, rate)
	waitMs := int64(0)
	if limited {
		if rate <= 0 {
			waitMs = fallbackWaitMs
		} else {
			waitMs = b.hooks.computeWaitTime(state, 1, now, rate)
		}
	}
	return StatusDTO{
		Algorithm:    b.algo,
		Key:          key,
		Limited:      limited,
		WaitTimeMs:   waitMs,
		UsagePercent: usagePercent,
		Raw:          raw,
	}
}

func (b *base) GetStatus(key string) map[string]any {
	return b.GetTypedStatus(key).toMap()
}

func (b *base) GetAllTypedStatuses() map[string]StatusDTO {
	b.mu.Lock()
	keys := make([]string, 0, len(b.states))
	for k := range b.states {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	out := make(map[string]StatusDTO, len(keys))
	for _, k := range keys {
		b.mu.Lock()
		out[k] = b.statusLocked(k)
		b.mu.Unlock()
	}
	return out
}

func (b *base) GetAllStatuses() map[string]map[string]any {
	typed := b.GetAllTypedStatuses()
	out := make(map[string]map[string]any, len(typed))
	for k, v := range typed {
		out[k] = v.toMap()
	}
	return out
}

// Cleanup removes dormant keys and reports the count removed.
func (b *base) Cleanup(maxAgeSeconds int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleanupLocked(maxAgeSeconds)
}

func (b *base) cleanupLocked(maxAgeSeconds int64) int {
	if maxAgeSeconds < 1 {
		maxAgeSeconds = b.cfg.CleanupIntervalSeconds
	}
	now := b.clock.Now()
	cutoff := now.Add(-time.Duration(maxAgeSeconds) * time.Second)
	removed := 0
	for key, state := range b.states {
		rate := b.effectiveRate(key)
		if rate > 0 {
			b.hooks.refillOrDecay(state, now, rate)
		}
		if b.hooks.isDormant(state, cutoff) {
			delete(b.states, key)
			delete(b.dynamicLimits, key)
			removed++
		}
	}
	if removed > 0 {
		b.markDirtyLocked()
	}
	return removed
}

// flattenHeaders joins multi-valued headers into single strings with
// ", " per spec §4.1, then maps internal field names to the caller's
// response header names via header_mappings, returning only the
// fields present in both.
func (b *base) flattenHeaders(key string, headers map[string][]string) map[string]string {
	flat := make(map[string]string, len(headers))
	for name, values := range headers {
		flat[name] = joinHeaderValues(values)
	}

	mappings := b.cfg.HeaderMappings
	fields := make(map[string]string)
	for internal, headerName := range mappings {
		if v, ok := flat[headerName]; ok && v != "" {
			fields[internal] = v
		}
	}
	return fields
}

func joinHeaderValues(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}

// UpdateFromHeaders reconciles key's state from a response's headers.
// Missing headers leave state unchanged; malformed numeric values are
// treated as absent per spec §7.
func (b *base) UpdateFromHeaders(key string, headers map[string][]string) {
	fields := b.flattenHeaders(key, headers)
	if len(fields) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state := b.getOrInit(key, now)
	rate := b.effectiveRate(key)
	b.hooks.refillOrDecay(state, now, rate)

	dynamicRate, has := b.hooks.reconcileFromHeaders(state, fields, b.cfg.SafetyBuffer, b.cfg.WindowSizeMs, now)
	if has {
		b.dynamicLimits[key] = dynamicRate
	}
	b.markDirtyLocked()
}

// Flush persists the current in-memory state regardless of the dirty
// flag. It is the only place a write happens — callers that want hard
// durability call it explicitly; teardown calls it once if dirty.
func (b *base) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.backend == nil {
		b.mu.Unlock()
		return nil
	}
	snap := &store.Snapshot{
		State:         make(map[string]json.RawMessage, len(b.states)),
		DynamicLimits: make(map[string]float64, len(b.dynamicLimits)),
		Timestamp:     float64(b.clock.Now().UnixNano()) / 1e9,
	}
	for key, state := range b.states {
		raw, err := b.hooks.marshalState(state)
		if err != nil {
			b.mu.Unlock()
			return &PersistenceError{Op: "marshal", Err: err}
		}
		snap.State[key] = raw
	}
	for key, rate := range b.dynamicLimits {
		snap.DynamicLimits[key] = rate
	}
	backend := b.backend
	b.dirty = false
	b.mu.Unlock()

	if err := backend.Save(ctx, snap); err != nil {
		b.logger.Warn("quotaguard: flush failed", "algorithm", b.algo, "error", err)
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// Close flushes if dirty and returns. It is tied to the limiter
// handle's own teardown path, never a process-global hook.
func (b *base) Close(ctx context.Context) error {
	b.mu.Lock()
	dirty := b.dirty
	b.mu.Unlock()
	if !dirty {
		return nil
	}
	return b.Flush(ctx)
}

// cacheIdentityHash derives the short hex identity used in the shared
// cache-key format "four_rl_<algo_prefix>_<8-hex-chars>" from the
// state-file path if present, else the (rate, burst, window) tuple.
func cacheIdentityHash(cfg *Config) string {
	var material string
	if cfg.StateFile != "" {
		material = cfg.StateFile
	} else {
		material = fmt.Sprintf("%g|%d|%d", cfg.RatePerSecond, cfg.BurstCapacity, cfg.WindowSizeMs)
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:8]
}

func algoPrefix(algo AlgorithmTag) string {
	switch algo {
	case AlgorithmTokenBucket:
		return "tb"
	case AlgorithmFixedWindow:
		return "fw"
	case AlgorithmSlidingWindow:
		return "sw"
	case AlgorithmLeakyBucket:
		return "lb"
	default:
		return "xx"
	}
}

// cacheKey renders the "four_rl_<algo_prefix>_<8-hex>" format of spec §6.
func cacheKey(cfg *Config, algo AlgorithmTag) string {
	return fmt.Sprintf("four_rl_%s_%s", algoPrefix(algo), cacheIdentityHash(cfg))
}

// roundCeilMs converts a wait time in seconds to whole milliseconds,
// rounding up, while guarding against NaN/Inf producing a nonsensical
// wait.
func roundCeilMs(seconds float64) int64 {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0
	}
	return int64(math.Ceil(seconds * 1000))
}
