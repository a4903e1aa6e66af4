package quotaguard

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
	"github.com/arvind-natarajan/quotaguard/store"
)

// waitPollCapMs bounds how long a single WaitForAllowed sleep can be,
// so a key whose wait time briefly reports a large value still wakes
// up to re-check sooner.
const waitPollCapMs int64 = 1000

// TokenBucket admits bursts up to BurstCapacity and refills
// continuously at the effective rate. Capacity starts at
// cfg.BurstCapacity — never max(burst, rate) — a bug this algorithm
// deliberately does not reproduce. Header reconciliation may lower a
// key's capacity below that default; it is never raised back up.
type TokenBucket struct {
	*base
}

type tokenBucketState struct {
	tokens     float64
	capacity   float64
	lastRefill time.Time
}

type tokenBucketStateJSON struct {
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	LastRefill float64 `json:"last_refill"`
}

func newTokenBucket(cfg *Config, backend store.Backend, logger *slog.Logger, clk clock.Clock) *TokenBucket {
	tb := &TokenBucket{}
	tb.base = newBase(cfg, AlgorithmTokenBucket, tb, backend, logger, clk)
	return tb
}

// capacityDefault is the configured burst capacity before any
// header-driven reduction.
func (tb *TokenBucket) capacityDefault() float64 { return float64(tb.cfg.BurstCapacity) }

func (tb *TokenBucket) initializeKey(now time.Time) any {
	return &tokenBucketState{tokens: tb.capacityDefault(), capacity: tb.capacityDefault(), lastRefill: now}
}

func (tb *TokenBucket) resetState(now time.Time) any {
	return tb.initializeKey(now)
}

func (tb *TokenBucket) refillOrDecay(s any, now time.Time, rate float64) {
	st := s.(*tokenBucketState)
	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	st.tokens += elapsed * rate
	if st.tokens > st.capacity {
		st.tokens = st.capacity
	}
	st.lastRefill = now
}

func (tb *TokenBucket) admit(s any, tokens int64, now time.Time, rate float64) bool {
	st := s.(*tokenBucketState)
	need := float64(tokens)
	if need > st.tokens {
		return false
	}
	st.tokens -= need
	return true
}

func (tb *TokenBucket) computeWaitTime(s any, tokens int64, now time.Time, rate float64) int64 {
	st := s.(*tokenBucketState)
	need := float64(tokens) - st.tokens
	if need <= 0 {
		return 0
	}
	if rate <= 0 {
		return fallbackWaitMs
	}
	return roundCeilMs(need / rate)
}

func (tb *TokenBucket) computeStatusRaw(s any, now time.Time, rate float64) (map[string]any, bool, float64) {
	st := s.(*tokenBucketState)
	capv := st.capacity
	usage := 0.0
	if capv > 0 {
		usage = (1 - st.tokens/capv) * 100
		if usage < 0 {
			usage = 0
		}
		if usage > 100 {
			usage = 100
		}
	}
	raw := map[string]any{
		"tokens":   st.tokens,
		"capacity": capv,
	}
	return raw, st.tokens < 1, usage
}

// reconcileFromHeaders never raises tokens or capacity, only lowers
// them. A server-advertised integer limit tightens the key's capacity
// ceiling for good; it is never raised back toward cfg.BurstCapacity
// by a later, larger limit header.
func (tb *TokenBucket) reconcileFromHeaders(s any, fields map[string]string, safetyBuffer float64, windowSizeMs int64, now time.Time) (float64, bool) {
	st := s.(*tokenBucketState)

	dynamicRate, hasRate := 0.0, false
	if limit, ok := parseFloatField(fields, HeaderFieldLimit); ok {
		dynamicRate = perSecondRate(limit, windowSizeMs, safetyBuffer)
		hasRate = true

		if newCap := float64(int64(limit)); newCap < st.capacity {
			st.capacity = newCap
			if st.tokens > st.capacity {
				st.tokens = st.capacity
			}
		}
	}

	if remaining, ok := parseFloatField(fields, HeaderFieldRemaining); ok && remaining < st.tokens {
		st.tokens = remaining
	}

	if retryAfter, ok := parseIntField(fields, HeaderFieldRetryAfter); ok && retryAfter > 0 {
		st.tokens = 0
		st.lastRefill = now
	}

	return dynamicRate, hasRate
}

func (tb *TokenBucket) isDormant(s any, cutoff time.Time) bool {
	st := s.(*tokenBucketState)
	return st.lastRefill.Before(cutoff) && st.tokens >= st.capacity
}

func (tb *TokenBucket) marshalState(s any) (json.RawMessage, error) {
	st := s.(*tokenBucketState)
	return json.Marshal(tokenBucketStateJSON{
		Tokens:     st.tokens,
		Capacity:   st.capacity,
		LastRefill: float64(st.lastRefill.UnixNano()) / 1e9,
	})
}

func (tb *TokenBucket) unmarshalState(raw json.RawMessage) (any, error) {
	var j tokenBucketStateJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	sec := int64(j.LastRefill)
	nsec := int64((j.LastRefill - float64(sec)) * 1e9)
	capv := j.Capacity
	if capv <= 0 {
		capv = tb.capacityDefault()
	}
	return &tokenBucketState{tokens: j.Tokens, capacity: capv, lastRefill: time.Unix(sec, nsec)}, nil
}

// IsAllowed admits a single-token request for key.
func (tb *TokenBucket) IsAllowed(key string) bool { return tb.IsAllowedN(key, 1) }

// WaitForAllowed polls for admission, capping each sleep at waitPollCapMs.
func (tb *TokenBucket) WaitForAllowed(ctx context.Context, key string, tokens int64, maxWaitMs int64) bool {
	return tb.base.WaitForAllowed(ctx, key, tokens, maxWaitMs, waitPollCapMs)
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ hooks   = (*TokenBucket)(nil)
)
