package quotaguard

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
	"github.com/arvind-natarajan/quotaguard/store"
)

// LeakyBucket starts empty and fills on admit, draining continuously
// at the effective rate. A request is admitted only if the bucket has
// room for it; it never back-pressures existing queued work.
type LeakyBucket struct {
	*base
}

type leakyBucketState struct {
	level    float64
	lastLeak time.Time
}

type leakyBucketStateJSON struct {
	Level    float64 `json:"level"`
	LastLeak float64 `json:"last_leak"`
}

func newLeakyBucket(cfg *Config, backend store.Backend, logger *slog.Logger, clk clock.Clock) *LeakyBucket {
	lb := &LeakyBucket{}
	lb.base = newBase(cfg, AlgorithmLeakyBucket, lb, backend, logger, clk)
	return lb
}

func (lb *LeakyBucket) capacity() float64 { return float64(lb.cfg.BurstCapacity) }

func (lb *LeakyBucket) initializeKey(now time.Time) any {
	return &leakyBucketState{level: 0, lastLeak: now}
}

func (lb *LeakyBucket) resetState(now time.Time) any {
	return lb.initializeKey(now)
}

// refillOrDecay drains the bucket toward empty. lastLeak advances even
// when level is already zero, so a long idle gap never accrues drain
// "debt" that would otherwise look like instantaneous extra capacity.
func (lb *LeakyBucket) refillOrDecay(s any, now time.Time, rate float64) {
	st := s.(*leakyBucketState)
	elapsed := now.Sub(st.lastLeak).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	st.level -= elapsed * rate
	if st.level < 0 {
		st.level = 0
	}
	st.lastLeak = now
}

func (lb *LeakyBucket) admit(s any, tokens int64, now time.Time, rate float64) bool {
	st := s.(*leakyBucketState)
	capv := lb.capacity()
	need := float64(tokens)
	if st.level+need > capv {
		return false
	}
	st.level += need
	return true
}

func (lb *LeakyBucket) computeWaitTime(s any, tokens int64, now time.Time, rate float64) int64 {
	st := s.(*leakyBucketState)
	capv := lb.capacity()
	over := st.level + float64(tokens) - capv
	if over <= 0 {
		return 0
	}
	if rate <= 0 {
		return fallbackWaitMs
	}
	return roundCeilMs(over / rate)
}

func (lb *LeakyBucket) computeStatusRaw(s any, now time.Time, rate float64) (map[string]any, bool, float64) {
	st := s.(*leakyBucketState)
	capv := lb.capacity()
	usage := 0.0
	if capv > 0 {
		usage = (st.level / capv) * 100
		if usage < 0 {
			usage = 0
		}
		if usage > 100 {
			usage = 100
		}
	}
	raw := map[string]any{
		"level":    st.level,
		"capacity": capv,
	}
	return raw, st.level+1 > capv, usage
}

func (lb *LeakyBucket) reconcileFromHeaders(s any, fields map[string]string, safetyBuffer float64, windowSizeMs int64, now time.Time) (float64, bool) {
	st := s.(*leakyBucketState)
	capv := lb.capacity()

	if remaining, ok := parseFloatField(fields, HeaderFieldRemaining); ok {
		impliedLevel := capv - remaining
		if impliedLevel > st.level {
			st.level = impliedLevel
		}
	}

	dynamicRate, hasRate := 0.0, false
	if limit, ok := parseFloatField(fields, HeaderFieldLimit); ok {
		dynamicRate = perSecondRate(limit, windowSizeMs, safetyBuffer)
		hasRate = true
	}

	if retryAfter, ok := parseIntField(fields, HeaderFieldRetryAfter); ok && retryAfter > 0 {
		st.level = capv
		st.lastLeak = now
	}

	return dynamicRate, hasRate
}

func (lb *LeakyBucket) isDormant(s any, cutoff time.Time) bool {
	st := s.(*leakyBucketState)
	return st.level <= 0 && st.lastLeak.Before(cutoff)
}

func (lb *LeakyBucket) marshalState(s any) (json.RawMessage, error) {
	st := s.(*leakyBucketState)
	return json.Marshal(leakyBucketStateJSON{
		Level:    st.level,
		LastLeak: float64(st.lastLeak.UnixNano()) / 1e9,
	})
}

func (lb *LeakyBucket) unmarshalState(raw json.RawMessage) (any, error) {
	var j leakyBucketStateJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	sec := int64(j.LastLeak)
	nsec := int64((j.LastLeak - float64(sec)) * 1e9)
	return &leakyBucketState{level: j.Level, lastLeak: time.Unix(sec, nsec)}, nil
}

// IsAllowed admits a single-token request for key.
func (lb *LeakyBucket) IsAllowed(key string) bool { return lb.IsAllowedN(key, 1) }

// WaitForAllowed polls for admission, capping each sleep at waitPollCapMs.
func (lb *LeakyBucket) WaitForAllowed(ctx context.Context, key string, tokens int64, maxWaitMs int64) bool {
	return lb.base.WaitForAllowed(ctx, key, tokens, maxWaitMs, waitPollCapMs)
}

var (
	_ Limiter = (*LeakyBucket)(nil)
	_ hooks   = (*LeakyBucket)(nil)
)
