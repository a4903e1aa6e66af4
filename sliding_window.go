package quotaguard

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
	"github.com/arvind-natarajan/quotaguard/store"
)

// SlidingWindow tracks individual admission timestamps in a rolling
// window, giving a smoother rate than fixed window at the cost of
// remembering more state. Oldest-timestamp access and eviction are
// O(1) amortized via timestampRing, never a full slice scan.
type SlidingWindow struct {
	*base
}

// timestampRing is a growable circular buffer of timestamps in
// insertion (therefore chronological) order, supporting O(1)
// amortized push-back and pop-front.
type timestampRing struct {
	buf   []time.Time
	head  int
	count int
}

func newTimestampRing() *timestampRing {
	return &timestampRing{buf: make([]time.Time, 8)}
}

func (r *timestampRing) len() int { return r.count }

func (r *timestampRing) at(i int) time.Time {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *timestampRing) front() time.Time { return r.at(0) }

func (r *timestampRing) popFront() {
	r.head = (r.head + 1) % len(r.buf)
	r.count--
}

func (r *timestampRing) pushBack(t time.Time) {
	if r.count == len(r.buf) {
		r.grow()
	}
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = t
	r.count++
}

func (r *timestampRing) grow() {
	newBuf := make([]time.Time, len(r.buf)*2)
	for i := 0; i < r.count; i++ {
		newBuf[i] = r.at(i)
	}
	r.buf = newBuf
	r.head = 0
}

func (r *timestampRing) ordered() []time.Time {
	out := make([]time.Time, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.at(i)
	}
	return out
}

type slidingWindowState struct {
	ring      *timestampRing
	lastTouch time.Time
}

type slidingWindowStateJSON struct {
	Timestamps []float64 `json:"timestamps"`
	LastTouch  float64   `json:"last_touch"`
}

func newSlidingWindow(cfg *Config, backend store.Backend, logger *slog.Logger, clk clock.Clock) *SlidingWindow {
	sw := &SlidingWindow{}
	sw.base = newBase(cfg, AlgorithmSlidingWindow, sw, backend, logger, clk)
	return sw
}

func (sw *SlidingWindow) windowDuration() time.Duration {
	return time.Duration(sw.cfg.WindowSizeMs) * time.Millisecond
}

func (sw *SlidingWindow) effectiveLimit(rate float64) int64 {
	limit := int64(math.Floor(rate * sw.windowDuration().Seconds()))
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (sw *SlidingWindow) initializeKey(now time.Time) any {
	return &slidingWindowState{ring: newTimestampRing(), lastTouch: now}
}

func (sw *SlidingWindow) resetState(now time.Time) any { return sw.initializeKey(now) }

func (sw *SlidingWindow) refillOrDecay(s any, now time.Time, rate float64) {
	st := s.(*slidingWindowState)
	cutoff := now.Add(-sw.windowDuration())
	for st.ring.len() > 0 && st.ring.front().Before(cutoff) {
		st.ring.popFront()
	}
	st.lastTouch = now
}

func (sw *SlidingWindow) admit(s any, tokens int64, now time.Time, rate float64) bool {
	st := s.(*slidingWindowState)
	limit := sw.effectiveLimit(rate)
	if int64(st.ring.len())+tokens > limit {
		return false
	}
	for i := int64(0); i < tokens; i++ {
		st.ring.pushBack(now)
	}
	return true
}

func (sw *SlidingWindow) computeWaitTime(s any, tokens int64, now time.Time, rate float64) int64 {
	st := s.(*slidingWindowState)
	limit := sw.effectiveLimit(rate)
	overflow := int64(st.ring.len()) + tokens - limit
	if overflow <= 0 {
		return 0
	}
	if int64(st.ring.len()) < overflow {
		return fallbackWaitMs
	}
	// The overflow-th oldest timestamp (1-indexed) must expire before
	// there is room; its expiry is front-index (overflow-1).
	oldest := st.ring.at(int(overflow - 1))
	return roundCeilMs(oldest.Add(sw.windowDuration()).Sub(now).Seconds())
}

func (sw *SlidingWindow) computeStatusRaw(s any, now time.Time, rate float64) (map[string]any, bool, float64) {
	st := s.(*slidingWindowState)
	limit := sw.effectiveLimit(rate)
	count := st.ring.len()
	usage := 0.0
	if limit > 0 {
		usage = (float64(count) / float64(limit)) * 100
		if usage > 100 {
			usage = 100
		}
	}
	raw := map[string]any{
		"count": count,
		"limit": limit,
	}
	return raw, int64(count) >= limit, usage
}

// reconcileFromHeaders synthesizes phantom timestamps staggered ~1ms
// apart, ending 1ms before now and never earlier than the newest stored
// timestamp, when the server reports less remaining capacity than the
// local window accounts for. It never removes real timestamps, so
// local availability never exceeds the server's view.
func (sw *SlidingWindow) reconcileFromHeaders(s any, fields map[string]string, safetyBuffer float64, windowSizeMs int64, now time.Time) (float64, bool) {
	st := s.(*slidingWindowState)

	dynamicRate, hasRate := 0.0, false
	if limit, ok := parseFloatField(fields, HeaderFieldLimit); ok {
		dynamicRate = perSecondRate(limit, windowSizeMs, safetyBuffer)
		hasRate = true
	}

	effRate := sw.cfg.RatePerSecond * safetyBuffer
	if hasRate {
		effRate = dynamicRate
	}
	limit := sw.effectiveLimit(effRate)

	if remaining, ok := parseFloatField(fields, HeaderFieldRemaining); ok {
		implied := limit - int64(remaining)
		deficit := implied - int64(st.ring.len())
		if deficit > 0 {
			for i := int64(0); i < deficit; i++ {
				ts := now.Add(-time.Duration(deficit-i) * time.Millisecond)
				if n := st.ring.len(); n > 0 && ts.Before(st.ring.at(n-1)) {
					ts = st.ring.at(n - 1)
				}
				st.ring.pushBack(ts)
			}
		}
	}

	if retryAfter, ok := parseIntField(fields, HeaderFieldRetryAfter); ok && retryAfter > 0 {
		for int64(st.ring.len()) < limit {
			st.ring.pushBack(now)
		}
	}

	return dynamicRate, hasRate
}

func (sw *SlidingWindow) isDormant(s any, cutoff time.Time) bool {
	st := s.(*slidingWindowState)
	return st.ring.len() == 0 && st.lastTouch.Before(cutoff)
}

func (sw *SlidingWindow) marshalState(s any) (json.RawMessage, error) {
	st := s.(*slidingWindowState)
	ordered := st.ring.ordered()
	ts := make([]float64, len(ordered))
	for i, t := range ordered {
		ts[i] = float64(t.UnixNano()) / 1e9
	}
	return json.Marshal(slidingWindowStateJSON{
		Timestamps: ts,
		LastTouch:  float64(st.lastTouch.UnixNano()) / 1e9,
	})
}

func (sw *SlidingWindow) unmarshalState(raw json.RawMessage) (any, error) {
	var j slidingWindowStateJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	ring := newTimestampRing()
	for _, f := range j.Timestamps {
		ring.pushBack(secsToTime(f))
	}
	return &slidingWindowState{ring: ring, lastTouch: secsToTime(j.LastTouch)}, nil
}

// IsAllowed admits a single-token request for key.
func (sw *SlidingWindow) IsAllowed(key string) bool { return sw.IsAllowedN(key, 1) }

// WaitForAllowed polls for admission, capping each sleep at waitPollCapMs.
func (sw *SlidingWindow) WaitForAllowed(ctx context.Context, key string, tokens int64, maxWaitMs int64) bool {
	return sw.base.WaitForAllowed(ctx, key, tokens, maxWaitMs, waitPollCapMs)
}

var (
	_ Limiter = (*SlidingWindow)(nil)
	_ hooks   = (*SlidingWindow)(nil)
)
