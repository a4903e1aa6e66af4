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

// FixedWindow counts admissions in discrete windows of WindowSizeMs,
// resetting the counter hard at each boundary. Requests made just
// before and just after a boundary can cluster (the accepted
// "bunny-hop" behavior of this algorithm) — callers who need a smooth
// rate should prefer sliding window.
//
// It additionally tracks daily and hourly ceilings reconciled from
// response headers, layered on top of the primary window count.
type FixedWindow struct {
	*base
}

type fixedWindowState struct {
	count       int64
	windowStart time.Time

	dailyCount       int64
	dailyLimit       int64
	dailyWindowStart time.Time

	hourlyCount       int64
	hourlyLimit       int64
	hourlyWindowStart time.Time
}

type fixedWindowStateJSON struct {
	Count             int64   `json:"count"`
	WindowStart       float64 `json:"window_start"`
	DailyCount        int64   `json:"daily_count"`
	DailyLimit        int64   `json:"daily_limit"`
	DailyWindowStart  float64 `json:"daily_window_start"`
	HourlyCount       int64   `json:"hourly_count"`
	HourlyLimit       int64   `json:"hourly_limit"`
	HourlyWindowStart float64 `json:"hourly_window_start"`
}

const (
	dayDuration  = 24 * time.Hour
	hourDuration = time.Hour
)

func newFixedWindow(cfg *Config, backend store.Backend, logger *slog.Logger, clk clock.Clock) *FixedWindow {
	fw := &FixedWindow{}
	fw.base = newBase(cfg, AlgorithmFixedWindow, fw, backend, logger, clk)
	return fw
}

func (fw *FixedWindow) windowDuration() time.Duration {
	return time.Duration(fw.cfg.WindowSizeMs) * time.Millisecond
}

// effectiveLimit is ceil(rate * window_seconds), floored at 1.
func (fw *FixedWindow) effectiveLimit(rate float64) int64 {
	seconds := fw.windowDuration().Seconds()
	limit := int64(math.Ceil(rate * seconds))
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (fw *FixedWindow) initializeKey(now time.Time) any {
	return &fixedWindowState{
		windowStart:       now,
		dailyWindowStart:  now,
		hourlyWindowStart: now,
	}
}

func (fw *FixedWindow) resetState(now time.Time) any { return fw.initializeKey(now) }

func (fw *FixedWindow) refillOrDecay(s any, now time.Time, rate float64) {
	st := s.(*fixedWindowState)
	if now.Sub(st.windowStart) >= fw.windowDuration() {
		st.count = 0
		st.windowStart = now
	}
	if now.Sub(st.dailyWindowStart) >= dayDuration {
		st.dailyCount = 0
		st.dailyWindowStart = now
	}
	if now.Sub(st.hourlyWindowStart) >= hourDuration {
		st.hourlyCount = 0
		st.hourlyWindowStart = now
	}
}

func (fw *FixedWindow) admit(s any, tokens int64, now time.Time, rate float64) bool {
	st := s.(*fixedWindowState)
	limit := fw.effectiveLimit(rate)
	if st.count+tokens > limit {
		return false
	}
	if st.dailyLimit > 0 && st.dailyCount+tokens > st.dailyLimit {
		return false
	}
	if st.hourlyLimit > 0 && st.hourlyCount+tokens > st.hourlyLimit {
		return false
	}
	st.count += tokens
	st.dailyCount += tokens
	st.hourlyCount += tokens
	return true
}

func (fw *FixedWindow) computeWaitTime(s any, tokens int64, now time.Time, rate float64) int64 {
	st := s.(*fixedWindowState)
	limit := fw.effectiveLimit(rate)

	waits := []int64{}
	if st.count+tokens > limit {
		waits = append(waits, roundCeilMs(st.windowStart.Add(fw.windowDuration()).Sub(now).Seconds()))
	}
	if st.dailyLimit > 0 && st.dailyCount+tokens > st.dailyLimit {
		waits = append(waits, roundCeilMs(st.dailyWindowStart.Add(dayDuration).Sub(now).Seconds()))
	}
	if st.hourlyLimit > 0 && st.hourlyCount+tokens > st.hourlyLimit {
		waits = append(waits, roundCeilMs(st.hourlyWindowStart.Add(hourDuration).Sub(now).Seconds()))
	}
	if len(waits) == 0 {
		return 0
	}
	max := waits[0]
	for _, w := range waits[1:] {
		if w > max {
			max = w
		}
	}
	return max
}

func (fw *FixedWindow) computeStatusRaw(s any, now time.Time, rate float64) (map[string]any, bool, float64) {
	st := s.(*fixedWindowState)
	limit := fw.effectiveLimit(rate)
	usage := 0.0
	if limit > 0 {
		usage = (float64(st.count) / float64(limit)) * 100
		if usage > 100 {
			usage = 100
		}
	}
	raw := map[string]any{
		"count":      st.count,
		"limit":      limit,
		"window_end": float64(st.windowStart.Add(fw.windowDuration()).UnixNano()) / 1e9,
	}
	if st.dailyLimit > 0 {
		raw["daily_remaining"] = st.dailyLimit - st.dailyCount
	}
	if st.hourlyLimit > 0 {
		raw["hourly_remaining"] = st.hourlyLimit - st.hourlyCount
	}
	return raw, st.count >= limit, usage
}

// reconcileFromHeaders layers daily/hourly ceilings on top of the
// window count and projects a reported daily_remaining onto the
// current window so a near-exhausted daily budget throttles sooner
// than the window count alone would. Availability never increases: the
// window count is only ever raised to match a tighter server view.
func (fw *FixedWindow) reconcileFromHeaders(s any, fields map[string]string, safetyBuffer float64, windowSizeMs int64, now time.Time) (float64, bool) {
	st := s.(*fixedWindowState)
	rate := 0.0
	if limit, ok := parseFloatField(fields, HeaderFieldLimit); ok {
		rate = perSecondRate(limit, windowSizeMs, safetyBuffer)
	}
	limit := fw.effectiveLimit(rate)
	if rate == 0 {
		limit = fw.effectiveLimit(0)
	}

	if remaining, ok := parseFloatField(fields, HeaderFieldRemaining); ok {
		implied := int64(float64(limit) - remaining)
		if implied > st.count {
			st.count = implied
		}
	}

	if dailyLimit, ok := parseIntField(fields, HeaderFieldDailyLimit); ok {
		st.dailyLimit = dailyLimit
	}
	if hourlyLimit, ok := parseIntField(fields, HeaderFieldHourlyLimit); ok {
		st.hourlyLimit = hourlyLimit
	}
	if dailyRemaining, ok := parseFloatField(fields, HeaderFieldDailyRemaining); ok && st.dailyLimit > 0 {
		impliedDaily := int64(float64(st.dailyLimit) - dailyRemaining)
		if impliedDaily > st.dailyCount {
			st.dailyCount = impliedDaily
		}
		if dailyRemaining < float64(limit-st.count) {
			projected := limit - int64(dailyRemaining)
			if projected > st.count {
				st.count = projected
			}
		}
	}

	dynamicRate, hasRate := 0.0, false
	if limitVal, ok := parseFloatField(fields, HeaderFieldLimit); ok {
		dynamicRate = perSecondRate(limitVal, windowSizeMs, safetyBuffer)
		hasRate = true
	}

	if retryAfter, ok := parseIntField(fields, HeaderFieldRetryAfter); ok && retryAfter > 0 {
		st.count = limit
	}

	return dynamicRate, hasRate
}

func (fw *FixedWindow) isDormant(s any, cutoff time.Time) bool {
	st := s.(*fixedWindowState)
	return st.windowStart.Before(cutoff) && st.count == 0
}

func (fw *FixedWindow) marshalState(s any) (json.RawMessage, error) {
	st := s.(*fixedWindowState)
	return json.Marshal(fixedWindowStateJSON{
		Count:             st.count,
		WindowStart:       float64(st.windowStart.UnixNano()) / 1e9,
		DailyCount:        st.dailyCount,
		DailyLimit:        st.dailyLimit,
		DailyWindowStart:  float64(st.dailyWindowStart.UnixNano()) / 1e9,
		HourlyCount:       st.hourlyCount,
		HourlyLimit:       st.hourlyLimit,
		HourlyWindowStart: float64(st.hourlyWindowStart.UnixNano()) / 1e9,
	})
}

func secsToTime(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func (fw *FixedWindow) unmarshalState(raw json.RawMessage) (any, error) {
	var j fixedWindowStateJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &fixedWindowState{
		count:             j.Count,
		windowStart:       secsToTime(j.WindowStart),
		dailyCount:        j.DailyCount,
		dailyLimit:        j.DailyLimit,
		dailyWindowStart:  secsToTime(j.DailyWindowStart),
		hourlyCount:       j.HourlyCount,
		hourlyLimit:       j.HourlyLimit,
		hourlyWindowStart: secsToTime(j.HourlyWindowStart),
	}, nil
}

// IsAllowed admits a single-token request for key.
func (fw *FixedWindow) IsAllowed(key string) bool { return fw.IsAllowedN(key, 1) }

// WaitForAllowed polls for admission, capping each sleep at waitPollCapMs.
func (fw *FixedWindow) WaitForAllowed(ctx context.Context, key string, tokens int64, maxWaitMs int64) bool {
	return fw.base.WaitForAllowed(ctx, key, tokens, maxWaitMs, waitPollCapMs)
}

var (
	_ Limiter = (*FixedWindow)(nil)
	_ hooks   = (*FixedWindow)(nil)
)
