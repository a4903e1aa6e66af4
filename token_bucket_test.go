package quotaguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
)

func newTestTokenBucket(t *testing.T, rate float64, burst int64, start time.Time) (*TokenBucket, *clock.Mock) {
	t.Helper()
	cfg, err := NewConfig(AlgorithmTokenBucket, rate, burst, WithSafetyBuffer(1), WithHeaderMappings(map[string]string{
		HeaderFieldRemaining: "X-RateLimit-Remaining",
		HeaderFieldLimit:     "X-RateLimit-Limit",
	}))
	require.NoError(t, err)
	mock := clock.NewMock(start)
	return newTokenBucket(cfg, nil, nil, mock), mock
}

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	start := time.Unix(0, 0)
	tb, _ := newTestTokenBucket(t, 1, 3, start)

	require.True(t, tb.IsAllowed("k"))
	require.True(t, tb.IsAllowed("k"))
	require.True(t, tb.IsAllowed("k"))
	require.False(t, tb.IsAllowed("k"))
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	start := time.Unix(0, 0)
	tb, mock := newTestTokenBucket(t, 1, 1, start)

	require.True(t, tb.IsAllowed("k"))
	require.False(t, tb.IsAllowed("k"))

	mock.Advance(1100 * time.Millisecond)
	require.True(t, tb.IsAllowed("k"))
}

func TestTokenBucket_CapacityNeverExceedsBurst(t *testing.T) {
	start := time.Unix(0, 0)
	tb, mock := newTestTokenBucket(t, 10, 2, start)

	mock.Advance(10 * time.Second)
	status := tb.GetTypedStatus("k")
	require.LessOrEqual(t, status.Raw["tokens"].(float64), 2.0)
}

func TestTokenBucket_ResetRestoresFullCapacity(t *testing.T) {
	start := time.Unix(0, 0)
	tb, _ := newTestTokenBucket(t, 1, 2, start)

	require.True(t, tb.IsAllowedN("k", 2))
	require.False(t, tb.IsAllowed("k"))

	tb.Reset("k")
	require.True(t, tb.IsAllowedN("k", 2))
}

func TestTokenBucket_WaitForAllowedSucceedsWithinBudget(t *testing.T) {
	start := time.Unix(0, 0)
	tb, mock := newTestTokenBucket(t, 1000, 1, start)

	require.True(t, tb.IsAllowed("k"))
	// The mock clock is frozen; advance it while WaitForAllowed polls so
	// the 1ms refill can happen.
	go func() {
		time.Sleep(5 * time.Millisecond)
		mock.Advance(2 * time.Millisecond)
	}()
	ok := tb.WaitForAllowed(context.Background(), "k", 1, 50)
	require.True(t, ok)
}

func TestTokenBucket_UpdateFromHeadersNeverRaisesAvailability(t *testing.T) {
	start := time.Unix(0, 0)
	tb, _ := newTestTokenBucket(t, 1, 10, start)

	status := tb.GetTypedStatus("k")
	require.InDelta(t, 10.0, status.Raw["tokens"].(float64), 0.001)

	tb.UpdateFromHeaders("k", map[string][]string{
		"X-RateLimit-Remaining": {"2"},
	})

	status = tb.GetTypedStatus("k")
	require.LessOrEqual(t, status.Raw["tokens"].(float64), 2.0)
}

func TestTokenBucket_MalformedHeaderTreatedAsAbsent(t *testing.T) {
	start := time.Unix(0, 0)
	tb, _ := newTestTokenBucket(t, 1, 5, start)

	before := tb.GetTypedStatus("k")
	tb.UpdateFromHeaders("k", map[string][]string{
		"X-RateLimit-Remaining": {"not-a-number"},
	})
	after := tb.GetTypedStatus("k")
	require.Equal(t, before.Raw["tokens"], after.Raw["tokens"])
}

func TestTokenBucket_HeaderLimitLowersCapacityAndNeverRaisesIt(t *testing.T) {
	start := time.Unix(0, 0)
	tb, _ := newTestTokenBucket(t, 1, 10, start)

	tb.UpdateFromHeaders("k", map[string][]string{
		"X-RateLimit-Limit": {"4"},
	})
	status := tb.GetTypedStatus("k")
	require.LessOrEqual(t, status.Raw["capacity"].(float64), 4.0)
	require.LessOrEqual(t, status.Raw["tokens"].(float64), 4.0)

	// A later, larger limit must not raise capacity back up.
	tb.UpdateFromHeaders("k", map[string][]string{
		"X-RateLimit-Limit": {"9"},
	})
	status = tb.GetTypedStatus("k")
	require.LessOrEqual(t, status.Raw["capacity"].(float64), 4.0)
}

func TestTokenBucket_CleanupRemovesDormantKeys(t *testing.T) {
	start := time.Unix(0, 0)
	tb, mock := newTestTokenBucket(t, 1, 5, start)

	tb.IsAllowed("k1")
	mock.Advance(2 * time.Hour)
	removed := tb.Cleanup(3600)
	require.Equal(t, 1, removed)
}
