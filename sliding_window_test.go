package quotaguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
)

func newTestSlidingWindow(t *testing.T, rate float64, burst int64, windowMs int64, start time.Time) (*SlidingWindow, *clock.Mock) {
	t.Helper()
	cfg, err := NewConfig(AlgorithmSlidingWindow, rate, burst, WithSafetyBuffer(1), WithWindowSizeMs(windowMs),
		WithHeaderMappings(map[string]string{
			HeaderFieldLimit:     "X-RateLimit-Limit",
			HeaderFieldRemaining: "X-RateLimit-Remaining",
		}))
	require.NoError(t, err)
	mock := clock.NewMock(start)
	return newSlidingWindow(cfg, nil, nil, mock), mock
}

func TestSlidingWindow_AdmitsUpToLimitThenDenies(t *testing.T) {
	start := time.Unix(0, 0)
	sw, _ := newTestSlidingWindow(t, 3.0/5.0, 3, 5000, start)

	require.True(t, sw.IsAllowed("k"))
	require.True(t, sw.IsAllowed("k"))
	require.True(t, sw.IsAllowed("k"))
	require.False(t, sw.IsAllowed("k"))
}

func TestSlidingWindow_RollsSmoothlyNotAtHardBoundary(t *testing.T) {
	start := time.Unix(0, 0)
	sw, mock := newTestSlidingWindow(t, 2.0/4.0, 2, 4000, start)

	require.True(t, sw.IsAllowed("k"))
	mock.Advance(2 * time.Second)
	require.True(t, sw.IsAllowed("k"))
	require.False(t, sw.IsAllowed("k"))

	// First admission ages out of the window after 4s from t=0; the
	// second is still within it until t=6s.
	mock.Advance(2100 * time.Millisecond)
	require.True(t, sw.IsAllowed("k"))
}

func TestSlidingWindow_OldestEvictionIsRingBased(t *testing.T) {
	start := time.Unix(0, 0)
	sw, _ := newTestSlidingWindow(t, 1000, 4, 1000, start)

	ring := newTimestampRing()
	for i := 0; i < 20; i++ {
		ring.pushBack(start.Add(time.Duration(i) * time.Millisecond))
	}
	require.Equal(t, 20, ring.len())
	require.Equal(t, start, ring.front())
	ring.popFront()
	require.Equal(t, start.Add(time.Millisecond), ring.front())
	require.Equal(t, 19, ring.len())
	_ = sw
}

func TestSlidingWindow_ResetClearsTimestamps(t *testing.T) {
	start := time.Unix(0, 0)
	sw, _ := newTestSlidingWindow(t, 1.0/60.0, 1, 60000, start)

	require.True(t, sw.IsAllowed("k"))
	require.False(t, sw.IsAllowed("k"))

	sw.Reset("k")
	require.True(t, sw.IsAllowed("k"))
}

func TestSlidingWindow_UpdateFromHeadersSynthesizesPhantomTimestamps(t *testing.T) {
	start := time.Unix(0, 0)
	sw, _ := newTestSlidingWindow(t, 10, 10, 1000, start)

	sw.UpdateFromHeaders("k", map[string][]string{
		"X-RateLimit-Limit":     {"10"},
		"X-RateLimit-Remaining": {"2"},
	})

	status := sw.GetTypedStatus("k")
	require.GreaterOrEqual(t, status.Raw["count"].(int), 8)
}
