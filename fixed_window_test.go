package quotaguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
)

func newTestFixedWindow(t *testing.T, rate float64, burst int64, windowMs int64, start time.Time) (*FixedWindow, *clock.Mock) {
	t.Helper()
	cfg, err := NewConfig(AlgorithmFixedWindow, rate, burst, WithSafetyBuffer(1), WithWindowSizeMs(windowMs),
		WithHeaderMappings(map[string]string{
			HeaderFieldLimit:          "X-RateLimit-Limit",
			HeaderFieldRemaining:      "X-RateLimit-Remaining",
			HeaderFieldDailyLimit:     "X-RateLimit-Daily-Limit",
			HeaderFieldDailyRemaining: "X-RateLimit-Daily-Remaining",
		}))
	require.NoError(t, err)
	mock := clock.NewMock(start)
	return newFixedWindow(cfg, nil, nil, mock), mock
}

func TestFixedWindow_AdmitsUpToLimitThenDenies(t *testing.T) {
	start := time.Unix(0, 0)
	fw, _ := newTestFixedWindow(t, 3.0/5.0, 3, 5000, start)

	require.True(t, fw.IsAllowed("k"))
	require.True(t, fw.IsAllowed("k"))
	require.True(t, fw.IsAllowed("k"))
	require.False(t, fw.IsAllowed("k"))
}

func TestFixedWindow_HardResetAtBoundary(t *testing.T) {
	start := time.Unix(0, 0)
	fw, mock := newTestFixedWindow(t, 2.0/5.0, 2, 5000, start)

	require.True(t, fw.IsAllowed("k"))
	require.True(t, fw.IsAllowed("k"))
	require.False(t, fw.IsAllowed("k"))

	mock.Advance(5100 * time.Millisecond)
	require.True(t, fw.IsAllowed("k"))
	require.True(t, fw.IsAllowed("k"))
}

func TestFixedWindow_EffectiveLimitIsCeilAndAtLeastOne(t *testing.T) {
	start := time.Unix(0, 0)
	fw, _ := newTestFixedWindow(t, 0.01, 100, 1000, start)
	require.Equal(t, int64(1), fw.effectiveLimit(0.01))
}

func TestFixedWindow_DailyLimitOverridesWindowLimit(t *testing.T) {
	start := time.Unix(0, 0)
	fw, _ := newTestFixedWindow(t, 100, 100, 1000, start)

	fw.UpdateFromHeaders("k", map[string][]string{
		"X-RateLimit-Daily-Limit": {"1"},
	})

	require.True(t, fw.IsAllowed("k"))
	require.False(t, fw.IsAllowed("k"))
}

func TestFixedWindow_ResetClearsCounter(t *testing.T) {
	start := time.Unix(0, 0)
	fw, _ := newTestFixedWindow(t, 1.0/60.0, 1, 60000, start)

	require.True(t, fw.IsAllowed("k"))
	require.False(t, fw.IsAllowed("k"))

	fw.Reset("k")
	require.True(t, fw.IsAllowed("k"))
}
