package quotaguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
)

func newTestLeakyBucket(t *testing.T, rate float64, burst int64, start time.Time) (*LeakyBucket, *clock.Mock) {
	t.Helper()
	cfg, err := NewConfig(AlgorithmLeakyBucket, rate, burst, WithSafetyBuffer(1), WithHeaderMappings(map[string]string{
		HeaderFieldRemaining: "X-RateLimit-Remaining",
		HeaderFieldLimit:     "X-RateLimit-Limit",
	}))
	require.NoError(t, err)
	mock := clock.NewMock(start)
	return newLeakyBucket(cfg, nil, nil, mock), mock
}

func TestLeakyBucket_StartsEmptyAndAdmitsUpToCapacity(t *testing.T) {
	start := time.Unix(0, 0)
	lb, _ := newTestLeakyBucket(t, 1, 3, start)

	require.True(t, lb.IsAllowed("k"))
	require.True(t, lb.IsAllowed("k"))
	require.True(t, lb.IsAllowed("k"))
	require.False(t, lb.IsAllowed("k"))
}

func TestLeakyBucket_DrainsOverTime(t *testing.T) {
	start := time.Unix(0, 0)
	lb, mock := newTestLeakyBucket(t, 1, 1, start)

	require.True(t, lb.IsAllowed("k"))
	require.False(t, lb.IsAllowed("k"))

	mock.Advance(1100 * time.Millisecond)
	require.True(t, lb.IsAllowed("k"))
}

func TestLeakyBucket_NoDebtAccumulationWhenIdleAtZero(t *testing.T) {
	start := time.Unix(0, 0)
	lb, mock := newTestLeakyBucket(t, 1, 3, start)

	lb.GetTypedStatus("k") // first touch at t=0 leaves the bucket empty
	mock.Advance(100 * time.Hour)
	require.True(t, lb.IsAllowedN("k", 3))
	require.False(t, lb.IsAllowed("k"))
}

func TestLeakyBucket_ResetRestoresEmptyState(t *testing.T) {
	start := time.Unix(0, 0)
	lb, _ := newTestLeakyBucket(t, 1, 2, start)

	require.True(t, lb.IsAllowedN("k", 2))
	require.False(t, lb.IsAllowed("k"))

	lb.Reset("k")
	require.True(t, lb.IsAllowedN("k", 2))
}

func TestLeakyBucket_UpdateFromHeadersNeverRaisesAvailability(t *testing.T) {
	start := time.Unix(0, 0)
	lb, _ := newTestLeakyBucket(t, 1, 10, start)

	lb.UpdateFromHeaders("k", map[string][]string{
		"X-RateLimit-Remaining": {"2"},
	})

	status := lb.GetTypedStatus("k")
	require.GreaterOrEqual(t, status.Raw["level"].(float64), 8.0)
}
