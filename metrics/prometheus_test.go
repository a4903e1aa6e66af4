package metrics_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/arvind-natarajan/quotaguard"
	"github.com/arvind-natarajan/quotaguard/metrics"
)

func newTestLimiter(t *testing.T, rate float64, burst int64) quotaguard.Limiter {
	t.Helper()
	cfg, err := quotaguard.NewConfig(quotaguard.AlgorithmFixedWindow, rate, burst, quotaguard.WithWindowSizeMs(60000))
	require.NoError(t, err)
	limiter, err := quotaguard.New(cfg, nil)
	require.NoError(t, err)
	return limiter
}

func TestWrap_AllowedAndDenied(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	limiter := newTestLimiter(t, 2.0/60.0, 2)
	wrapped := metrics.Wrap(limiter, metrics.FixedWindow, collector)

	for i := 0; i < 2; i++ {
		require.True(t, wrapped.IsAllowed("k1"), "request %d should be allowed", i+1)
	}
	require.False(t, wrapped.IsAllowed("k1"), "request 3 should be denied")

	assertCounter(t, reg, "quotaguard_admissions_total", map[string]string{
		"algorithm": "fixed_window", "decision": "allowed",
	}, 2)
	assertCounter(t, reg, "quotaguard_admissions_total", map[string]string{
		"algorithm": "fixed_window", "decision": "denied",
	}, 1)
}

func TestWrap_IsAllowedN(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	limiter := newTestLimiter(t, 10.0/60.0, 10)
	wrapped := metrics.Wrap(limiter, metrics.TokenBucket, collector)

	require.True(t, wrapped.IsAllowedN("k1", 5))

	assertCounter(t, reg, "quotaguard_admissions_total", map[string]string{
		"algorithm": "token_bucket", "decision": "allowed",
	}, 1)
}

func TestWrap_WaitForAllowedRecordsLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	limiter := newTestLimiter(t, 10.0/60.0, 10)
	wrapped := metrics.Wrap(limiter, metrics.TokenBucket, collector)

	require.True(t, wrapped.WaitForAllowed(context.Background(), "k1", 1, 100))

	assertHistogramCount(t, reg, "quotaguard_wait_seconds", map[string]string{
		"algorithm": "token_bucket",
	}, 1)
}

func TestWrap_Reset(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	limiter := newTestLimiter(t, 1.0/60.0, 1)
	wrapped := metrics.Wrap(limiter, metrics.FixedWindow, collector)

	require.True(t, wrapped.IsAllowed("k1"))
	wrapped.Reset("k1")
	require.True(t, wrapped.IsAllowed("k1"))
}

func TestCollectorOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		metrics.WithRegistry(reg),
		metrics.WithNamespace("myapp"),
		metrics.WithSubsystem("api"),
		metrics.WithBuckets([]float64{.001, .01, .1}),
	)

	limiter := newTestLimiter(t, 10.0/60.0, 10)
	wrapped := metrics.Wrap(limiter, metrics.TokenBucket, collector)

	require.True(t, wrapped.IsAllowed("k1"))

	assertCounter(t, reg, "myapp_api_admissions_total", map[string]string{
		"algorithm": "token_bucket", "decision": "allowed",
	}, 1)
}

// ─── Helpers ───────────────────────────────────────────────────────────

func assertCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return m.GetCounter().GetValue()
	})
	require.Equal(t, want, val, "%s%v", name, labels)
}

func assertHistogramCount(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want uint64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return float64(m.GetHistogram().GetSampleCount())
	})
	require.Equal(t, want, uint64(val), "%s%v sample_count", name, labels)
}

func gatherMetricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, extract func(*dto.Metric) float64) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return extract(m)
			}
		}
	}
	if len(labels) > 0 {
		return 0
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	pairs := m.GetLabel()
	if len(pairs) < len(want) {
		return false
	}
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
			return false
		}
	}
	return true
}
