// Package metrics provides Prometheus instrumentation for a
// quotaguard.Limiter.
//
// Wrap any Limiter to automatically record admission counts, wait-time
// latency, and backend errors:
//
//	collector := metrics.NewCollector()
//	limiter, _ := quotaguard.New(cfg, nil)
//	limiter = metrics.Wrap(limiter, metrics.TokenBucket, collector)
//
// All metrics are partitioned by algorithm name. Admission counts
// carry an additional "decision" label (allowed / denied).
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arvind-natarajan/quotaguard"
)

// Algorithm name constants for the algorithm label.
const (
	FixedWindow   = string(quotaguard.AlgorithmFixedWindow)
	SlidingWindow = string(quotaguard.AlgorithmSlidingWindow)
	TokenBucket   = string(quotaguard.AlgorithmTokenBucket)
	LeakyBucket   = string(quotaguard.AlgorithmLeakyBucket)
)

// Collector holds Prometheus metric vectors for rate limiter instrumentation.
type Collector struct {
	admissions *prometheus.CounterVec
	waitTime   *prometheus.HistogramVec
	flushErrs  *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for wait-time observations.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_admissions_total     counter   (algorithm, decision)
//   - {namespace}_wait_seconds         histogram (algorithm)
//   - {namespace}_flush_errors_total   counter   (algorithm)
//
// Default namespace is "quotaguard".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "quotaguard",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "admissions_total",
		Help:      "Total admission checks partitioned by algorithm and decision.",
	}, []string{"algorithm", "decision"})

	waitTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "wait_seconds",
		Help:      "Time WaitForAllowed spent blocked before returning, in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"algorithm"})

	flushErrs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "flush_errors_total",
		Help:      "Total Flush/Close failures against the persistence backend.",
	}, []string{"algorithm"})

	cfg.registry.MustRegister(admissions, waitTime, flushErrs)

	return &Collector{admissions: admissions, waitTime: waitTime, flushErrs: flushErrs}
}

// Wrap returns a Limiter that transparently records Prometheus metrics
// around inner's admission and wait calls.
func Wrap(inner quotaguard.Limiter, algorithm string, c *Collector) quotaguard.Limiter {
	return &instrumentedLimiter{inner: inner, algorithm: algorithm, collector: c}
}

type instrumentedLimiter struct {
	inner     quotaguard.Limiter
	algorithm string
	collector *Collector
}

func (l *instrumentedLimiter) recordDecision(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	l.collector.admissions.WithLabelValues(l.algorithm, decision).Inc()
}

func (l *instrumentedLimiter) IsAllowed(key string) bool {
	allowed := l.inner.IsAllowed(key)
	l.recordDecision(allowed)
	return allowed
}

func (l *instrumentedLimiter) IsAllowedN(key string, tokens int64) bool {
	allowed := l.inner.IsAllowedN(key, tokens)
	l.recordDecision(allowed)
	return allowed
}

func (l *instrumentedLimiter) WaitForAllowed(ctx context.Context, key string, tokens int64, maxWaitMs int64) bool {
	start := time.Now()
	allowed := l.inner.WaitForAllowed(ctx, key, tokens, maxWaitMs)
	l.collector.waitTime.WithLabelValues(l.algorithm).Observe(time.Since(start).Seconds())
	l.recordDecision(allowed)
	return allowed
}

func (l *instrumentedLimiter) GetWaitTime(key string) int64 { return l.inner.GetWaitTime(key) }
func (l *instrumentedLimiter) Reset(key string)             { l.inner.Reset(key) }
func (l *instrumentedLimiter) ResetAll()                    { l.inner.ResetAll() }

func (l *instrumentedLimiter) GetStatus(key string) map[string]interface{} {
	return l.inner.GetStatus(key)
}

func (l *instrumentedLimiter) GetTypedStatus(key string) quotaguard.StatusDTO {
	return l.inner.GetTypedStatus(key)
}

func (l *instrumentedLimiter) GetAllStatuses() map[string]map[string]interface{} {
	return l.inner.GetAllStatuses()
}

func (l *instrumentedLimiter) GetAllTypedStatuses() map[string]quotaguard.StatusDTO {
	return l.inner.GetAllTypedStatuses()
}

func (l *instrumentedLimiter) Cleanup(maxAgeSeconds int64) int { return l.inner.Cleanup(maxAgeSeconds) }

func (l *instrumentedLimiter) UpdateFromHeaders(key string, headers map[string][]string) {
	l.inner.UpdateFromHeaders(key, headers)
}

func (l *instrumentedLimiter) Flush(ctx context.Context) error {
	err := l.inner.Flush(ctx)
	if err != nil {
		l.collector.flushErrs.WithLabelValues(l.algorithm).Inc()
	}
	return err
}

func (l *instrumentedLimiter) Close(ctx context.Context) error {
	err := l.inner.Close(ctx)
	if err != nil {
		l.collector.flushErrs.WithLabelValues(l.algorithm).Inc()
	}
	return err
}

var _ quotaguard.Limiter = (*instrumentedLimiter)(nil)
