package quotaguard

import (
	"fmt"

	"github.com/arvind-natarajan/quotaguard/store"
)

// Builder provides a fluent API for constructing a Limiter, grouping
// algorithm selection, rate shape, and persistence into one chain
// instead of threading ConfigOption values by hand.
//
//	limiter, err := quotaguard.NewBuilder().
//	    TokenBucket(10, 20).
//	    Persistence("/tmp/quotaguard.json").
//	    Build()
type Builder struct {
	algo         AlgorithmTag
	rate         float64
	burst        int64
	opts         []ConfigOption
	cache        store.Cache
	algorithmSet bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// ─── Algorithm selectors ─────────────────────────────────────────────

// TokenBucket configures a token bucket limiter. ratePerSecond is the
// continuous refill rate; burstCapacity is the bucket size.
func (b *Builder) TokenBucket(ratePerSecond float64, burstCapacity int64) *Builder {
	b.algo = AlgorithmTokenBucket
	b.rate = ratePerSecond
	b.burst = burstCapacity
	b.algorithmSet = true
	return b
}

// LeakyBucket configures a leaky bucket limiter. ratePerSecond is the
// drain rate; burstCapacity is the bucket size.
func (b *Builder) LeakyBucket(ratePerSecond float64, burstCapacity int64) *Builder {
	b.algo = AlgorithmLeakyBucket
	b.rate = ratePerSecond
	b.burst = burstCapacity
	b.algorithmSet = true
	return b
}

// FixedWindow configures a fixed window limiter. ratePerSecond
// combines with the window size (WindowSizeMs) to derive the
// per-window ceiling; burstCapacity does not affect that ceiling.
func (b *Builder) FixedWindow(ratePerSecond float64, burstCapacity int64) *Builder {
	b.algo = AlgorithmFixedWindow
	b.rate = ratePerSecond
	b.burst = burstCapacity
	b.algorithmSet = true
	return b
}

// SlidingWindow configures a sliding window limiter.
func (b *Builder) SlidingWindow(ratePerSecond float64, burstCapacity int64) *Builder {
	b.algo = AlgorithmSlidingWindow
	b.rate = ratePerSecond
	b.burst = burstCapacity
	b.algorithmSet = true
	return b
}

// ─── Option setters ──────────────────────────────────────────────────

// SafetyBuffer overrides the default 0.8 safety buffer.
func (b *Builder) SafetyBuffer(buffer float64) *Builder {
	b.opts = append(b.opts, WithSafetyBuffer(buffer))
	return b
}

// EndpointLimits sets per-key rate overrides.
func (b *Builder) EndpointLimits(limits map[string]float64) *Builder {
	b.opts = append(b.opts, WithEndpointLimits(limits))
	return b
}

// HeaderMappings sets the internal-field to response-header name map.
func (b *Builder) HeaderMappings(mappings map[string]string) *Builder {
	b.opts = append(b.opts, WithHeaderMappings(mappings))
	return b
}

// WindowSizeMs overrides the window size used by window-based algorithms.
func (b *Builder) WindowSizeMs(ms int64) *Builder {
	b.opts = append(b.opts, WithWindowSizeMs(ms))
	return b
}

// Persistence enables the file backend at path.
func (b *Builder) Persistence(path string) *Builder {
	b.opts = append(b.opts, WithPersistence(path))
	return b
}

// SharedCache enables persistence against a shared store.Cache
// instead of a file. PersistState is turned on; StateFile is left
// empty so the factory selects the cache backend.
func (b *Builder) SharedCache(cache store.Cache) *Builder {
	b.opts = append(b.opts, func(c *Config) { c.PersistState = true })
	b.cache = cache
	return b
}

// CleanupIntervalSeconds overrides the default dormancy cutoff.
func (b *Builder) CleanupIntervalSeconds(seconds int64) *Builder {
	b.opts = append(b.opts, WithCleanupIntervalSeconds(seconds))
	return b
}

// ─── Build ─────────────────────────────────────────────────────────────

// Build validates the accumulated configuration and returns the
// configured Limiter.
func (b *Builder) Build() (Limiter, error) {
	if !b.algorithmSet {
		return nil, fmt.Errorf("quotaguard: no algorithm selected; call TokenBucket, LeakyBucket, FixedWindow, or SlidingWindow before Build")
	}
	cfg, err := NewConfig(b.algo, b.rate, b.burst, b.opts...)
	if err != nil {
		return nil, err
	}
	return New(cfg, b.cache)
}
