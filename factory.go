package quotaguard

import (
	"fmt"
	"log/slog"

	"github.com/arvind-natarajan/quotaguard/internal/clock"
	"github.com/arvind-natarajan/quotaguard/store"
	"github.com/arvind-natarajan/quotaguard/store/filestore"
)

// New constructs a Limiter for cfg.Algorithm. cache is the shared
// key-value backend used when cfg.PersistState is true and
// cfg.StateFile is empty; when StateFile is set, the file backend is
// used instead and cache is ignored. A nil cache with PersistState
// false (the default) runs fully in memory.
func New(cfg *Config, cache store.Cache) (Limiter, error) {
	return newWithLogger(cfg, cache, slog.Default())
}

// NewWithLogger is New with an explicit logger, used by callers that
// want persistence/backend warnings routed through their own handler.
func NewWithLogger(cfg *Config, cache store.Cache, logger *slog.Logger) (Limiter, error) {
	return newWithLogger(cfg, cache, logger)
}

func newWithLogger(cfg *Config, cache store.Cache, logger *slog.Logger) (Limiter, error) {
	backend, err := resolveBackend(cfg, cache, logger)
	if err != nil {
		return nil, err
	}
	clk := clock.New()

	switch cfg.Algorithm {
	case AlgorithmTokenBucket:
		return newTokenBucket(cfg, backend, logger, clk), nil
	case AlgorithmLeakyBucket:
		return newLeakyBucket(cfg, backend, logger, clk), nil
	case AlgorithmFixedWindow:
		return newFixedWindow(cfg, backend, logger, clk), nil
	case AlgorithmSlidingWindow:
		return newSlidingWindow(cfg, backend, logger, clk), nil
	default:
		return nil, &InvalidConfigError{
			Field: "Algorithm", Value: cfg.Algorithm,
			Reason: fmt.Sprintf("unsupported algorithm %q", cfg.Algorithm),
		}
	}
}

func resolveBackend(cfg *Config, cache store.Cache, logger *slog.Logger) (store.Backend, error) {
	if !cfg.PersistState {
		return nil, nil
	}
	if cfg.StateFile != "" {
		return filestore.New(cfg.StateFile, logger), nil
	}
	if cache == nil {
		return nil, &InvalidConfigError{
			Field: "PersistState", Value: true,
			Reason: "persistence enabled but neither StateFile nor a shared cache was provided",
		}
	}
	return newCacheBackend(cfg, cfg.Algorithm, cache), nil
}
