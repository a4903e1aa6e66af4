package quotaguard

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// AlgorithmTag selects the pacing algorithm a Config drives.
type AlgorithmTag string

const (
	AlgorithmTokenBucket   AlgorithmTag = "token_bucket"
	AlgorithmLeakyBucket   AlgorithmTag = "leaky_bucket"
	AlgorithmFixedWindow   AlgorithmTag = "fixed_window"
	AlgorithmSlidingWindow AlgorithmTag = "sliding_window"
)

// Internal header field names usable as keys of Config.HeaderMappings.
const (
	HeaderFieldLimit         = "limit"
	HeaderFieldRemaining     = "remaining"
	HeaderFieldReset         = "reset"
	HeaderFieldRetryAfter    = "retry_after"
	HeaderFieldDailyLimit    = "daily_limit"
	HeaderFieldHourlyLimit   = "hourly_limit"
	HeaderFieldDailyRemaining = "daily_remaining"
)

var validHeaderFields = map[string]bool{
	HeaderFieldLimit: true, HeaderFieldRemaining: true, HeaderFieldReset: true,
	HeaderFieldRetryAfter: true, HeaderFieldDailyLimit: true,
	HeaderFieldHourlyLimit: true, HeaderFieldDailyRemaining: true,
}

// Config is an immutable, validated parameter bundle for one Limiter.
// Construct it with NewConfig; every field is frozen after construction.
type Config struct {
	Algorithm              AlgorithmTag      `validate:"required,oneof=token_bucket leaky_bucket fixed_window sliding_window"`
	RatePerSecond          float64           `validate:"gt=0"`
	BurstCapacity          int64             `validate:"gte=1"`
	SafetyBuffer           float64           `validate:"gt=0,lte=1"`
	EndpointLimits         map[string]float64
	HeaderMappings         map[string]string
	WindowSizeMs           int64 `validate:"gt=0"`
	PersistState           bool
	StateFile              string
	CleanupIntervalSeconds int64 `validate:"gte=1"`
}

// ConfigOption customizes a Config at construction time.
type ConfigOption func(*Config)

// WithSafetyBuffer overrides the default 0.8 safety buffer.
func WithSafetyBuffer(buffer float64) ConfigOption {
	return func(c *Config) { c.SafetyBuffer = buffer }
}

// WithEndpointLimits sets per-key rate overrides (pre-safety-buffer).
func WithEndpointLimits(limits map[string]float64) ConfigOption {
	return func(c *Config) { c.EndpointLimits = limits }
}

// WithHeaderMappings sets the internal-field → response-header name map.
func WithHeaderMappings(mappings map[string]string) ConfigOption {
	return func(c *Config) { c.HeaderMappings = mappings }
}

// WithWindowSizeMs overrides the default 1000ms window for window-based algorithms.
func WithWindowSizeMs(ms int64) ConfigOption {
	return func(c *Config) { c.WindowSizeMs = ms }
}

// WithPersistence enables the file backend at path and turns on PersistState.
func WithPersistence(path string) ConfigOption {
	return func(c *Config) {
		c.PersistState = true
		c.StateFile = path
	}
}

// WithCleanupIntervalSeconds overrides the default 3600s dormancy cutoff.
func WithCleanupIntervalSeconds(seconds int64) ConfigOption {
	return func(c *Config) { c.CleanupIntervalSeconds = seconds }
}

var cfgValidate = validator.New()

// NewConfig builds and validates a Config. It fails with an
// *InvalidConfigError when any numeric field violates its constraint,
// the algorithm tag is unknown, or a header_mappings key is not one of
// the seven recognized internal field names.
func NewConfig(algorithm AlgorithmTag, ratePerSecond float64, burstCapacity int64, opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		Algorithm:              algorithm,
		RatePerSecond:          ratePerSecond,
		BurstCapacity:          burstCapacity,
		SafetyBuffer:           0.8,
		WindowSizeMs:           1000,
		CleanupIntervalSeconds: 3600,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfgValidate.Struct(cfg); err != nil {
		return nil, describeValidationError(cfg, err)
	}
	for field := range cfg.HeaderMappings {
		if !validHeaderFields[field] {
			return nil, &InvalidConfigError{
				Field: "HeaderMappings", Value: field,
				Reason: fmt.Sprintf("unrecognized internal header field %q", field),
			}
		}
	}
	return cfg, nil
}

func describeValidationError(cfg *Config, err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &InvalidConfigError{Field: "Config", Value: cfg, Reason: err.Error()}
	}
	fe := verrs[0]
	return &InvalidConfigError{
		Field:  fe.Field(),
		Value:  fe.Value(),
		Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
	}
}
