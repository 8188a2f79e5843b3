package fortigo

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/prilive-com/fortigo/fault"
)

// Config holds every tunable of the resilience layer. Zero values are
// backfilled from DefaultConfig by New.
type Config struct {
	// ServiceName identifies the protected upstream in health tracking
	// and logs.
	ServiceName string `mapstructure:"serviceName"`

	// Circuit breaker.
	FailureThreshold      int           `mapstructure:"failureThreshold"`
	ResetTimeout          time.Duration `mapstructure:"resetTimeout"`
	RequestTimeout        time.Duration `mapstructure:"requestTimeout"`
	InitialRequestTimeout time.Duration `mapstructure:"initialRequestTimeout"`

	// Retry policy.
	MaxRetries     int           `mapstructure:"maxRetries"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`

	// Per-caller rate limiting.
	RateLimitCapacity        int     `mapstructure:"rateLimitCapacity"`
	RateLimitRefillPerSecond float64 `mapstructure:"rateLimitRefillPerSecond"`

	// Response cache.
	CacheTTL time.Duration `mapstructure:"cacheTTL"`

	// Health classification.
	HealthWindow         time.Duration `mapstructure:"healthWindow"`
	DegradedThreshold    float64       `mapstructure:"degradedThreshold"`
	UnavailableThreshold float64       `mapstructure:"unavailableThreshold"`
	HealthMinSamples     int           `mapstructure:"healthMinSamples"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:              "upstream",
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		RequestTimeout:           15 * time.Second,
		InitialRequestTimeout:    60 * time.Second,
		MaxRetries:               3,
		InitialBackoff:           time.Second,
		MaxBackoff:               30 * time.Second,
		RateLimitCapacity:        10,
		RateLimitRefillPerSecond: 5,
		CacheTTL:                 60 * time.Second,
		HealthWindow:             60 * time.Second,
		DegradedThreshold:        0.25,
		UnavailableThreshold:     0.60,
		HealthMinSamples:         5,
	}
}

// Load reads configuration from an optional YAML file and from
// FORTIGO_* environment variables, environment winning over file and
// file winning over defaults. Pass an empty path to use env/defaults
// only.
func Load(path string) (Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("serviceName", defaults.ServiceName)
	v.SetDefault("failureThreshold", defaults.FailureThreshold)
	v.SetDefault("resetTimeout", defaults.ResetTimeout)
	v.SetDefault("requestTimeout", defaults.RequestTimeout)
	v.SetDefault("initialRequestTimeout", defaults.InitialRequestTimeout)
	v.SetDefault("maxRetries", defaults.MaxRetries)
	v.SetDefault("initialBackoff", defaults.InitialBackoff)
	v.SetDefault("maxBackoff", defaults.MaxBackoff)
	v.SetDefault("rateLimitCapacity", defaults.RateLimitCapacity)
	v.SetDefault("rateLimitRefillPerSecond", defaults.RateLimitRefillPerSecond)
	v.SetDefault("cacheTTL", defaults.CacheTTL)
	v.SetDefault("healthWindow", defaults.HealthWindow)
	v.SetDefault("degradedThreshold", defaults.DegradedThreshold)
	v.SetDefault("unavailableThreshold", defaults.UnavailableThreshold)
	v.SetDefault("healthMinSamples", defaults.HealthMinSamples)

	v.SetEnvPrefix("FORTIGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fault.NewConfigError("file", err.Error())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fault.NewConfigError("unmarshal", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field consistency.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.ServiceName, validation.Required),
		validation.Field(&c.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.ResetTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.InitialRequestTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.InitialBackoff, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxBackoff, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RateLimitCapacity, validation.Required, validation.Min(1)),
		validation.Field(&c.RateLimitRefillPerSecond, validation.Required, validation.Min(0.001)),
		validation.Field(&c.CacheTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.HealthWindow, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.DegradedThreshold, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.UnavailableThreshold, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.HealthMinSamples, validation.Required, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}

	if c.UnavailableThreshold <= c.DegradedThreshold {
		return fault.NewConfigError("unavailableThreshold", "must exceed degradedThreshold")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fault.NewConfigError("maxBackoff", "must be at least initialBackoff")
	}
	return nil
}
