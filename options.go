package fortigo

import (
	"log/slog"
	"time"

	"github.com/prilive-com/fortigo/breaker"
	"github.com/prilive-com/fortigo/degrade"
	"github.com/prilive-com/fortigo/health"
)

// Option configures a Client at construction.
type Option func(*Client)

// WithConfig replaces the entire configuration. Apply it before
// field-level options or it overwrites them.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock sets the time source shared by breaker, limiter, cache and
// health monitor. Tests inject a fake clock here.
func WithClock(clock breaker.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithSleeper replaces the retry backoff sleeper.
func WithSleeper(s degrade.Sleeper) Option {
	return func(c *Client) {
		c.sleeper = s
	}
}

// WithRateLimit sets the per-caller bucket capacity and refill rate.
func WithRateLimit(capacity int, refillPerSecond float64) Option {
	return func(c *Client) {
		c.cfg.RateLimitCapacity = capacity
		c.cfg.RateLimitRefillPerSecond = refillPerSecond
	}
}

// WithRetries sets the retry policy.
func WithRetries(maxRetries int, initialBackoff, maxBackoff time.Duration) Option {
	return func(c *Client) {
		c.cfg.MaxRetries = maxRetries
		c.cfg.InitialBackoff = initialBackoff
		c.cfg.MaxBackoff = maxBackoff
	}
}

// WithBreakerSettings overrides the breaker settings derived from
// Config, including the OnTransition hook.
func WithBreakerSettings(settings breaker.Settings) Option {
	return func(c *Client) {
		c.breakerSettings = &settings
	}
}

// WithCacheTTL sets the TTL applied to cached read responses.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.cfg.CacheTTL = ttl
	}
}

// WithHealthThresholds overrides the health watermarks derived from
// Config.
func WithHealthThresholds(thresholds health.Thresholds) Option {
	return func(c *Client) {
		c.healthThresholds = &thresholds
	}
}
