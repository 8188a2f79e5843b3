package fortigo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prilive-com/fortigo/breaker"
	"github.com/prilive-com/fortigo/cache"
	"github.com/prilive-com/fortigo/degrade"
	"github.com/prilive-com/fortigo/fault"
	"github.com/prilive-com/fortigo/health"
	"github.com/prilive-com/fortigo/ratelimit"
)

// Kind tells the client whether a request may be served from cache or
// must invalidate it.
type Kind int

const (
	// Read requests are cacheable and may fall back to stale data.
	Read Kind = iota
	// Mutation requests bypass the cache and invalidate derived views.
	Mutation
)

// Request describes one upstream call through the resilience layer.
type Request struct {
	// Operation names the upstream call; each operation owns its own
	// circuit breaker.
	Operation string
	// CallerKey identifies the caller for rate limiting. Empty means a
	// shared default bucket.
	CallerKey string
	// Kind selects read or mutation semantics.
	Kind Kind
	// CacheKey, for reads, enables the cache fast path and the stale
	// fallback. Empty disables caching for this request.
	CacheKey string
	// Invalidates lists cache key prefixes a successful mutation clears.
	Invalidates []string
	// Do performs the actual upstream call.
	Do func(ctx context.Context) ([]byte, error)
	// Fallback, when set, replaces the default stale-cache fallback.
	Fallback degrade.Fallback[[]byte]
}

// Result is the outcome of a successful Call.
type Result struct {
	Data []byte
	// Stale is set when the data came from an expired cache entry via
	// the degraded path.
	Stale bool
	// FromCache is set when the upstream was not called for this data.
	FromCache bool
}

// Client is the resilience façade: per-caller rate limiting, a read
// cache, per-operation circuit breakers, retries with backoff, health
// tracking and stale-data fallbacks, composed in front of a single
// upstream service.
type Client struct {
	cfg    Config
	logger *slog.Logger
	clock  breaker.Clock

	sleeper          degrade.Sleeper
	breakerSettings  *breaker.Settings
	healthThresholds *health.Thresholds

	registry *breaker.Registry[[]byte]
	monitor  *health.Monitor
	manager  *degrade.Manager[[]byte]
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
}

// New builds a Client from DefaultConfig plus the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		clock:  breaker.SystemClock(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	bs := breaker.Settings{
		FailureThreshold:      c.cfg.FailureThreshold,
		ResetTimeout:          c.cfg.ResetTimeout,
		RequestTimeout:        c.cfg.RequestTimeout,
		InitialRequestTimeout: c.cfg.InitialRequestTimeout,
	}
	if c.breakerSettings != nil {
		bs = *c.breakerSettings
	}

	th := health.Thresholds{
		Window:      c.cfg.HealthWindow,
		Degraded:    c.cfg.DegradedThreshold,
		Unavailable: c.cfg.UnavailableThreshold,
		MinSamples:  c.cfg.HealthMinSamples,
	}
	if c.healthThresholds != nil {
		th = *c.healthThresholds
	}

	c.registry = breaker.NewRegistry[[]byte](bs,
		breaker.WithRegistryClock[[]byte](c.clock),
		breaker.WithRegistryLogger[[]byte](c.logger),
	)
	c.monitor = health.NewMonitor(th,
		health.WithClock(c.clock),
		health.WithLogger(c.logger),
	)
	c.limiter = ratelimit.New(
		ratelimit.Settings{
			Capacity:        c.cfg.RateLimitCapacity,
			RefillPerSecond: c.cfg.RateLimitRefillPerSecond,
		},
		ratelimit.WithClock(c.clock),
		ratelimit.WithLogger(c.logger),
	)
	c.cache = cache.New(cache.DefaultSettings(),
		cache.WithClock(c.clock),
		cache.WithLogger(c.logger),
	)

	managerOpts := []degrade.Option[[]byte]{
		degrade.WithLogger[[]byte](c.logger),
	}
	if c.sleeper != nil {
		managerOpts = append(managerOpts, degrade.WithSleeper[[]byte](c.sleeper))
	}
	c.manager = degrade.New(c.registry, c.monitor, c.cfg.ServiceName,
		degrade.Settings{
			MaxRetries:     c.cfg.MaxRetries,
			InitialBackoff: c.cfg.InitialBackoff,
			MaxBackoff:     c.cfg.MaxBackoff,
		},
		managerOpts...,
	)

	// An OPEN breaker that is not yet due for a trial marks the service
	// unavailable. Once the reset timeout elapses the probe clears, so
	// the recovery trial is never starved by the fallback shortcut.
	c.monitor.BindBreaker(c.cfg.ServiceName, func() bool {
		for _, cb := range c.registry.All() {
			if cb.State() == breaker.StateOpen && cb.OpenRemaining() > 0 {
				return true
			}
		}
		return false
	})

	return c, nil
}

// Call runs one request through the full pipeline: rate limiter, cache
// fast path, circuit breaker with retries, then cache write-back or
// invalidation.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	if req.Operation == "" {
		return nil, fmt.Errorf("%w: empty operation name", fault.ErrInvalidOperation)
	}
	if req.Do == nil {
		return nil, fmt.Errorf("%w: %q has no callable", fault.ErrInvalidOperation, req.Operation)
	}

	callerKey := req.CallerKey
	if callerKey == "" {
		callerKey = "default"
	}
	if err := c.limiter.Allow(ctx, callerKey); err != nil {
		return nil, err
	}

	cacheable := req.Kind == Read && req.CacheKey != ""
	if cacheable {
		if e, ok := c.cache.Get(req.CacheKey); ok {
			return &Result{Data: e.Value, FromCache: true}, nil
		}
	}

	var usedFallback, staleServed bool
	fallback := req.Fallback
	if fallback != nil {
		inner := fallback
		fallback = func(ctx context.Context, lastErr error) ([]byte, error) {
			usedFallback = true
			return inner(ctx, lastErr)
		}
	} else if cacheable {
		fallback = func(_ context.Context, lastErr error) ([]byte, error) {
			e, ok := c.cache.GetStale(req.CacheKey)
			if !ok {
				return nil, lastErr
			}
			c.logger.Warn("serving stale cache entry",
				"operation", req.Operation,
				"cache_key", req.CacheKey,
				"stored_at", e.StoredAt,
				"error", lastErr,
			)
			usedFallback = true
			staleServed = true
			return e.Value, nil
		}
	}

	data, err := c.manager.Execute(ctx, req.Operation, req.Do, fallback)
	if err != nil {
		return nil, err
	}

	if !usedFallback {
		if cacheable {
			c.cache.Set(req.CacheKey, data, c.cfg.CacheTTL)
		}
		if req.Kind == Mutation {
			for _, prefix := range req.Invalidates {
				c.cache.InvalidatePrefix(prefix)
			}
		}
	}

	return &Result{
		Data:      data,
		Stale:     staleServed,
		FromCache: usedFallback && staleServed,
	}, nil
}

// BreakerStates returns a snapshot of every operation's breaker state.
func (c *Client) BreakerStates() map[string]breaker.State {
	return c.registry.States()
}

// ServiceStatus returns the upstream's current health classification.
func (c *Client) ServiceStatus() health.Status {
	return c.monitor.Status(c.cfg.ServiceName)
}

// TripBreaker forces the named operation's breaker OPEN, creating it if
// it does not exist yet. Operator control for known-bad upstreams.
func (c *Client) TripBreaker(operation string) {
	c.registry.GetOrCreateDefault(operation).Trip()
}

// ResetBreaker forces the named operation's breaker CLOSED.
func (c *Client) ResetBreaker(operation string) {
	c.registry.GetOrCreateDefault(operation).Reset()
}

// InvalidateCache drops cached entries under the given key prefix.
func (c *Client) InvalidateCache(prefix string) int {
	return c.cache.InvalidatePrefix(prefix)
}

// Close stops the background goroutines owned by the client.
func (c *Client) Close() {
	c.limiter.Close()
	c.cache.Close()
}
