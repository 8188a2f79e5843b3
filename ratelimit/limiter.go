// Package ratelimit provides per-caller token-bucket admission for the
// resilience layer. Each caller key owns an independent bucket, so one
// noisy caller cannot starve the others.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/prilive-com/fortigo/breaker"
	"github.com/prilive-com/fortigo/fault"
	"github.com/prilive-com/fortigo/internal/obs"
	"github.com/prilive-com/fortigo/internal/syncutil"
)

// Settings configure the per-caller buckets and the bookkeeping around
// them.
type Settings struct {
	// Capacity is the bucket size: the burst a caller may spend at once.
	Capacity int
	// RefillPerSecond is the steady-state token refill rate.
	RefillPerSecond float64
	// MaxCallers bounds the bucket map; the least recently used bucket
	// is evicted when a new caller would exceed it.
	MaxCallers int
	// IdleTTL is how long an untouched bucket survives before the
	// cleanup pass drops it.
	IdleTTL time.Duration
	// CleanupInterval is how often the cleanup pass runs. Zero disables
	// the background goroutine.
	CleanupInterval time.Duration
}

// DefaultSettings returns the standard limiter configuration.
func DefaultSettings() Settings {
	return Settings{
		Capacity:        10,
		RefillPerSecond: 5,
		MaxCallers:      10_000,
		IdleTTL:         10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Capacity <= 0 {
		s.Capacity = d.Capacity
	}
	if s.RefillPerSecond <= 0 {
		s.RefillPerSecond = d.RefillPerSecond
	}
	if s.MaxCallers <= 0 {
		s.MaxCallers = d.MaxCallers
	}
	if s.IdleTTL <= 0 {
		s.IdleTTL = d.IdleTTL
	}
	return s
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed atomic.Int64 // UnixNano of last Allow
}

// Limiter hands out tokens from per-caller buckets. Buckets are created
// lazily, tracked by last use, and reaped when idle or when the map
// outgrows MaxCallers.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	settings Settings
	clock    breaker.Clock
	logger   *slog.Logger
	rec      *obs.Recorder

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source used for reservations and idle
// tracking, for deterministic refill tests.
func WithClock(clock breaker.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// WithLogger sets the logger for rejection and cleanup events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a Limiter and, when CleanupInterval is set, starts its
// background cleanup goroutine. Call Close to stop it.
func New(settings Settings, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		settings: settings.withDefaults(),
		clock:    breaker.SystemClock(),
		logger:   slog.Default(),
		rec:      obs.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.settings.CleanupInterval > 0 {
		syncutil.Go(&l.wg, l.cleanupLoop)
	}
	return l
}

// Allow takes one token from callerKey's bucket. When the bucket is
// empty it returns a fault.RateLimitError carrying a retry-after hint
// and leaves the bucket untouched.
func (l *Limiter) Allow(ctx context.Context, callerKey string) error {
	b := l.bucket(callerKey)
	now := l.clock.Now()
	b.lastUsed.Store(now.UnixNano())

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return fault.NewRateLimitError(callerKey, 0)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		l.logger.Debug("rate limit exceeded",
			"caller", callerKey,
			"retry_after", delay,
		)
		l.rec.RateLimitRejection(ctx, callerKey)
		return fault.NewRateLimitError(callerKey, delay)
	}
	return nil
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

func (l *Limiter) bucket(callerKey string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[callerKey]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if b, ok = l.buckets[callerKey]; ok {
		return b
	}

	if len(l.buckets) >= l.settings.MaxCallers {
		l.evictOldestLocked()
	}

	b = &bucket{
		lim: rate.NewLimiter(rate.Limit(l.settings.RefillPerSecond), l.settings.Capacity),
	}
	b.lastUsed.Store(l.clock.Now().UnixNano())
	l.buckets[callerKey] = b
	return b
}

func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	oldest := int64(1<<63 - 1)
	for key, b := range l.buckets {
		if used := b.lastUsed.Load(); used < oldest {
			oldest = used
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
		l.logger.Debug("evicted rate-limit bucket", "caller", oldestKey)
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.removeIdle()
		}
	}
}

func (l *Limiter) removeIdle() {
	horizon := l.clock.Now().Add(-l.settings.IdleTTL).UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastUsed.Load() < horizon {
			delete(l.buckets, key)
		}
	}
}
