// Package cache is a TTL response cache for read operations. Expired
// entries are retained for a bounded stale window so degraded-mode
// fallbacks can serve the last known good response.
package cache

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prilive-com/fortigo/breaker"
	"github.com/prilive-com/fortigo/internal/syncutil"
)

// Entry is a cached response as handed back to callers.
type Entry struct {
	Value     []byte
	ETag      string
	StoredAt  time.Time
	ExpiresAt time.Time
	// Stale marks an entry returned past its TTL via GetStale.
	Stale bool
}

// Settings configure retention and the background janitor.
type Settings struct {
	// StaleFactor scales each entry's TTL into its stale-retention
	// horizon: an entry is purged StaleFactor*TTL after being stored.
	StaleFactor int
	// JanitorInterval is how often expired entries are swept. Zero
	// disables the background goroutine.
	JanitorInterval time.Duration
}

// DefaultSettings returns the standard cache configuration.
func DefaultSettings() Settings {
	return Settings{
		StaleFactor:     10,
		JanitorInterval: time.Minute,
	}
}

func (s Settings) withDefaults() Settings {
	if s.StaleFactor <= 0 {
		s.StaleFactor = DefaultSettings().StaleFactor
	}
	return s
}

type entry struct {
	value      []byte
	etag       string
	storedAt   time.Time
	expiresAt  time.Time
	staleUntil time.Time
}

// Cache is an in-memory key/value store with per-entry TTLs.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	settings Settings
	clock    breaker.Clock
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source, for deterministic expiry tests.
func WithClock(clock breaker.Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithLogger sets the logger for janitor sweeps.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a Cache and, when JanitorInterval is set, starts its
// background janitor. Call Close to stop it.
func New(settings Settings, opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]entry),
		settings: settings.withDefaults(),
		clock:    breaker.SystemClock(),
		logger:   slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.settings.JanitorInterval > 0 {
		syncutil.Go(&c.wg, c.janitor)
	}
	return c
}

// Set stores value under key for ttl.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.SetWithETag(key, value, "", ttl)
}

// SetWithETag stores value with an upstream entity tag for conditional
// revalidation by the caller.
func (c *Cache) SetWithETag(key string, value []byte, etag string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:      value,
		etag:       etag,
		storedAt:   now,
		expiresAt:  now.Add(ttl),
		staleUntil: now.Add(ttl * time.Duration(c.settings.StaleFactor)),
	}
}

// Get returns the entry for key if it has not expired.
func (c *Cache) Get(key string) (Entry, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !now.Before(e.expiresAt) {
		return Entry{}, false
	}
	return e.export(false), true
}

// GetStale returns the entry for key even past its TTL, marked Stale,
// as long as it is still inside the stale-retention horizon. Used by
// fallbacks when the upstream is unreachable.
func (c *Cache) GetStale(key string) (Entry, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !now.Before(e.staleUntil) {
		return Entry{}, false
	}
	return e.export(!now.Before(e.expiresAt)), true
}

// Invalidate drops the entry for key, if any.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix drops every entry whose key starts with prefix and
// returns how many were removed. Mutations use this to clear derived
// read views.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of retained entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.settings.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes entries past their stale-retention horizon.
func (c *Cache) sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.staleUntil) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cache janitor sweep", "removed", removed)
	}
}

func (e entry) export(stale bool) Entry {
	return Entry{
		Value:     e.value,
		ETag:      e.etag,
		StoredAt:  e.storedAt,
		ExpiresAt: e.expiresAt,
		Stale:     stale,
	}
}
