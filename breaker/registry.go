package breaker

import (
	"log/slog"
	"sync"
)

// Registry is a directory of circuit breakers keyed by operation name.
// Breakers are created lazily on first reference and live for the
// process lifetime. Construct one per composition root and inject it;
// there is no package-level instance, so tests get isolated registries.
type Registry[T any] struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker[T]

	defaults     Settings
	clock        Clock
	logger       *slog.Logger
	onTransition func(Transition)
}

// RegistryOption configures a Registry.
type RegistryOption[T any] func(*Registry[T])

// WithRegistryClock sets the time source handed to every breaker the
// registry creates.
func WithRegistryClock[T any](clock Clock) RegistryOption[T] {
	return func(r *Registry[T]) {
		r.clock = clock
	}
}

// WithRegistryLogger sets the logger handed to every breaker.
func WithRegistryLogger[T any](logger *slog.Logger) RegistryOption[T] {
	return func(r *Registry[T]) {
		r.logger = logger
	}
}

// WithTransitionHook observes every transition of every breaker the
// registry creates, in addition to per-breaker hooks.
func WithTransitionHook[T any](fn func(Transition)) RegistryOption[T] {
	return func(r *Registry[T]) {
		r.onTransition = fn
	}
}

// NewRegistry creates a registry whose breakers default to the given
// settings.
func NewRegistry[T any](defaults Settings, opts ...RegistryOption[T]) *Registry[T] {
	r := &Registry[T]{
		breakers: make(map[string]*Breaker[T]),
		defaults: defaults.withDefaults(),
		clock:    SystemClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the breaker for name, creating it with the given
// settings on first reference. Configuration is fixed at creation:
// later calls with different settings return the existing breaker
// unchanged, so the call is idempotent per name.
func (r *Registry[T]) GetOrCreate(name string, settings Settings) *Breaker[T] {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	settings = settings.withDefaults()
	if r.onTransition != nil {
		inner := settings.OnTransition
		hook := r.onTransition
		settings.OnTransition = func(tr Transition) {
			hook(tr)
			if inner != nil {
				inner(tr)
			}
		}
	}

	cb = New[T](name, settings, WithClock[T](r.clock), WithLogger[T](r.logger))
	r.breakers[name] = cb
	return cb
}

// GetOrCreateDefault is GetOrCreate with the registry's default
// settings.
func (r *Registry[T]) GetOrCreateDefault(name string) *Breaker[T] {
	return r.GetOrCreate(name, r.defaults)
}

// Get returns the existing breaker for name, never creating one.
func (r *Registry[T]) Get(name string) (*Breaker[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// All returns a snapshot of all breakers for health reporting.
func (r *Registry[T]) All() map[string]*Breaker[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Breaker[T], len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb
	}
	return out
}

// States returns a snapshot of breaker states keyed by operation name.
func (r *Registry[T]) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// Defaults returns the registry's default breaker settings.
func (r *Registry[T]) Defaults() Settings {
	return r.defaults
}
