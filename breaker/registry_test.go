package breaker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prilive-com/fortigo/breaker"
	"github.com/prilive-com/fortigo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	reg := breaker.NewRegistry[string](breaker.DefaultSettings())

	first := reg.GetOrCreate("listRooms", breaker.DefaultSettings())
	second := reg.GetOrCreate("listRooms", breaker.Settings{FailureThreshold: 99})

	assert.Same(t, first, second, "settings are fixed at first creation")
}

func TestRegistry_GetDoesNotCreate(t *testing.T) {
	reg := breaker.NewRegistry[string](breaker.DefaultSettings())

	_, ok := reg.Get("missing")
	assert.False(t, ok)

	reg.GetOrCreateDefault("present")
	cb, ok := reg.Get("present")
	require.True(t, ok)
	assert.Equal(t, "present", cb.Name())
}

func TestRegistry_BreakersAreIsolated(t *testing.T) {
	reg := breaker.NewRegistry[string](breaker.DefaultSettings())

	rooms := reg.GetOrCreateDefault("listRooms")
	users := reg.GetOrCreateDefault("listUsers")

	rooms.Trip()

	assert.Equal(t, breaker.StateOpen, rooms.State())
	assert.Equal(t, breaker.StateClosed, users.State())

	val, err := users.Execute(context.Background(), func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestRegistry_States(t *testing.T) {
	reg := breaker.NewRegistry[string](breaker.DefaultSettings())

	reg.GetOrCreateDefault("a")
	reg.GetOrCreateDefault("b").Trip()

	states := reg.States()
	assert.Equal(t, map[string]breaker.State{
		"a": breaker.StateClosed,
		"b": breaker.StateOpen,
	}, states)
}

func TestRegistry_TransitionHookSeesAllBreakers(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	reg := breaker.NewRegistry[string](
		breaker.DefaultSettings(),
		breaker.WithTransitionHook[string](func(tr breaker.Transition) {
			mu.Lock()
			seen = append(seen, tr.Operation)
			mu.Unlock()
		}),
	)

	reg.GetOrCreateDefault("a").Trip()
	reg.GetOrCreateDefault("b").Trip()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, seen)
}

func TestRegistry_SharedClock(t *testing.T) {
	clock := testutil.NewFakeClock(time.Now())
	settings := breaker.Settings{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
	}
	reg := breaker.NewRegistry[string](settings, breaker.WithRegistryClock[string](clock))

	cb := reg.GetOrCreateDefault("listRooms")
	cb.Trip()
	require.Equal(t, 10*time.Second, cb.OpenRemaining())

	clock.Advance(10 * time.Second)
	assert.Equal(t, time.Duration(0), cb.OpenRemaining())
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	reg := breaker.NewRegistry[string](breaker.DefaultSettings())

	const goroutines = 16
	results := make([]*breaker.Breaker[string], goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = reg.GetOrCreateDefault("shared")
		}()
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i])
	}
}
