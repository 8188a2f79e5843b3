package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/prilive-com/fortigo/fault"
	"github.com/prilive-com/fortigo/internal/testutil"
	"github.com/prilive-com/fortigo/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, settings ratelimit.Settings) (*ratelimit.Limiter, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Now())
	l := ratelimit.New(settings, ratelimit.WithClock(clock))
	t.Cleanup(l.Close)
	return l, clock
}

func TestLimiter_BurstThenReject(t *testing.T) {
	l, _ := newLimiter(t, ratelimit.Settings{Capacity: 5, RefillPerSecond: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(ctx, "caller-1"), "call %d within burst", i+1)
	}

	err := l.Allow(ctx, "caller-1")
	require.ErrorIs(t, err, fault.ErrRateLimited)

	var rle *fault.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "caller-1", rle.CallerKey)
	assert.InDelta(t, 1.0, rle.RetryAfter.Seconds(), 0.01)
}

func TestLimiter_RefillRestoresTokens(t *testing.T) {
	l, clock := newLimiter(t, ratelimit.Settings{Capacity: 5, RefillPerSecond: 1})
	ctx := context.Background()

	for _i := 0; _i < 5; _i++ {
		require.NoError(t, l.Allow(ctx, "caller-1"))
	}
	require.ErrorIs(t, l.Allow(ctx, "caller-1"), fault.ErrRateLimited)

	// One second refills exactly one token.
	clock.Advance(time.Second)
	require.NoError(t, l.Allow(ctx, "caller-1"))
	require.ErrorIs(t, l.Allow(ctx, "caller-1"), fault.ErrRateLimited)
}

func TestLimiter_RejectionDoesNotSpendTokens(t *testing.T) {
	l, clock := newLimiter(t, ratelimit.Settings{Capacity: 1, RefillPerSecond: 1})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "caller-1"))

	// Hammering while empty must not push the refill horizon out.
	for _i := 0; _i < 10; _i++ {
		require.ErrorIs(t, l.Allow(ctx, "caller-1"), fault.ErrRateLimited)
	}

	clock.Advance(time.Second)
	assert.NoError(t, l.Allow(ctx, "caller-1"))
}

func TestLimiter_CallersAreIsolated(t *testing.T) {
	l, _ := newLimiter(t, ratelimit.Settings{Capacity: 1, RefillPerSecond: 1})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "caller-1"))
	require.ErrorIs(t, l.Allow(ctx, "caller-1"), fault.ErrRateLimited)

	// A different caller has its own untouched bucket.
	assert.NoError(t, l.Allow(ctx, "caller-2"))
}

func TestLimiter_EvictsOldestWhenFull(t *testing.T) {
	l, clock := newLimiter(t, ratelimit.Settings{
		Capacity:        1,
		RefillPerSecond: 1,
		MaxCallers:      2,
	})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "old"))
	clock.Advance(time.Second)
	require.NoError(t, l.Allow(ctx, "newer"))
	clock.Advance(time.Second)

	// A third caller evicts the least recently used bucket.
	require.NoError(t, l.Allow(ctx, "newest"))
	assert.Equal(t, 2, l.Len())

	// The evicted caller comes back with a fresh, full bucket.
	assert.NoError(t, l.Allow(ctx, "old"))
}

func TestLimiter_CleanupRemovesIdleBuckets(t *testing.T) {
	// Real clock: the cleanup ticker runs on wall time.
	l := ratelimit.New(ratelimit.Settings{
		Capacity:        1,
		RefillPerSecond: 1,
		IdleTTL:         10 * time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
	})
	t.Cleanup(l.Close)

	require.NoError(t, l.Allow(context.Background(), "transient"))
	require.Equal(t, 1, l.Len())

	assert.Eventually(t, func() bool {
		return l.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLimiter_CloseIsIdempotent(t *testing.T) {
	l := ratelimit.New(ratelimit.DefaultSettings())
	l.Close()
	l.Close()
}
