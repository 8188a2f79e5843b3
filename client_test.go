package fortigo_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	fortigo "github.com/prilive-com/fortigo"
	"github.com/prilive-com/fortigo/breaker"
	"github.com/prilive-com/fortigo/fault"
	"github.com/prilive-com/fortigo/health"
	"github.com/prilive-com/fortigo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	client   *fortigo.Client
	upstream *testutil.UpstreamServer
	clock    *testutil.FakeClock
	sleeper  *testutil.FakeSleeper
}

func newHarness(t *testing.T, opts ...fortigo.Option) *harness {
	t.Helper()

	upstream := testutil.NewUpstreamServer()
	t.Cleanup(upstream.Close)

	clock := testutil.NewFakeClock(time.Now())
	sleeper := testutil.NewFakeSleeper()

	base := []fortigo.Option{
		fortigo.WithClock(clock),
		fortigo.WithSleeper(sleeper),
		fortigo.WithRetries(0, time.Millisecond, time.Millisecond),
	}
	client, err := fortigo.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return &harness{client: client, upstream: upstream, clock: clock, sleeper: sleeper}
}

func (h *harness) listRooms() fortigo.Request {
	return fortigo.Request{
		Operation: "listRooms",
		Kind:      fortigo.Read,
		Do:        testutil.GetOp("listRooms", h.upstream.URL+"/rooms"),
	}
}

func TestClient_ListRoomsBreakerLifecycle(t *testing.T) {
	h := newHarness(t, fortigo.WithBreakerSettings(breaker.Settings{
		FailureThreshold:      2,
		ResetTimeout:          5 * time.Second,
		RequestTimeout:        5 * time.Second,
		InitialRequestTimeout: 5 * time.Second,
	}))
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusInternalServerError, testutil.ErrorJSON("down"))

	// Two failures trip the breaker.
	for _i := 0; _i < 2; _i++ {
		_, err := h.client.Call(ctx, h.listRooms())
		require.ErrorIs(t, err, fault.ErrUpstream)
	}
	assert.Equal(t, breaker.StateOpen, h.client.BreakerStates()["listRooms"])

	// Rejected without touching the upstream.
	_, err := h.client.Call(ctx, h.listRooms())
	require.ErrorIs(t, err, fault.ErrCircuitOpen)
	assert.Equal(t, 2, h.upstream.RequestCount())

	// Recovery: reset timeout elapses, upstream healthy again, trial
	// call succeeds and closes the breaker.
	h.clock.Advance(5 * time.Second)
	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)

	res, err := h.client.Call(ctx, h.listRooms())
	require.NoError(t, err)
	assert.JSONEq(t, testutil.RoomsListJSON, string(res.Data))
	assert.Equal(t, breaker.StateClosed, h.client.BreakerStates()["listRooms"])
}

func TestClient_RetriesThenSurfacesError(t *testing.T) {
	h := newHarness(t, fortigo.WithRetries(2, 100*time.Millisecond, time.Minute))
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusServiceUnavailable, testutil.ErrorJSON("overloaded"))

	_, err := h.client.Call(ctx, h.listRooms())
	require.ErrorIs(t, err, fault.ErrRetriesExhausted)

	assert.Equal(t, 3, h.upstream.RequestCount(), "initial attempt plus two retries")
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
	}, h.sleeper.Calls())
}

func TestClient_RecoversWithinRetryBudget(t *testing.T) {
	h := newHarness(t, fortigo.WithRetries(2, time.Millisecond, time.Second))
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)
	h.upstream.FailTimes(2, http.StatusServiceUnavailable)

	res, err := h.client.Call(ctx, h.listRooms())
	require.NoError(t, err)
	assert.JSONEq(t, testutil.RoomsListJSON, string(res.Data))
	assert.Equal(t, 3, h.upstream.RequestCount())
}

func TestClient_ClientErrorsNotRetried(t *testing.T) {
	h := newHarness(t, fortigo.WithRetries(3, time.Millisecond, time.Second))
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusNotFound, testutil.ErrorJSON("no such room"))

	_, err := h.client.Call(ctx, h.listRooms())
	require.ErrorIs(t, err, fault.ErrUpstream)

	var ue *fault.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
	assert.Equal(t, 1, h.upstream.RequestCount())
}

func TestClient_CacheFastPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)

	req := h.listRooms()
	req.CacheKey = "rooms:list"

	first, err := h.client.Call(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := h.client.Call(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.False(t, second.Stale)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, h.upstream.RequestCount(), "second read served from cache")
}

func TestClient_CacheExpiryRefetches(t *testing.T) {
	h := newHarness(t, fortigo.WithCacheTTL(time.Minute))
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)

	req := h.listRooms()
	req.CacheKey = "rooms:list"

	_, err := h.client.Call(ctx, req)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)

	res, err := h.client.Call(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, h.upstream.RequestCount())
}

func TestClient_StaleFallbackWhenUpstreamFails(t *testing.T) {
	h := newHarness(t, fortigo.WithCacheTTL(time.Minute))
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)

	req := h.listRooms()
	req.CacheKey = "rooms:list"

	_, err := h.client.Call(ctx, req)
	require.NoError(t, err)

	// TTL expires, upstream breaks: the last good response is served
	// stale instead of failing the caller.
	h.clock.Advance(2 * time.Minute)
	h.upstream.RespondWith(http.StatusInternalServerError, testutil.ErrorJSON("down"))

	res, err := h.client.Call(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.True(t, res.FromCache)
	assert.JSONEq(t, testutil.RoomsListJSON, string(res.Data))
}

func TestClient_MutationInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)

	read := h.listRooms()
	read.CacheKey = "rooms:list"
	_, err := h.client.Call(ctx, read)
	require.NoError(t, err)

	h.upstream.RespondWith(http.StatusOK, testutil.RoomCreatedJSON)
	_, err = h.client.Call(ctx, fortigo.Request{
		Operation:   "createRoom",
		Kind:        fortigo.Mutation,
		Invalidates: []string{"rooms:"},
		Do:          testutil.GetOp("createRoom", h.upstream.URL+"/rooms/create"),
	})
	require.NoError(t, err)

	// The read view was invalidated; the next read goes upstream.
	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)
	res, err := h.client.Call(ctx, read)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 3, h.upstream.RequestCount())
}

func TestClient_ExplicitFallbackWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusInternalServerError, testutil.ErrorJSON("down"))

	req := h.listRooms()
	req.Fallback = func(_ context.Context, lastErr error) ([]byte, error) {
		require.ErrorIs(t, lastErr, fault.ErrUpstream)
		return []byte(`{"rooms":[]}`), nil
	}

	res, err := h.client.Call(ctx, req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rooms":[]}`, string(res.Data))
	assert.False(t, res.Stale)
	assert.False(t, res.FromCache)
}

func TestClient_RateLimiterRejects(t *testing.T) {
	h := newHarness(t, fortigo.WithRateLimit(2, 1))
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)

	req := h.listRooms()
	req.CallerKey = "tenant-7"

	for _i := 0; _i < 2; _i++ {
		_, err := h.client.Call(ctx, req)
		require.NoError(t, err)
	}

	_, err := h.client.Call(ctx, req)
	require.ErrorIs(t, err, fault.ErrRateLimited)
	assert.Equal(t, 2, h.upstream.RequestCount(), "rejected call never reaches upstream")

	// Another caller has its own bucket.
	other := h.listRooms()
	other.CallerKey = "tenant-9"
	_, err = h.client.Call(ctx, other)
	assert.NoError(t, err)

	// Refill restores tenant-7.
	h.clock.Advance(time.Second)
	_, err = h.client.Call(ctx, req)
	assert.NoError(t, err)
}

func TestClient_ManualTripAndReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.upstream.RespondWith(http.StatusOK, testutil.RoomsListJSON)

	h.client.TripBreaker("listRooms")
	assert.Equal(t, breaker.StateOpen, h.client.BreakerStates()["listRooms"])

	_, err := h.client.Call(ctx, h.listRooms())
	require.ErrorIs(t, err, fault.ErrCircuitOpen)
	assert.Zero(t, h.upstream.RequestCount())

	h.client.ResetBreaker("listRooms")
	_, err = h.client.Call(ctx, h.listRooms())
	require.NoError(t, err)
}

func TestClient_ServiceStatusFollowsBreaker(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, health.StatusHealthy, h.client.ServiceStatus())

	h.client.TripBreaker("listRooms")
	assert.Equal(t, health.StatusUnavailable, h.client.ServiceStatus())

	h.client.ResetBreaker("listRooms")
	assert.Equal(t, health.StatusHealthy, h.client.ServiceStatus())
}

func TestClient_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Call(ctx, fortigo.Request{
		Do: func(context.Context) ([]byte, error) { return nil, nil },
	})
	assert.ErrorIs(t, err, fault.ErrInvalidOperation)

	_, err = h.client.Call(ctx, fortigo.Request{Operation: "listRooms"})
	assert.ErrorIs(t, err, fault.ErrInvalidOperation)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := fortigo.DefaultConfig()
	cfg.FailureThreshold = 0

	_, err := fortigo.New(fortigo.WithConfig(cfg))
	assert.ErrorIs(t, err, fault.ErrInvalidConfig)
}
