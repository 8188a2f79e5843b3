package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeSleeper records requested sleep durations without blocking, so
// retry backoff schedules can be asserted without slowing tests down.
// Like the real sleeper it reports cancellation: a done context makes
// Sleep return ctx.Err() after recording the duration.
type FakeSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

// NewFakeSleeper creates an empty FakeSleeper.
func NewFakeSleeper() *FakeSleeper {
	return &FakeSleeper{}
}

// Sleep records d and returns immediately.
func (s *FakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Calls returns a copy of every recorded duration in order.
func (s *FakeSleeper) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times Sleep was invoked.
func (s *FakeSleeper) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// CallAt returns the i-th recorded duration.
func (s *FakeSleeper) CallAt(i int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// TotalDuration returns the sum of all recorded durations.
func (s *FakeSleeper) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.calls {
		total += d
	}
	return total
}

// Reset clears the recorded durations.
func (s *FakeSleeper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
