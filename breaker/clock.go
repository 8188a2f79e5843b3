package breaker

import "time"

// Clock abstracts monotonic time sampling so timer-based transitions
// (OPEN -> HALF_OPEN) are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock implementation used in production.
func SystemClock() Clock { return systemClock{} }
