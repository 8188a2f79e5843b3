package syncutil_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prilive-com/fortigo/internal/syncutil"
	"github.com/stretchr/testify/assert"
)

func TestGo_ExecutesFunction(t *testing.T) {
	var wg sync.WaitGroup
	var executed atomic.Bool

	syncutil.Go(&wg, func() {
		executed.Store(true)
	})

	wg.Wait()
	assert.True(t, executed.Load())
}

func TestGo_TracksAllGoroutines(t *testing.T) {
	var wg sync.WaitGroup
	var counter atomic.Int32

	for _i := 0; _i < 10; _i++ {
		syncutil.Go(&wg, func() {
			counter.Add(1)
		})
	}

	wg.Wait()
	assert.Equal(t, int32(10), counter.Load())
}
