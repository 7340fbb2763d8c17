package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectBackoff_AttemptZeroBoundary(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := ReconnectBackoff(0, time.Second, 60*time.Second, 2, 0.25)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.25))
	}
}

func TestReconnectBackoff_Attempt100Boundary(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := ReconnectBackoff(100, time.Second, 60*time.Second, 2, 0.25)
		assert.LessOrEqual(t, d, time.Duration(float64(60*time.Second)*1.25))
		assert.GreaterOrEqual(t, d, 60*time.Second)
	}
}

func TestReconnectBackoff_Monotonic(t *testing.T) {
	prevNoJitter := ReconnectBackoff(0, time.Second, 60*time.Second, 2, 0)
	for attempt := 1; attempt < 10; attempt++ {
		d := ReconnectBackoff(attempt, time.Second, 60*time.Second, 2, 0)
		assert.GreaterOrEqual(t, d, prevNoJitter)
		prevNoJitter = d
	}
}

func TestReconnectLock_OnlyOneWinner(t *testing.T) {
	lock := &ReconnectLock{}
	wins := 0
	for i := 0; i < 5; i++ {
		if lock.TryAcquire() {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	lock.Release()
	assert.True(t, lock.TryAcquire())
}

// TestReconnectLock_ConcurrentDisconnectStormOnlyOneWinner simulates five
// simultaneous disconnect events racing to start a reconnect (spec.md §8
// "STOMP reconnect storm"): exactly one must win the lock, the other four
// must be skipped, none should block.
func TestReconnectLock_ConcurrentDisconnectStormOnlyOneWinner(t *testing.T) {
	lock := &ReconnectLock{}
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lock.TryAcquire() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
