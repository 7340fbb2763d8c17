package resilience

import "sync"

// ReconnectLock guards a single in-flight reconnection attempt per STOMP
// listener (spec.md §4.7, §5, §8: "at most one reconnection thread is
// active at any time"; concurrent disconnect events must skip rather than
// queue behind the first).
type ReconnectLock struct {
	mu    sync.Mutex
	inUse bool
}

// TryAcquire returns true if the caller won the right to reconnect, false
// if another goroutine is already reconnecting (the caller must skip).
func (l *ReconnectLock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse {
		return false
	}
	l.inUse = true
	return true
}

// Release marks the reconnection attempt complete, allowing a future
// disconnect to trigger a new attempt.
func (l *ReconnectLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inUse = false
}
