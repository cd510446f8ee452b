package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLimitExceeded is returned by IterationLimiter.Increment once the cap is
// passed.
var ErrLimitExceeded = errors.New("iteration limit exceeded")

// IterationLimiter enforces a maximum number of model invocations per turn.
type IterationLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewIterationLimiter creates a new limiter with a max number of calls.
// If max == 0, unlimited calls are allowed.
func NewIterationLimiter(max int) *IterationLimiter {
	return &IterationLimiter{max: max}
}

// Increment increases the call counter and returns an error if the limit is exceeded.
// A rejected call is not counted.
func (l *IterationLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return fmt.Errorf("%w: %d", ErrLimitExceeded, l.max)
	}

	l.count++

	return nil
}

// Count returns the current number of calls made.
func (l *IterationLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many calls are left before hitting the limit.
func (l *IterationLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
