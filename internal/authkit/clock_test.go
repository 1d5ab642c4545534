package authkit

import (
	"sync"
	"time"
)

type manualClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{current: start.UTC()}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *manualClock) Advance(step time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(step)
}
