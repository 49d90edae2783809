package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic clock for tests. Time only moves when the test
// calls Advance or Set.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock pinned to the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at}
}

// NewFakeMS creates a fake clock pinned to the given unix-millisecond instant.
func NewFakeMS(ms int64) *Fake {
	return &Fake{now: time.UnixMilli(ms).UTC()}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) NowMS() int64 {
	return c.Now().UnixMilli()
}

// Advance moves the clock forward by d.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to a new instant. Moving backwards panics: the Clock
// contract says now() never decreases.
func (c *Fake) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.Before(c.now) {
		panic("clock: fake time moved backwards")
	}
	c.now = at
}

func (c *Fake) NextCron(expr, tz string, after time.Time) (time.Time, error) {
	return NextCronTick(expr, tz, after)
}
