package clock

import "time"

// Fake is a manually advanced clock for tests.
type Fake struct {
	now time.Time
}

func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (c *Fake) Now() time.Time {
	return c.now
}

func (c *Fake) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func (c *Fake) Set(t time.Time) {
	c.now = t.UTC()
}
