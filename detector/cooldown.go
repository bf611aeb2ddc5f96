package detector

import "time"

// Cooldown suppresses repeated firing for one broadcaster within period.
type Cooldown struct {
	period time.Duration
	last   time.Time
	fired  bool
}

func NewCooldown(period time.Duration) *Cooldown { return &Cooldown{period: period} }

// Allow reports whether a firing at now is permitted.
func (c *Cooldown) Allow(now time.Time) bool {
	return !c.fired || now.Sub(c.last) >= c.period
}

// Fire records a firing at now. It is recorded regardless of what happens to
// the resulting clip downstream.
func (c *Cooldown) Fire(now time.Time) {
	c.last = now
	c.fired = true
}

// LastFired returns the last firing time, if any.
func (c *Cooldown) LastFired() (time.Time, bool) { return c.last, c.fired }
