package checker

import (
	"time"

	"github.com/oceanplexian/vigil/internal/objects"
)

// flapWindow is the horizon, in seconds, that the flap counters are decayed
// to. Whenever positive+negative exceeds it, both scale down so their sum
// equals the window while their ratio is preserved.
const flapWindow = 1800.0

// updateFlapCounters charges the seconds since the previous result to the
// positive counter when this result changed the state value, otherwise to
// the negative counter. Caller holds the object lock.
func updateFlapCounters(c *objects.Checkable, now time.Time, changed bool) {
	if !c.FlapLastUpdate.IsZero() {
		diff := now.Sub(c.FlapLastUpdate).Seconds()
		if diff > 0 {
			if changed {
				c.FlapPositive += diff
			} else {
				c.FlapNegative += diff
			}
		}
	}
	c.FlapLastUpdate = now

	total := c.FlapPositive + c.FlapNegative
	if total > flapWindow {
		factor := flapWindow / total
		c.FlapPositive *= factor
		c.FlapNegative *= factor
	}
}

// evaluateFlapping compares the flap percentage against the threshold and
// flips the flapping flag on a crossing. Caller holds the object lock.
func evaluateFlapping(c *objects.Checkable) (crossed, started bool) {
	percent := c.FlapPercent()
	switch {
	case !c.Flapping && percent > c.FlapThreshold:
		c.Flapping = true
		return true, true
	case c.Flapping && percent <= c.FlapThreshold:
		c.Flapping = false
		return true, false
	}
	return false, false
}
