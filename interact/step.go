package interact

import "math"

// StepCount returns floor(elapsed/dt) clamped to [minSteps, maxSteps].
func StepCount(elapsed, dt float64, minSteps, maxSteps int) int {
	if !(dt > 0) || math.IsNaN(elapsed) {
		return minSteps
	}
	n := int(math.Floor(max(elapsed, 0) / dt))
	return min(max(n, minSteps), maxSteps)
}

// Clock accumulates frame time into fixed sub-steps. Time the step cap
// could not consume is carried into later frames, but never more than
// maxSteps steps of it.
type Clock struct {
	dt       float64
	minSteps int
	maxSteps int
	acc      float64
}

// NewClock creates a fixed-step clock.
func NewClock(dt float64, minSteps, maxSteps int) *Clock {
	maxSteps = max(maxSteps, minSteps)
	return &Clock{dt: dt, minSteps: minSteps, maxSteps: maxSteps}
}

// DT returns the fixed step length.
func (c *Clock) DT() float64 {
	return c.dt
}

// Advance adds elapsed seconds and returns the number of steps to run.
func (c *Clock) Advance(elapsed float64) int {
	if !(c.dt > 0) {
		return 0
	}
	if elapsed > 0 && !math.IsInf(elapsed, 0) {
		c.acc += elapsed
	}
	n := StepCount(c.acc, c.dt, c.minSteps, c.maxSteps)
	c.acc = max(c.acc-float64(n)*c.dt, 0)
	c.acc = min(c.acc, float64(c.maxSteps)*c.dt)
	return n
}

// Debt returns the accumulated time not yet simulated.
func (c *Clock) Debt() float64 {
	return c.acc
}

// Reset drops accumulated time.
func (c *Clock) Reset() {
	c.acc = 0
}
