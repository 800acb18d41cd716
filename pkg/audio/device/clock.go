package device

import "time"

// frameClock stamps captured frames with milliseconds since the first
// start. The epoch survives stop/start cycles: a device restart must not
// rewind timestamps, or every consumer keyed on capture time (uplink
// packet ordering, wake-word rate limiting, level publishing) would see
// the clock jump backwards.
type frameClock struct {
	epoch time.Time
}

// start pins the epoch on first use; later calls are no-ops.
func (c *frameClock) start(now time.Time) {
	if c.epoch.IsZero() {
		c.epoch = now
	}
}

// nowMs returns the frame timestamp for the given instant.
func (c *frameClock) nowMs(now time.Time) uint32 {
	return uint32(now.Sub(c.epoch).Milliseconds())
}
