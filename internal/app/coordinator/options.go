package coordinator

import (
	"time"

	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPersistInterval sets the period of the persist loop.
func WithPersistInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxPersistFailures sets how many consecutive failed persists degrade
// health.
func WithMaxPersistFailures(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxPersistFailures = n
		}
	}
}

// WithLapTolerance sets the allowed lap difference between the twins.
func WithLapTolerance(laps int) Option {
	return func(c *Coordinator) {
		if laps >= 0 {
			c.lapTolerance = laps
		}
	}
}

// WithStrictConsistency makes Commit refuse merges whose laps disagree.
func WithStrictConsistency(strict bool) Option {
	return func(c *Coordinator) {
		c.strict = strict
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clk timeutil.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}
