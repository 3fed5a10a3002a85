package fieldtwin

import (
	"time"

	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
)

// Option configures a Twin.
type Option func(*Twin)

// WithWindows sets the rolling lap-time and position window sizes.
func WithWindows(laps, positions int) Option {
	return func(t *Twin) {
		if laps > 0 {
			t.lapWindow = laps
		}
		if positions > 0 {
			t.positionWindow = positions
		}
	}
}

// WithUndercut sets the pace advantage in seconds a car ahead must concede,
// and for how many consecutive frames, before an undercut window opens.
func WithUndercut(threshold float64, frames int) Option {
	return func(t *Twin) {
		if threshold > 0 {
			t.undercutThreshold = threshold
		}
		if frames > 0 {
			t.undercutFrames = frames
		}
	}
}

// WithMaxOpportunities caps the published opportunity list.
func WithMaxOpportunities(n int) Option {
	return func(t *Twin) {
		if n > 0 {
			t.maxOpportunities = n
		}
	}
}

// WithEventHistory sets how many recent race events are kept.
func WithEventHistory(n int) Option {
	return func(t *Twin) {
		if n > 0 {
			t.eventHistory = n
		}
	}
}

// WithBudget sets the soft latency budget for Update.
func WithBudget(d time.Duration) Option {
	return func(t *Twin) {
		t.budget = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Twin) {
		if l != nil {
			t.log = l
		}
	}
}

// WithClock replaces the wall clock used for budgets.
func WithClock(c timeutil.Clock) Option {
	return func(t *Twin) {
		if c != nil {
			t.clock = c
		}
	}
}
