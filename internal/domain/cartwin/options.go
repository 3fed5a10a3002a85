package cartwin

import (
	"time"

	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
)

// Option configures a Twin.
type Option func(*Twin)

// WithHistorySize bounds the wear samples used by the regression.
func WithHistorySize(n int) Option {
	return func(t *Twin) {
		if n >= minRegressionSamples {
			t.historySize = n
		}
	}
}

// WithFuelWindow sets how many per-lap fuel deltas are averaged.
func WithFuelWindow(n int) Option {
	return func(t *Twin) {
		if n > 0 {
			t.fuelWindow = n
		}
	}
}

// WithSafetyMargin sets how many laps before the projected limit the car
// should stop.
func WithSafetyMargin(laps int) Option {
	return func(t *Twin) {
		if laps >= 0 {
			t.safetyMargin = laps
		}
	}
}

// WithBaseline sets the performance baseline: the mean of the best laps
// among the last window laps.
func WithBaseline(laps, window int) Option {
	return func(t *Twin) {
		if laps > 0 && window >= laps {
			t.baselineLaps = laps
			t.baselineWindow = window
		}
	}
}

// WithMeasuredWeight sets the weight of the measured wear delta against the
// regression estimate.
func WithMeasuredWeight(w float64) Option {
	return func(t *Twin) {
		if w >= 0 && w <= 1 {
			t.measuredWeight = w
		}
	}
}

// WithDefaultRates sets the rates used before any data is available.
func WithDefaultRates(degradation, consumption float64) Option {
	return func(t *Twin) {
		if degradation > 0 {
			t.defaultDegradation = degradation
		}
		if consumption > 0 {
			t.defaultConsumption = consumption
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

// WithClock replaces the wall clock used for budgets and timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(t *Twin) {
		if c != nil {
			t.clock = c
		}
	}
}
