package normalize

import (
	"time"

	"github.com/okian/pitwall/internal/timeutil"
)

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithBudget sets the per-sample latency budget. Zero disables the check.
func WithBudget(d time.Duration) Option {
	return func(n *Normalizer) {
		n.budget = d
	}
}

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option {
	return func(n *Normalizer) {
		if c != nil {
			n.clock = c
		}
	}
}
