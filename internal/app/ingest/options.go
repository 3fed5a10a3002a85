package ingest

import (
	"time"

	"github.com/okian/pitwall/internal/domain/dedupe"
	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
)

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.log = l
		}
	}
}

// WithClock replaces the wall clock used for backoff.
func WithClock(c timeutil.Clock) Option {
	return func(i *Ingestor) {
		if c != nil {
			i.clock = c
		}
	}
}

// WithMaxFailures sets how many consecutive rejected samples trigger the
// fallback to the simulator.
func WithMaxFailures(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.maxFailures = n
		}
	}
}

// WithMaxReconnectAttempts sets how many failed reconnects a streamed source
// gets before the fallback.
func WithMaxReconnectAttempts(n int) Option {
	return func(i *Ingestor) {
		if n >= 0 {
			i.maxReconnects = n
		}
	}
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, maxWait time.Duration) Option {
	return func(i *Ingestor) {
		if initial > 0 && maxWait >= initial {
			i.initialBackoff = initial
			i.maxBackoff = maxWait
		}
	}
}

// WithNormalizer replaces the frame normalizer.
func WithNormalizer(n Normalizer) Option {
	return func(i *Ingestor) {
		if n != nil {
			i.normalizer = n
		}
	}
}

// WithDeduper replaces the fingerprint window.
func WithDeduper(d dedupe.Deduper) Option {
	return func(i *Ingestor) {
		if d != nil {
			i.deduper = d
		}
	}
}
