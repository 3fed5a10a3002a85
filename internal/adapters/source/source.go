// Package source implements the telemetry sources. Every source yields raw,
// unvalidated samples through the same Stream contract; validation happens
// once, in the ingestor.
package source

import (
	"context"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
)

// Source opens streams of raw samples.
type Source interface {
	// Name identifies the source in logs, metrics and status.
	Name() string
	// Open connects. A streamed source that cannot connect returns an error
	// wrapping faults.ErrSourceUnavailable.
	Open(ctx context.Context) (Stream, error)
}

// Stream is one open connection.
type Stream interface {
	// Next blocks for the next sample. It returns io.EOF when a finite
	// source is exhausted and ctx.Err() when ctx is done.
	Next(ctx context.Context) (model.RawSample, error)
	Close() error
}

// Backoff returns the wait before reconnect attempt n (1-based):
// initial * 2^(n-1), capped at maxWait.
func Backoff(initial, maxWait time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if maxWait > 0 && d >= maxWait {
			return maxWait
		}
	}
	if maxWait > 0 && d > maxWait {
		return maxWait
	}
	return d
}

func sample(name string, payload []byte, at time.Time) model.RawSample {
	return model.RawSample{Source: name, Payload: payload, ReceivedAt: at}
}
