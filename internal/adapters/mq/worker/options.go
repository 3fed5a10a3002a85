package worker

import (
	"github.com/okian/pitwall/pkg/logger"
)

type options struct {
	name   string
	logger logger.Logger
	buffer int
}

// Option applies a configuration option to a Worker.
type Option func(*options)

// WithName sets the worker name used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResultBuffer sets how many results may wait for the merger.
func WithResultBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.buffer = n
		}
	}
}
