package api

import (
	"errors"
	"fmt"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest     = errors.New("bad request")
	ErrBackpressure   = errors.New("backpressure")
	ErrSourceInactive = errors.New("push source is not active")
)

// wrapKind tags err with an API error kind and the operation that raised it.
func wrapKind(op string, kind, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, kind)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
