package cartwin

import "errors"

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrCarNotInFrame = errors.New("controlled car not in frame")
	ErrStaleFrame    = errors.New("frame older than last applied")
)
