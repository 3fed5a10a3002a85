package fieldtwin

import "errors"

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrStaleFrame      = errors.New("frame older than last applied")
	ErrUnknownEvent    = errors.New("unknown event type")
	ErrUnknownCar      = errors.New("unknown competitor")
	ErrMissingEventCar = errors.New("event requires a car id")
)
