package normalize

import "errors"

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrMalformed    = errors.New("malformed payload")
	ErrMissingField = errors.New("missing field")
	ErrOutOfRange   = errors.New("value out of range")
	ErrDuplicateCar = errors.New("duplicate car id")
)
