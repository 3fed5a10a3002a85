package coordinator

import "errors"

// Sentinel errors of the coordinator.
var (
	ErrNothingToRecover = errors.New("no valid generation to recover")
	ErrLapMismatch      = errors.New("car and field laps disagree")
	ErrAlreadyStarted   = errors.New("persist loop already started")
)
