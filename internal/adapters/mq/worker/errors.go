package worker

import "errors"

// ErrUnknownMessage is returned for a message kind the worker cannot route.
var ErrUnknownMessage = errors.New("unknown message kind")
