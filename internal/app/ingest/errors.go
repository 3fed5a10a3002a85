package ingest

import "errors"

// Sentinel errors of the ingestor.
var (
	ErrAlreadyStarted = errors.New("ingestor already started")
	ErrNotStarted     = errors.New("ingestor not started")
	ErrStaleFrame     = errors.New("frame older than the last accepted frame")
	ErrInvalidEvent   = errors.New("invalid race event")

	errTooManyFailures = errors.New("consecutive rejections reached the limit")
	errExhausted       = errors.New("reconnect attempts exhausted")
	errSwitched        = errors.New("source switched")
)
