package repository

import "errors"

// Sentinel errors of the stores.
var (
	ErrNoGeneration      = errors.New("no persisted generation")
	ErrCorruptGeneration = errors.New("corrupt generation")
	ErrInvalidLimit      = errors.New("invalid audit limit")
	ErrInvalidFilter     = errors.New("invalid audit filter")
	ErrClosed            = errors.New("store closed")
)
