package source

import "errors"

// Sentinel errors of the sources.
var (
	ErrClosed              = errors.New("stream closed")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrUnknownKind         = errors.New("unknown source kind")
	ErrPushFull            = errors.New("push buffer full")
)
