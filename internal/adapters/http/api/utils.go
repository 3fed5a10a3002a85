package api

import (
	"fmt"
	"strconv"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
	maxPayloadBytes   = 1 << 20
)

// parseLimit reads a positive limit, defaulting when absent and capping at
// maxAuditLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultAuditLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest)
	}
	return min(n, maxAuditLimit), nil
}
