package feedsim

import "time"

// Push retry constants.
const (
	pushRetries      = 5
	pushRetryBackoff = 50 * time.Millisecond
)

// Runner constants.
const (
	pollInterval        = 100 * time.Millisecond
	connectTimeout      = 10 * time.Second
	websocketPath       = "/feed"
	writeTimeout        = 5 * time.Second
	topCompetitorsShown = 10
)
