// Package constants collects the default timings used across packages.
package constants

import "time"

// Shared duration vocabulary used by timeouts, polling and retry checks.
// Keep these centralized to simplify system-wide timing tuning.
const (
	Duration10Milliseconds  = 10 * time.Millisecond
	Duration50Milliseconds  = 50 * time.Millisecond
	Duration100Milliseconds = 100 * time.Millisecond
	Duration400Milliseconds = 400 * time.Millisecond
	Duration500Milliseconds = 500 * time.Millisecond

	Duration1Second   = 1 * time.Second
	Duration2Seconds  = 2 * time.Second
	Duration3Seconds  = 3 * time.Second
	Duration5Seconds  = 5 * time.Second
	Duration10Seconds = 10 * time.Second
	Duration30Seconds = 30 * time.Second
	Duration54Seconds = 54 * time.Second
	Duration60Seconds = 60 * time.Second
)

// Domain-level timeout constants.
const (
	WebSocketHandshakeTimeout = Duration10Seconds
	WebSocketWriteTimeout     = Duration5Seconds
	WebSocketCloseTimeout     = Duration2Seconds
	WebSocketPongWait         = Duration60Seconds
	WebSocketPingPeriod       = Duration54Seconds

	TargetRetryInterval = Duration100Milliseconds
	HoverDuration       = Duration1Second
	HighlightDuration   = Duration400Milliseconds
	ScrollDebounce      = Duration100Milliseconds

	PromptRequestTimeout = Duration10Seconds
	PromptRetryDelay     = Duration500Milliseconds

	BrowserNavigateTimeout = Duration30Seconds
)

// Domain-level counts and sizes.
const (
	TargetRetries      = 5
	LogHistoryCapacity = 200
	RelayResultBacklog = 1024
	ClientSendBuffer   = 256
)
