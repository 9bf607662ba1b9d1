// Package backoff maps a reconnection attempt number to a delay.
package backoff

import (
	"time"

	"github.com/nupi-ai/domlink/internal/constants"
)

// DefaultDelays is the increasing-then-capped reconnection schedule.
var DefaultDelays = []time.Duration{
	constants.Duration1Second,
	constants.Duration2Seconds,
	constants.Duration3Seconds,
}

// Delay returns the wait before the given attempt. The attempt index is
// clamped to the sequence, so attempts past the end repeat the last delay.
// Non-positive custom delays are ignored; an empty sequence uses DefaultDelays.
func Delay(attempt int, delays ...time.Duration) time.Duration {
	seq := sanitize(delays)
	if attempt < 0 {
		attempt = 0
	}
	if attempt > len(seq)-1 {
		attempt = len(seq) - 1
	}
	return seq[attempt]
}

// Policy carries a delay sequence so it can be injected as a value.
type Policy struct {
	Delays []time.Duration
}

// Delay returns the wait before the given attempt under this policy.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.Delays...)
}

func sanitize(delays []time.Duration) []time.Duration {
	if len(delays) == 0 {
		return DefaultDelays
	}
	out := make([]time.Duration, 0, len(delays))
	for _, d := range delays {
		if d > 0 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return DefaultDelays
	}
	return out
}
