// Package backoff computes the reconnection delay schedule used by the
// session's reconnection supervisor.
package backoff

import "time"

const (
	// MaxAttempts is the retry ceiling per disconnect episode.
	MaxAttempts = 10

	base = 5 * time.Second
	cap_ = 60 * time.Second
)

// Delay returns min(5*2^attempt, 60) seconds with no jitter. The
// reconnection supervisor waits Delay(0) before its first attempt and
// Delay(r) after its r-th failed attempt (0-indexed).
func Delay(attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap_ {
			return cap_
		}
	}
	if d > cap_ {
		return cap_
	}
	return d
}

// Exhausted reports whether attempt has reached or exceeded the retry ceiling.
func Exhausted(attempt int) bool {
	return attempt >= MaxAttempts
}
