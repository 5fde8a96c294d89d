// Package backoff implements the exponential backoff policy used for
// realtime channel and transport retries.
//
// The policy is a pure value: callers thread the retry count through
// Delay/Exhausted themselves, so the schedule is testable without any
// timers or channel state.
package backoff

import "time"

// Default policy values.
const (
	DefaultBase       = 1 * time.Second
	DefaultCap        = 30 * time.Second
	DefaultMaxRetries = 5
)

// Policy describes an exponential backoff schedule.
// No jitter: delays are deterministic for a given retry count.
type Policy struct {
	Base       time.Duration // First delay (default: 1s)
	Cap        time.Duration // Maximum delay (default: 30s)
	MaxRetries int           // Attempts before Exhausted (default: 5)
}

// DefaultPolicy returns the standard channel retry policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:       DefaultBase,
		Cap:        DefaultCap,
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay returns the wait before retry attempt n (zero-based).
// Delay(0) == Base, Delay(1) == 2*Base, capped at Cap.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}

	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	cap := p.Cap
	if cap <= 0 {
		cap = DefaultCap
	}

	// Guard the shift: past this point the delay is capped anyway.
	if retry > 30 {
		return cap
	}

	d := base << uint(retry)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// Exhausted reports whether retry attempt n (zero-based) exceeds the
// policy's budget. Once exhausted, callers stop retrying and wait for
// an external reset signal.
func (p Policy) Exhausted(retry int) bool {
	max := p.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return retry >= max
}
