package link

import "time"

// ReconnectPolicy decides the delay before reconnect attempt n (1-based).
// ok=false means give up; the link then reports ErrReconnectExhausted.
type ReconnectPolicy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// FixedDelay retries forever with the same delay. Used for relay links.
type FixedDelay struct {
	Delay time.Duration
}

// Next implements ReconnectPolicy.
func (p FixedDelay) Next(int) (time.Duration, bool) {
	return p.Delay, true
}

// LinearBackoff waits attempt*Step and stops after MaxAttempts.
// Used for robot links.
type LinearBackoff struct {
	Step        time.Duration
	MaxAttempts int
}

// Next implements ReconnectPolicy.
func (p LinearBackoff) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	return time.Duration(attempt) * p.Step, true
}

// NoReconnect never retries.
type NoReconnect struct{}

// Next implements ReconnectPolicy.
func (NoReconnect) Next(int) (time.Duration, bool) { return 0, false }
