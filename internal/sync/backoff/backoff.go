// Package backoff provides the retry delay schedule and cancellable retry
// tasks used by the sync engine.
package backoff

import "time"

// DefaultDelays is the retry table: the first retry waits 1s, then 5s, then 15s.
var DefaultDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// DefaultCap bounds every delay past the end of the table.
const DefaultCap = 30 * time.Second

// Schedule maps a retry count to the wait before the next attempt.
type Schedule struct {
	Delays []time.Duration
	Cap    time.Duration
}

// DefaultSchedule returns the 1s/5s/15s schedule capped at 30s.
func DefaultSchedule() Schedule {
	return Schedule{Delays: append([]time.Duration(nil), DefaultDelays...), Cap: DefaultCap}
}

// Delay returns the wait for an operation that has already been retried
// retryCount times. Past the table the last entry doubles per extra retry,
// never exceeding Cap.
func (s Schedule) Delay(retryCount int) time.Duration {
	delays := s.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	limit := s.Cap
	if limit <= 0 {
		limit = DefaultCap
	}
	if retryCount < 0 {
		retryCount = 0
	}

	if retryCount < len(delays) {
		return min(delays[retryCount], limit)
	}

	d := delays[len(delays)-1]
	for i := len(delays) - 1; i < retryCount; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
