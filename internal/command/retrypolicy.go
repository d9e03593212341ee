package command

// RetryPolicy is a pure value deciding whether a failed attempt retries and
// how long the message stays invisible before the next attempt. Treat as
// immutable.
type RetryPolicy struct {
	MaxAttempts     int
	BackoffSchedule []int // seconds, indexed by attempt-1, last entry repeats
}

// DefaultRetryPolicy returns the standard three-attempt policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BackoffSchedule: []int{10, 60, 300},
	}
}

// ShouldRetry reports whether another attempt remains after the given one
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// BackoffFor returns the backoff in seconds applied after a failed attempt.
// Attempts beyond the schedule reuse its last entry; an empty schedule falls
// back to 30 seconds. Whether the attempt retries at all is the caller's
// decision: a command's own max_attempts may exceed the policy's, and the
// backoff must never collapse to zero for those later attempts.
func (p RetryPolicy) BackoffFor(attempt int) int {
	if len(p.BackoffSchedule) == 0 {
		return 30
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.BackoffSchedule) {
		idx = len(p.BackoffSchedule) - 1
	}
	return p.BackoffSchedule[idx]
}
